package inventory

import "math"

// Valuation 基于当前 mid 价计算未实现盈亏。
func (t *Tracker) Valuation(mid float64) (net float64, pnl float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	net = t.net
	if net == 0 {
		return 0, 0
	}
	pnl = (mid - t.cost) * t.net
	return
}

// Ratio 仓位市值占分配资金的比例，截断到[-1,1]
func (t *Tracker) Ratio(mid, capital float64) float64 {
	if capital <= 0 || mid <= 0 {
		return 0
	}
	t.mu.RLock()
	r := t.net * mid / capital
	t.mu.RUnlock()
	return math.Max(-1, math.Min(1, r))
}
