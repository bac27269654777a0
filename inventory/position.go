package inventory

import (
	"math"
	"sync"

	"adaptive-market-maker/gateway"
)

// Realization 一笔成交带来的已实现结果
type Realization struct {
	ClosedQty float64 // 平掉的数量，0表示纯开仓
	PnL       float64 // 已实现盈亏，已扣除平仓部分分摊的手续费
	Fee       float64 // 本笔成交手续费
}

// Tracker 维护单个交易对的净仓位和加权平均成本。
type Tracker struct {
	mu       sync.RWMutex
	net      float64
	cost     float64
	openFees float64 // 开仓手续费，平仓时按比例计入盈亏
	realized float64
}

// ApplyFill 按成交调整仓位并返回已实现盈亏
func (t *Tracker) ApplyFill(side gateway.Side, qty, price, fee float64) Realization {
	if qty <= 0 || price <= 0 {
		return Realization{}
	}
	delta := qty
	if side == gateway.SideSell {
		delta = -qty
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	res := Realization{Fee: fee}
	if t.net == 0 || sameSign(t.net, delta) {
		// 加仓：加权平均成本
		totalValue := t.cost*t.net + price*delta
		t.net += delta
		t.cost = totalValue / t.net
		t.openFees += fee
		return res
	}

	closeQty := math.Min(qty, math.Abs(t.net))
	feeShare := t.openFees * closeQty / math.Abs(t.net)
	t.openFees -= feeShare
	res.ClosedQty = closeQty
	res.PnL = closeQty*(price-t.cost)*sign(t.net) - feeShare - fee*closeQty/qty

	t.net += delta
	switch {
	case math.Abs(t.net) < 1e-12:
		t.net, t.cost, t.openFees = 0, 0, 0
	case sameSign(t.net, delta):
		// 反手，剩余部分按成交价开仓
		t.cost = price
		t.openFees = fee * (qty - closeQty) / qty
	}
	t.realized += res.PnL
	return res
}

// Reset 用外部快照覆盖仓位
func (t *Tracker) Reset(net, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.net, t.cost, t.openFees = net, cost, 0
	if net == 0 {
		t.cost = 0
	}
}

func (t *Tracker) NetExposure() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.net
}

func (t *Tracker) AvgCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cost
}

// Realized 累计已实现盈亏
func (t *Tracker) Realized() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
