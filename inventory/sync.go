package inventory

import "math"

// Sync 用交易所余额校正本地仓位。
// Baseline 是会话开始时的基础资产余额，净仓位 = 当前余额 - Baseline
type Sync struct {
	Tracker   *Tracker
	Baseline  float64
	Tolerance float64
}

// Apply 偏差超过容差时以余额为准，返回是否发生了校正。成本沿用本地均价，没有时用mid
func (s *Sync) Apply(baseTotal, mid float64) bool {
	if s.Tracker == nil {
		return false
	}
	want := baseTotal - s.Baseline
	have := s.Tracker.NetExposure()
	if math.Abs(want-have) <= s.Tolerance {
		return false
	}
	cost := s.Tracker.AvgCost()
	if cost == 0 {
		cost = mid
	}
	s.Tracker.Reset(want, cost)
	return true
}
