package rl

import "math"

// RewardConfig 奖励塑形权重
type RewardConfig struct {
	DrawdownPenalty  float64
	InventoryPenalty float64
}

// Reward 本周期盈亏变化占分配资金的百分比，减去回撤惩罚（回撤同样按百分比）和库存惩罚
func Reward(pnlDelta, allocatedCapital, drawdown, inventoryRatio float64, cfg RewardConfig) float64 {
	r := 0.0
	if allocatedCapital > 0 {
		r = pnlDelta / allocatedCapital * 100
	}
	r -= cfg.DrawdownPenalty * drawdown * 100
	r -= cfg.InventoryPenalty * math.Abs(inventoryRatio)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}
