package strategy

import "math"

// SpreadModel 动态价差模型，单位为百分比
type SpreadModel struct {
	cfg SpreadModelConfig
}

// SpreadModelConfig 配置
type SpreadModelConfig struct {
	BaseSpreadPct float64 // 基础价差
	Dynamic       bool    // 关闭时始终返回基础价差
	VolMultiplier float64 // 波动率乘数
	MinSpreadPct  float64
	MaxSpreadPct  float64
}

// NewSpreadModel 创建动态价差模型
func NewSpreadModel(cfg SpreadModelConfig) *SpreadModel {
	if cfg.VolMultiplier < 0 {
		cfg.VolMultiplier = 0
	}
	// 确保min <= max
	if cfg.MaxSpreadPct > 0 && cfg.MinSpreadPct > cfg.MaxSpreadPct {
		cfg.MinSpreadPct, cfg.MaxSpreadPct = cfg.MaxSpreadPct, cfg.MinSpreadPct
	}
	return &SpreadModel{cfg: cfg}
}

// Calculate spread = base * (1 + volatility * volMultiplier)，再限制在[min,max]
func (m *SpreadModel) Calculate(volatility float64) float64 {
	if !m.cfg.Dynamic || math.IsNaN(volatility) || volatility < 0 {
		return m.cfg.BaseSpreadPct
	}
	spread := m.cfg.BaseSpreadPct * (1 + volatility*m.cfg.VolMultiplier)
	return m.clampSpread(spread)
}

func (m *SpreadModel) clampSpread(spread float64) float64 {
	if m.cfg.MinSpreadPct > 0 && spread < m.cfg.MinSpreadPct {
		return m.cfg.MinSpreadPct
	}
	if m.cfg.MaxSpreadPct > 0 && spread > m.cfg.MaxSpreadPct {
		return m.cfg.MaxSpreadPct
	}
	return spread
}

// Config 当前配置
func (m *SpreadModel) Config() SpreadModelConfig {
	return m.cfg
}
