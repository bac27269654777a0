package config

import (
	"fmt"
	"strings"
)

// ConfigurationError 配置非法，只在会话启动前返回
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// 已知的投票角色
var knownRoles = map[string]bool{"policy": true, "sentiment": true, "risk": true}

// Validate ensures required fields are present and within range.
func Validate(cfg AppConfig) error {
	s := cfg.Session
	if len(s.Symbols) == 0 {
		return invalid("session.symbols", "at least one symbol is required")
	}
	seen := make(map[string]bool, len(s.Symbols))
	for _, sym := range s.Symbols {
		if strings.TrimSpace(sym) == "" {
			return invalid("session.symbols", "empty symbol")
		}
		if seen[sym] {
			return invalid("session.symbols", "duplicate symbol %s", sym)
		}
		seen[sym] = true
	}
	if s.Capital <= 0 {
		return invalid("session.capital", "must be > 0, got %v", s.Capital)
	}
	if s.CycleInterval < 0 {
		return invalid("session.cycleInterval", "must be >= 0")
	}
	if s.StopPollInterval <= 0 {
		return invalid("session.stopPollInterval", "must be > 0")
	}
	if s.CallTimeout <= 0 {
		return invalid("session.callTimeout", "must be > 0")
	}
	if s.SettleDelay < 0 {
		return invalid("session.settleDelay", "must be >= 0")
	}
	if s.OrderRate <= 0 || s.OrderBurst <= 0 {
		return invalid("session.orderRate", "rate and burst must be > 0")
	}
	if s.KlineLimit < 2 {
		return invalid("session.klineLimit", "must be >= 2")
	}

	q := cfg.Quote
	if q.BaseSpreadPct <= 0 || q.BaseSpreadPct >= 100 {
		return invalid("quote.baseSpreadPct", "must be in (0,100), got %v", q.BaseSpreadPct)
	}
	if q.Levels < 1 {
		return invalid("quote.levels", "must be >= 1")
	}
	// 最外层在动作把价差放大1.5倍后仍需保持买价为正
	if q.BaseSpreadPct*1.5*float64(q.Levels) >= 100 {
		return invalid("quote.levels", "spread %v%% x %d levels would cross zero", q.BaseSpreadPct, q.Levels)
	}
	if q.SkewStrength < 0 {
		return invalid("quote.skewStrength", "must be >= 0")
	}
	if q.TargetInventory < -1 || q.TargetInventory > 1 {
		return invalid("quote.targetInventory", "must be in [-1,1]")
	}
	if q.DynamicSpread {
		if q.MinSpreadPct <= 0 || q.MaxSpreadPct < q.MinSpreadPct {
			return invalid("quote.minSpreadPct", "need 0 < min <= max")
		}
		if q.VolFactor < 0 {
			return invalid("quote.volFactor", "must be >= 0")
		}
		if q.MaxSpreadPct*1.5*float64(q.Levels) >= 100 {
			return invalid("quote.maxSpreadPct", "spread %v%% x %d levels would cross zero", q.MaxSpreadPct, q.Levels)
		}
	}
	if q.TakerAggression < 0 || q.TakerAggression > 1 {
		return invalid("quote.takerAggression", "must be in [0,1]")
	}

	r := cfg.RL
	if r.LearningRate <= 0 {
		return invalid("rl.learningRate", "must be > 0")
	}
	if r.Discount < 0 || r.Discount > 1 {
		return invalid("rl.discount", "must be in [0,1]")
	}
	if r.EpsilonStart < 0 || r.EpsilonStart > 1 || r.EpsilonMin < 0 || r.EpsilonMin > 1 {
		return invalid("rl.epsilon", "start and min must be in [0,1]")
	}
	if r.EpsilonMin > r.EpsilonStart {
		return invalid("rl.epsilonMin", "must be <= epsilonStart")
	}
	if r.EpsilonDecay <= 0 || r.EpsilonDecay > 1 {
		return invalid("rl.epsilonDecay", "must be in (0,1]")
	}
	if r.BufferCapacity < 1 || r.BatchSize < 1 || r.UpdateFrequency < 1 || r.TargetSyncInterval < 1 {
		return invalid("rl", "bufferCapacity, batchSize, updateFrequency and targetSyncInterval must be >= 1")
	}
	if r.BatchSize > r.BufferCapacity {
		return invalid("rl.batchSize", "must be <= bufferCapacity")
	}
	if r.GradientMode != "scalar" && r.GradientMode != "per_action" {
		return invalid("rl.gradientMode", "unknown mode %q", r.GradientMode)
	}
	if r.TDClip <= 0 {
		return invalid("rl.tdClip", "must be > 0")
	}
	if r.DrawdownPenalty < 0 || r.InventoryPenalty < 0 {
		return invalid("rl", "penalties must be >= 0")
	}

	if s.MultiAgent {
		c := cfg.Consensus
		if c.Threshold <= 0 || c.Threshold > 1 {
			return invalid("consensus.threshold", "must be in (0,1]")
		}
		if len(c.Agents) == 0 {
			return invalid("consensus.agents", "multi-agent mode needs at least one agent")
		}
		ids := make(map[string]bool, len(c.Agents))
		for _, a := range c.Agents {
			if a.ID == "" {
				return invalid("consensus.agents", "agent id is required")
			}
			if ids[a.ID] {
				return invalid("consensus.agents", "duplicate agent %s", a.ID)
			}
			ids[a.ID] = true
			if !knownRoles[a.Role] {
				return invalid("consensus.agents", "agent %s has unknown role %q", a.ID, a.Role)
			}
			if a.Weight < 0 || a.Weight > 1 {
				return invalid("consensus.agents", "agent %s weight must be in [0,1]", a.ID)
			}
		}
		for _, id := range c.Priority {
			if !ids[id] {
				return invalid("consensus.priority", "unknown agent %s", id)
			}
		}
	}

	if cfg.Risk.MaxDrawdownAlert < 0 || cfg.Risk.MaxDrawdownAlert > 1 {
		return invalid("risk.maxDrawdownAlert", "must be in [0,1]")
	}
	if cfg.Risk.PeriodsPerYear < 0 {
		return invalid("risk.periodsPerYear", "must be >= 0")
	}
	if cfg.Risk.FeeRate < 0 {
		return invalid("risk.feeRate", "must be >= 0")
	}

	if cfg.Gateway.MaxRetries < 0 {
		return invalid("gateway.maxRetries", "must be >= 0")
	}

	for sym, sc := range cfg.Symbols {
		if sc.TickSize < 0 || sc.StepSize < 0 || sc.MinQty < 0 || sc.MinNotional < 0 {
			return invalid("symbols."+sym, "precision values must be >= 0")
		}
	}
	return nil
}
