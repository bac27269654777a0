package rl

import "math"

// ActionSize 动作维度
const ActionSize = 4

// 各动作分量的取值范围
const (
	SpreadAdjMin  = -0.5
	SpreadAdjMax  = 0.5
	SizeMultMin   = 0.5
	SizeMultMax   = 2.0
	AggressionMin = 0.0
	AggressionMax = 1.0
	RiskAdjMin    = -0.5
	RiskAdjMax    = 0.5
)

// 动作标签，用于多智能体投票
const (
	LabelBuy  = "buy"
	LabelSell = "sell"
	LabelHold = "hold"
)

// labelThreshold risk_adjustment 超过该值才视为有方向
const labelThreshold = 0.1

// Action 报价调整动作，创建后不修改
type Action struct {
	SpreadAdjustment float64 `json:"spread_adjustment"`
	SizeMultiplier   float64 `json:"size_multiplier"`
	AggressionLevel  float64 `json:"aggression_level"`
	RiskAdjustment   float64 `json:"risk_adjustment"`
}

// NeutralAction 不改变基础报价的动作
func NeutralAction() Action {
	return Action{SpreadAdjustment: 0, SizeMultiplier: 1, AggressionLevel: 0.5, RiskAdjustment: 0}
}

// Clamp 把每个分量截断到合法范围
func (a Action) Clamp() Action {
	return Action{
		SpreadAdjustment: clamp(a.SpreadAdjustment, SpreadAdjMin, SpreadAdjMax),
		SizeMultiplier:   clamp(a.SizeMultiplier, SizeMultMin, SizeMultMax),
		AggressionLevel:  clamp(a.AggressionLevel, AggressionMin, AggressionMax),
		RiskAdjustment:   clamp(a.RiskAdjustment, RiskAdjMin, RiskAdjMax),
	}
}

// Valid 所有分量都在范围内且不是NaN
func (a Action) Valid() bool {
	in := func(x, lo, hi float64) bool { return !math.IsNaN(x) && x >= lo && x <= hi }
	return in(a.SpreadAdjustment, SpreadAdjMin, SpreadAdjMax) &&
		in(a.SizeMultiplier, SizeMultMin, SizeMultMax) &&
		in(a.AggressionLevel, AggressionMin, AggressionMax) &&
		in(a.RiskAdjustment, RiskAdjMin, RiskAdjMax)
}

// Label buy 表示偏向加大买单，sell 偏向加大卖单
func (a Action) Label() string {
	switch {
	case a.RiskAdjustment > labelThreshold:
		return LabelBuy
	case a.RiskAdjustment < -labelThreshold:
		return LabelSell
	default:
		return LabelHold
	}
}

// ActionFromQ 把线性输出映射到动作：对称范围用tanh，单边范围用缩放后的logistic
func ActionFromQ(q []float64) Action {
	get := func(i int) float64 {
		if i < len(q) && !math.IsNaN(q[i]) {
			return q[i]
		}
		return 0
	}
	return Action{
		SpreadAdjustment: math.Tanh(get(0)) * SpreadAdjMax,
		SizeMultiplier:   SizeMultMin + (SizeMultMax-SizeMultMin)*sigmoid(get(1)),
		AggressionLevel:  sigmoid(get(2)),
		RiskAdjustment:   math.Tanh(get(3)) * RiskAdjMax,
	}.Clamp()
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
