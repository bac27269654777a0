package consensus

import (
	"context"
	"fmt"
	"math"
	"strings"

	"adaptive-market-maker/internal/rl"
	"adaptive-market-maker/internal/sentiment"
	"adaptive-market-maker/market"
)

// Role 智能体角色，构造时确定
type Role int

const (
	RolePolicy Role = iota
	RoleSentiment
	RoleRisk
)

func (r Role) String() string {
	switch r {
	case RolePolicy:
		return "policy"
	case RoleSentiment:
		return "sentiment"
	case RoleRisk:
		return "risk"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole 解析配置里的角色名
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "policy":
		return RolePolicy, nil
	case "sentiment":
		return RoleSentiment, nil
	case "risk":
		return RoleRisk, nil
	}
	return 0, fmt.Errorf("unknown agent role %q", s)
}

// Agent 参与投票的智能体
type Agent interface {
	ID() string
	Role() Role
	Weight() float64
	ProposeOpinion(ctx context.Context, state market.MarketState) (Opinion, error)
}

// PolicyAgent 持有自己的学习策略
type PolicyAgent struct {
	id     string
	weight float64
	policy *rl.Policy
}

func NewPolicyAgent(id string, weight float64, policy *rl.Policy) *PolicyAgent {
	return &PolicyAgent{id: id, weight: weight, policy: policy}
}

func (a *PolicyAgent) ID() string         { return a.id }
func (a *PolicyAgent) Role() Role         { return RolePolicy }
func (a *PolicyAgent) Weight() float64    { return a.weight }
func (a *PolicyAgent) Policy() *rl.Policy { return a.policy }

// ProposeOpinion 置信度随探索率下降而上升，下限0.1
func (a *PolicyAgent) ProposeOpinion(_ context.Context, state market.MarketState) (Opinion, error) {
	d := a.policy.SelectAction(state.Vector())
	return Opinion{
		AgentID:    a.id,
		Role:       RolePolicy,
		Label:      d.Action.Label(),
		Action:     d.Action,
		Confidence: math.Max(0.1, 1-a.policy.Epsilon()),
		Weight:     a.weight,
	}, nil
}

// Analyzer 情绪信号来源
type Analyzer interface {
	AnalyzeSentiment(ctx context.Context, snap sentiment.Snapshot) sentiment.Result
}

// SentimentAgent 把LLM情绪信号转成投票
type SentimentAgent struct {
	id       string
	weight   float64
	analyzer Analyzer
}

func NewSentimentAgent(id string, weight float64, analyzer Analyzer) *SentimentAgent {
	return &SentimentAgent{id: id, weight: weight, analyzer: analyzer}
}

func (a *SentimentAgent) ID() string      { return a.id }
func (a *SentimentAgent) Role() Role      { return RoleSentiment }
func (a *SentimentAgent) Weight() float64 { return a.weight }

func (a *SentimentAgent) ProposeOpinion(ctx context.Context, state market.MarketState) (Opinion, error) {
	res := a.analyzer.AnalyzeSentiment(ctx, sentiment.Snapshot{
		Symbol:        state.Symbol,
		Price:         state.Price,
		Volatility:    state.Volatility,
		Spread:        state.Spread,
		Momentum:      state.MarketFeatures[market.FeatureMomentum],
		BookImbalance: state.MarketFeatures[market.FeatureBookImbalance],
		Inventory:     state.Inventory,
	})
	action := rl.NeutralAction()
	action.RiskAdjustment = res.Score * 0.5
	return Opinion{
		AgentID:    a.id,
		Role:       RoleSentiment,
		Label:      res.Action,
		Action:     action.Clamp(),
		Confidence: res.Confidence,
		Weight:     a.weight,
	}, nil
}

// 风控智能体参数
const (
	riskInventoryLimit = 0.5
	riskHoldConfidence = 0.5
)

// RiskAgent 库存过重时投票减仓，波动大时建议放宽价差
type RiskAgent struct {
	id     string
	weight float64
}

func NewRiskAgent(id string, weight float64) *RiskAgent {
	return &RiskAgent{id: id, weight: weight}
}

func (a *RiskAgent) ID() string      { return a.id }
func (a *RiskAgent) Role() Role      { return RoleRisk }
func (a *RiskAgent) Weight() float64 { return a.weight }

func (a *RiskAgent) ProposeOpinion(_ context.Context, state market.MarketState) (Opinion, error) {
	inv := state.Inventory
	action := rl.NeutralAction()
	action.SpreadAdjustment = math.Tanh(state.Volatility*10) * 0.5

	op := Opinion{AgentID: a.id, Role: RoleRisk, Weight: a.weight}
	switch {
	case inv > riskInventoryLimit:
		op.Label = rl.LabelSell
		op.Confidence = math.Min(1, inv)
		action.RiskAdjustment = -inv * 0.5
	case inv < -riskInventoryLimit:
		op.Label = rl.LabelBuy
		op.Confidence = math.Min(1, -inv)
		action.RiskAdjustment = -inv * 0.5
	default:
		op.Label = rl.LabelHold
		op.Confidence = riskHoldConfidence
	}
	op.Action = action.Clamp()
	return op, nil
}
