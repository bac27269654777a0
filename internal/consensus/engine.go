package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"adaptive-market-maker/internal/rl"
	"adaptive-market-maker/market"
)

// ErrConsensusNotReached 最高票占比低于阈值，本周期不下单
var ErrConsensusNotReached = errors.New("consensus not reached")

// tieEpsilon 占比差在此范围内视为平票
const tieEpsilon = 1e-12

// Opinion 一个智能体在一轮投票中的意见
type Opinion struct {
	AgentID    string
	Role       Role
	Label      string    // buy / sell / hold
	Action     rl.Action // 该智能体建议的完整动作
	Confidence float64   // [0,1]
	Weight     float64   // [0,1]
}

// Result 投票结果
type Result struct {
	Winning      string
	Strength     float64            // 获胜标签的归一化占比
	Distribution map[string]float64 // 标签 -> 占比，有票时总和为1
	Reached      bool
	Action       rl.Action // 投给获胜标签的动作按票权加权平均
	Votes        int       // 有效票数（票权>0）
	TieBroken    bool
}

// Engine 加权投票，平票时按配置的优先级决定
type Engine struct {
	threshold float64
	priority  map[string]int
}

// NewEngine priority 靠前的智能体优先；不在列表中的排在之后，按ID字典序
func NewEngine(threshold float64, priority []string) *Engine {
	p := make(map[string]int, len(priority))
	for i, id := range priority {
		if _, dup := p[id]; !dup {
			p[id] = i
		}
	}
	return &Engine{threshold: threshold, priority: p}
}

// Threshold 共识阈值
func (e *Engine) Threshold() float64 { return e.threshold }

// less 智能体a的优先级是否高于b
func (e *Engine) less(a, b string) bool {
	ra, okA := e.priority[a]
	rb, okB := e.priority[b]
	switch {
	case okA && okB:
		return ra < rb
	case okA != okB:
		return okA
	default:
		return a < b
	}
}

// Aggregate 纯函数：票权 = weight * confidence，按标签累计后归一化
func (e *Engine) Aggregate(opinions []Opinion) Result {
	res := Result{Distribution: make(map[string]float64)}

	type vote struct {
		op     Opinion
		weight float64
	}
	votes := make([]vote, 0, len(opinions))
	total := 0.0
	for _, op := range opinions {
		w := unit(op.Weight) * unit(op.Confidence)
		if w <= 0 || op.Label == "" {
			continue
		}
		votes = append(votes, vote{op: op, weight: w})
		res.Distribution[op.Label] += w
		total += w
	}
	res.Votes = len(votes)
	if total <= 0 {
		return res
	}

	maxShare := 0.0
	for label := range res.Distribution {
		res.Distribution[label] /= total
		if res.Distribution[label] > maxShare {
			maxShare = res.Distribution[label]
		}
	}

	tied := make(map[string]bool)
	for label, share := range res.Distribution {
		if maxShare-share <= tieEpsilon {
			tied[label] = true
		}
	}

	if len(tied) == 1 {
		for label := range tied {
			res.Winning = label
		}
	} else {
		// 平票：取优先级最高的、投给平票标签之一的智能体所投的标签
		res.TieBroken = true
		candidates := make([]Opinion, 0, len(votes))
		for _, v := range votes {
			if tied[v.op.Label] {
				candidates = append(candidates, v.op)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return e.less(candidates[i].AgentID, candidates[j].AgentID)
		})
		res.Winning = candidates[0].Label
	}

	res.Strength = res.Distribution[res.Winning]
	res.Reached = res.Strength >= e.threshold-tieEpsilon

	var sum rl.Action
	weightSum := 0.0
	for _, v := range votes {
		if v.op.Label != res.Winning {
			continue
		}
		a := v.op.Action.Clamp()
		sum.SpreadAdjustment += a.SpreadAdjustment * v.weight
		sum.SizeMultiplier += a.SizeMultiplier * v.weight
		sum.AggressionLevel += a.AggressionLevel * v.weight
		sum.RiskAdjustment += a.RiskAdjustment * v.weight
		weightSum += v.weight
	}
	res.Action = rl.Action{
		SpreadAdjustment: sum.SpreadAdjustment / weightSum,
		SizeMultiplier:   sum.SizeMultiplier / weightSum,
		AggressionLevel:  sum.AggressionLevel / weightSum,
		RiskAdjustment:   sum.RiskAdjustment / weightSum,
	}.Clamp()
	return res
}

func unit(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// Decide 收集所有智能体的意见并投票。出错的智能体本轮弃权，错误合并返回；
// 未达成共识时返回的错误包含 ErrConsensusNotReached
func (e *Engine) Decide(ctx context.Context, agents []Agent, state market.MarketState) (Result, error) {
	opinions := make([]Opinion, 0, len(agents))
	var errs []error
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		op, err := a.ProposeOpinion(ctx, state)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", a.ID(), err))
			continue
		}
		op.AgentID = a.ID()
		op.Role = a.Role()
		op.Weight = a.Weight()
		opinions = append(opinions, op)
	}
	res := e.Aggregate(opinions)
	if !res.Reached {
		errs = append(errs, ErrConsensusNotReached)
	}
	return res, errors.Join(errs...)
}
