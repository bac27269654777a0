package consensus

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptive-market-maker/internal/rl"
	"adaptive-market-maker/internal/sentiment"
	"adaptive-market-maker/market"
)

func buy(id string, weight, conf float64) Opinion {
	a := rl.NeutralAction()
	a.RiskAdjustment = 0.3
	return Opinion{AgentID: id, Label: rl.LabelBuy, Action: a, Weight: weight, Confidence: conf}
}

func sell(id string, weight, conf float64) Opinion {
	a := rl.NeutralAction()
	a.RiskAdjustment = -0.3
	return Opinion{AgentID: id, Label: rl.LabelSell, Action: a, Weight: weight, Confidence: conf}
}

func TestUnanimousBuy(t *testing.T) {
	opinions := []Opinion{buy("A", 0.5, 0.8), buy("B", 0.3, 0.9), buy("C", 0.2, 0.5)}
	for _, th := range []float64{0.1, 0.5, 0.9, 1.0} {
		res := NewEngine(th, nil).Aggregate(opinions)
		assert.Equal(t, rl.LabelBuy, res.Winning)
		assert.InDelta(t, 1.0, res.Strength, 1e-12)
		assert.True(t, res.Reached, "threshold %v", th)
		assert.Equal(t, 3, res.Votes)
		assert.False(t, res.TieBroken)
	}
}

func TestDistributionSumsToOne(t *testing.T) {
	res := NewEngine(0.6, nil).Aggregate([]Opinion{
		buy("A", 0.5, 0.8),
		sell("B", 0.3, 0.9),
		{AgentID: "C", Label: rl.LabelHold, Weight: 0.2, Confidence: 0.5, Action: rl.NeutralAction()},
	})
	total := 0.0
	for _, share := range res.Distribution {
		total += share
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	// 0.40 / 0.77
	assert.Equal(t, rl.LabelBuy, res.Winning)
	assert.InDelta(t, 0.4/0.77, res.Strength, 1e-12)
	assert.False(t, res.Reached)
}

func TestNoVotes(t *testing.T) {
	e := NewEngine(0.5, nil)
	res := e.Aggregate(nil)
	assert.False(t, res.Reached)
	assert.Empty(t, res.Winning)
	assert.Empty(t, res.Distribution)

	// 零权重、NaN置信度都不计票
	res = e.Aggregate([]Opinion{buy("A", 0, 1), {AgentID: "B", Label: rl.LabelSell, Weight: 1, Confidence: nan()}})
	assert.Equal(t, 0, res.Votes)
	assert.False(t, res.Reached)
}

func TestTieBreakFollowsPriority(t *testing.T) {
	opinions := []Opinion{buy("alpha", 0.5, 0.5), sell("beta", 0.25, 1.0)}

	for i := 0; i < 50; i++ {
		res := NewEngine(0.5, []string{"beta", "alpha"}).Aggregate(opinions)
		require.True(t, res.TieBroken)
		assert.Equal(t, rl.LabelSell, res.Winning)
		assert.True(t, res.Reached)

		res = NewEngine(0.5, []string{"alpha", "beta"}).Aggregate(opinions)
		assert.Equal(t, rl.LabelBuy, res.Winning)
	}
}

func TestTieBreakUnlistedAgentsLexicographic(t *testing.T) {
	opinions := []Opinion{sell("zeta", 0.5, 0.5), buy("eta", 0.5, 0.5)}
	res := NewEngine(0.5, nil).Aggregate(opinions)
	assert.Equal(t, rl.LabelBuy, res.Winning)

	// 列表里的智能体排在未列出的之前
	res = NewEngine(0.5, []string{"zeta"}).Aggregate(opinions)
	assert.Equal(t, rl.LabelSell, res.Winning)
}

func TestWinningActionIsWeightedMean(t *testing.T) {
	a := buy("A", 1, 1)
	a.Action.SizeMultiplier = 2
	b := buy("B", 0.5, 0.5)
	b.Action.SizeMultiplier = 1
	res := NewEngine(0.5, nil).Aggregate([]Opinion{a, b, sell("C", 0.1, 0.1)})
	// 票权 1 与 0.25
	assert.InDelta(t, (2*1+1*0.25)/1.25, res.Action.SizeMultiplier, 1e-12)
	assert.InDelta(t, 0.3, res.Action.RiskAdjustment, 1e-12)
	assert.True(t, res.Action.Valid())
}

type stubAgent struct {
	id     string
	weight float64
	op     Opinion
	err    error
}

func (s stubAgent) ID() string      { return s.id }
func (s stubAgent) Role() Role      { return RolePolicy }
func (s stubAgent) Weight() float64 { return s.weight }
func (s stubAgent) ProposeOpinion(context.Context, market.MarketState) (Opinion, error) {
	return s.op, s.err
}

func TestDecideSkipsFailingAgents(t *testing.T) {
	e := NewEngine(0.6, nil)
	agents := []Agent{
		stubAgent{id: "a", weight: 0.5, op: Opinion{Label: rl.LabelBuy, Confidence: 1, Action: rl.NeutralAction()}},
		stubAgent{id: "b", weight: 0.5, err: errors.New("timeout")},
	}
	res, err := e.Decide(context.Background(), agents, market.MarketState{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConsensusNotReached)
	assert.True(t, res.Reached)
	assert.Equal(t, rl.LabelBuy, res.Winning)

	agents[1] = stubAgent{id: "b", weight: 0.5, op: Opinion{Label: rl.LabelSell, Confidence: 1, Action: rl.NeutralAction()}}
	res, err = e.Decide(context.Background(), agents, market.MarketState{})
	assert.ErrorIs(t, err, ErrConsensusNotReached)
	assert.False(t, res.Reached)
}

func TestParseRole(t *testing.T) {
	for _, r := range []Role{RolePolicy, RoleSentiment, RoleRisk} {
		got, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRole("oracle")
	assert.Error(t, err)
}

func TestRiskAgent(t *testing.T) {
	a := NewRiskAgent("risk", 0.4)
	ctx := context.Background()

	op, err := a.ProposeOpinion(ctx, market.MarketState{Inventory: 0.8})
	require.NoError(t, err)
	assert.Equal(t, rl.LabelSell, op.Label)
	assert.InDelta(t, 0.8, op.Confidence, 1e-12)
	assert.Less(t, op.Action.RiskAdjustment, 0.0)

	op, _ = a.ProposeOpinion(ctx, market.MarketState{Inventory: -0.9})
	assert.Equal(t, rl.LabelBuy, op.Label)

	op, _ = a.ProposeOpinion(ctx, market.MarketState{Inventory: 0.2, Volatility: 0.05})
	assert.Equal(t, rl.LabelHold, op.Label)
	assert.Equal(t, rl.LabelHold, op.Action.Label())
	assert.Greater(t, op.Action.SpreadAdjustment, 0.0)
}

type fixedAnalyzer sentiment.Result

func (f fixedAnalyzer) AnalyzeSentiment(context.Context, sentiment.Snapshot) sentiment.Result {
	return sentiment.Result(f)
}

func TestSentimentAgent(t *testing.T) {
	a := NewSentimentAgent("llm", 0.3, fixedAnalyzer{Score: 0.6, Confidence: 0.7, Action: sentiment.ActionBuy})
	op, err := a.ProposeOpinion(context.Background(), market.MarketState{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, rl.LabelBuy, op.Label)
	assert.Equal(t, 0.7, op.Confidence)
	assert.InDelta(t, 0.3, op.Action.RiskAdjustment, 1e-12)
}

func TestPolicyAgent(t *testing.T) {
	p, err := rl.NewPolicy(rl.Config{
		StateSize: market.StateSize, LearningRate: 0.01, Discount: 0.95,
		EpsilonStart: 1, EpsilonMin: 0.01, EpsilonDecay: 0.99,
		BufferCapacity: 10, BatchSize: 2, UpdateFrequency: 1, TargetSyncInterval: 10,
		GradientMode: rl.GradientScalar, Seed: 3,
	})
	require.NoError(t, err)
	a := NewPolicyAgent("p1", 0.5, p)
	op, err := a.ProposeOpinion(context.Background(), market.MarketState{Price: 100})
	require.NoError(t, err)
	assert.Equal(t, 0.1, op.Confidence)
	assert.Equal(t, op.Action.Label(), op.Label)
	assert.True(t, op.Action.Valid())
}

func nan() float64 { return math.NaN() }
