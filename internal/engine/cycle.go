package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"adaptive-market-maker/gateway"
	"adaptive-market-maker/internal/consensus"
	"adaptive-market-maker/internal/rl"
	"adaptive-market-maker/internal/strategy"
	"adaptive-market-maker/market"
	"adaptive-market-maker/order"
)

// 周期降级原因
const (
	kindMarketData = "market_data"
	kindSettle     = "settle"
	kindQuote      = "quote"
	kindCancelled  = "cancelled"
)

// cycleResult 一个交易对周期的结果，用于日志
type cycleResult struct {
	kind      string
	mid       float64
	action    rl.Action
	explored  bool
	consensus *consensus.Result
	settle    order.SettleReport
	place     order.PlaceReport
	reward    float64
	learned   bool
	skipped   string
}

func (r cycleResult) fields() map[string]interface{} {
	f := map[string]interface{}{
		"mid":        r.mid,
		"spread_adj": r.action.SpreadAdjustment,
		"size_mult":  r.action.SizeMultiplier,
		"aggression": r.action.AggressionLevel,
		"risk_adj":   r.action.RiskAdjustment,
		"explored":   r.explored,
		"cancelled":  r.settle.Cancelled,
		"fills":      len(r.settle.Fills),
		"placed":     r.place.Placed,
		"rejected":   r.place.Rejected + r.settle.Rejected,
		"skipped":    r.place.Skipped,
	}
	if r.learned {
		f["reward"] = r.reward
	}
	if r.consensus != nil {
		f["consensus"] = r.consensus.Winning
		f["strength"] = r.consensus.Strength
	}
	if r.skipped != "" {
		f["no_quotes"] = r.skipped
	}
	return f
}

// cycle 单个交易对的一次处理：取行情、决策、先撤后下、记账、学习。
// 返回错误表示本周期降级
func (s *session) cycle(ctx context.Context, rt *symbolRuntime) (cycleResult, error) {
	var res cycleResult
	rt.cycles++
	if err := ctx.Err(); err != nil {
		res.kind = kindCancelled
		return res, err
	}
	alloc := s.allocated()

	snap, err := s.extractor.Extract(ctx, rt.symbol, rt.inv.Ratio(rt.lastMid, alloc), s.now())
	if err != nil {
		// 行情不可用时不动订单，上一笔经验作废
		var invalid *market.InvalidMarketDataError
		if errors.As(err, &invalid) {
			res.kind = kindMarketData
		}
		rt.hasPrev = false
		return res, err
	}
	state := snap.State
	vec := state.Vector()
	rt.lastMid, rt.lastVol = state.Price, state.Volatility
	res.mid = state.Price
	s.deps.Monitor.UpdateMarket(rt.symbol, state.Price, state.Volatility)

	action, reached := s.decide(ctx, rt, state, vec, &res)
	res.action = action

	report, settleErr := s.orders.Settle(ctx, rt.symbol)
	res.settle = report
	s.applyFills(rt, report.Fills)
	rt.openOrders = report.Failed
	// 余额必须在撤单结算之后读取，否则刚推断出的成交会被旧余额覆盖。
	// 仍有挂单时余额随时可能变化，本周期不校正
	if report.Failed == 0 && settleErr == nil {
		s.resync(rt, s.fetchBalances(ctx), state.Price)
	}

	// 上一周期动作的结果现在可见
	value := s.positionValue(rt)
	if rt.hasPrev {
		res.reward = s.reward(rt, value)
		res.learned = true
		s.remember(rt, rl.Experience{
			State:     rt.prevState,
			Action:    rt.prevAction,
			Reward:    res.reward,
			NextState: vec,
		})
	}
	rt.hasPrev = false

	if settleErr != nil {
		res.kind = kindSettle
		return res, settleErr
	}
	if !reached {
		res.skipped = "consensus_not_reached"
		return res, nil
	}

	quotes, err := rt.quotes.GenerateQuotes(strategy.Context{
		Symbol:         rt.symbol,
		Mid:            state.Price,
		Volatility:     state.Volatility,
		InventoryRatio: rt.inv.Ratio(state.Price, alloc),
		Capital:        alloc,
		Action:         action,
	})
	if err != nil {
		res.kind = kindQuote
		return res, err
	}
	res.place = s.orders.PlaceQuotes(ctx, rt.symbol, quotes)
	rt.openOrders += res.place.Placed

	rt.prevState, rt.prevAction, rt.prevValue, rt.hasPrev = vec, action, value, true
	return res, nil
}

// decide 单策略模式直接取策略动作；多智能体模式投票，未达成共识时返回false
func (s *session) decide(ctx context.Context, rt *symbolRuntime, state market.MarketState, vec []float64, res *cycleResult) (rl.Action, bool) {
	if rt.policy != nil {
		d := rt.policy.SelectAction(vec)
		res.explored = d.Explored
		if d.Explored {
			s.deps.Monitor.RecordExploration(rt.symbol)
		}
		return d.Action, true
	}

	result, err := s.consensus.Decide(ctx, rt.agents, state)
	rt.lastResult = &result
	res.consensus = &result

	outcome := "reached"
	if !result.Reached {
		outcome = "not_reached"
	}
	s.deps.Monitor.RecordConsensus(rt.symbol, outcome, result.Strength)
	s.log.LogConsensus(outcome, map[string]interface{}{
		"symbol":       rt.symbol,
		"winning":      result.Winning,
		"strength":     result.Strength,
		"threshold":    s.consensus.Threshold(),
		"votes":        result.Votes,
		"tie_broken":   result.TieBroken,
		"distribution": result.Distribution,
	})
	if err != nil && !isOnlyNotReached(err) {
		s.log.Warn("agent abstained", zap.String("symbol", rt.symbol), zap.Error(err))
	}
	if !result.Reached {
		return rl.NeutralAction(), false
	}
	return result.Action, true
}

func isOnlyNotReached(err error) bool {
	if !errors.Is(err, consensus.ErrConsensusNotReached) {
		return false
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap()) == 1
	}
	return true
}

// resync 交易所余额与本地持仓偏差过大时以余额为准
func (s *session) resync(rt *symbolRuntime, balances map[string]gateway.Balance, mid float64) {
	if rt.sync == nil || balances == nil {
		return
	}
	b, ok := balances[s.cfg.Symbols[rt.symbol].BaseAsset]
	if !ok {
		return
	}
	before := rt.inv.NetExposure()
	if rt.sync.Apply(b.Total(), mid) {
		s.log.Warn("inventory resynced from balance",
			zap.String("symbol", rt.symbol),
			zap.Float64("local", before),
			zap.Float64("exchange", rt.inv.NetExposure()))
		s.deps.Monitor.UpdateInventory(rt.symbol, rt.inv.NetExposure())
	}
}

func (rt *symbolRuntime) status(now time.Time) SymbolStatus {
	steps, buffered := rt.learnStats()
	st := SymbolStatus{
		Symbol:      rt.symbol,
		Cycles:      rt.cycles,
		Degraded:    rt.degraded,
		LastError:   rt.lastErr,
		Mid:         rt.lastMid,
		Volatility:  rt.lastVol,
		Inventory:   rt.inv.NetExposure(),
		AvgCost:     rt.inv.AvgCost(),
		RealizedPnL: rt.inv.Realized(),
		Epsilon:     rt.epsilon(),
		LearnSteps:  steps,
		BufferLen:   buffered,
		LastAction:  rt.prevAction,
		LastReward:  rt.lastReward,
		OpenOrders:  rt.openOrders,
		UpdatedAt:   now,
	}
	if rt.lastResult != nil {
		st.Consensus = rt.lastResult.Winning
		st.ConsensusRate = rt.lastResult.Strength
	}
	return st
}
