package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"adaptive-market-maker/config"
	"adaptive-market-maker/gateway"
	"adaptive-market-maker/infrastructure/logger"
	"adaptive-market-maker/internal/consensus"
	"adaptive-market-maker/internal/risk"
	"adaptive-market-maker/internal/rl"
	"adaptive-market-maker/internal/sentiment"
	"adaptive-market-maker/internal/store"
	"adaptive-market-maker/internal/strategy"
	"adaptive-market-maker/inventory"
	"adaptive-market-maker/market"
	"adaptive-market-maker/order"
)

// session 一次 Start 到 Stop 之间的全部可变状态，只由工作协程访问（risk 自带锁）
type session struct {
	cfg  config.AppConfig
	deps Deps
	log  *logger.Logger

	extractor *market.Extractor
	orders    *order.Manager
	consensus *consensus.Engine
	analyzer  consensus.Analyzer
	risk      *risk.Tracker

	runtimes map[string]*symbolRuntime
	created  int
	retired  []string // 强制重配置时移除、还没撤单的交易对

	// 会话开始时的基础资产余额，用于库存校正
	baselines map[string]float64

	now func() time.Time
}

// symbolRuntime 单个交易对的策略和持仓，首次使用时创建
type symbolRuntime struct {
	symbol string

	policy   *rl.Policy   // 单策略模式
	agents   []consensus.Agent
	learners []*consensus.PolicyAgent // 多智能体模式下参与学习的策略

	quotes *strategy.QuoteGenerator
	inv    *inventory.Tracker
	sync   *inventory.Sync

	prevState  []float64
	prevAction rl.Action
	prevValue  float64
	hasPrev    bool

	lastMid    float64
	lastVol    float64
	lastReward float64
	lastResult *consensus.Result
	openOrders int
	cycles     int64
	degraded   int
	lastErr    string
}

func newSession(ctx context.Context, cfg config.AppConfig, deps Deps, log *logger.Logger) (*session, error) {
	limiter := deps.Limiter
	if limiter == nil {
		limiter = gateway.NewTokenBucketLimiter(cfg.Session.OrderRate, cfg.Session.OrderBurst)
	}
	src := order.ConstraintSource{Configured: configuredConstraints(cfg)}
	if fp, ok := deps.Exchange.(gateway.FilterProvider); ok {
		src.Provider = fp
	}

	s := &session{
		cfg:  cfg,
		deps: deps,
		log:  log,
		extractor: market.NewExtractor(deps.Exchange, market.ExtractorConfig{
			KlineInterval: cfg.Session.KlineInterval,
			KlineLimit:    cfg.Session.KlineLimit,
		}, log.Logger),
		orders: order.NewManager(deps.Exchange, order.ManagerConfig{
			SettleDelay: cfg.Session.SettleDelay,
			Retry: gateway.RetryPolicy{
				MaxRetries: cfg.Gateway.MaxRetries,
				Backoff:    cfg.Gateway.RetryBackoff,
				MaxBackoff: 10 * cfg.Gateway.RetryBackoff,
			},
			Limiter:     limiter,
			Constraints: src,
		}, log, deps.Monitor),
		consensus: consensus.NewEngine(cfg.Consensus.Threshold, cfg.Consensus.Priority),
		analyzer:  deps.Sentiment,
		risk: risk.NewTracker(risk.Config{
			InitialBalance:   cfg.Session.Capital,
			PeriodsPerYear:   cfg.PeriodsPerYear(),
			MaxDrawdownAlert: cfg.Risk.MaxDrawdownAlert,
		}),
		runtimes:  make(map[string]*symbolRuntime),
		baselines: make(map[string]float64),
		now:       time.Now,
	}
	if s.analyzer == nil {
		s.analyzer = sentiment.NewClient(sentiment.Config{}, log.Logger)
	}

	// 库存校正的基线，失败时不做校正
	if bal := s.fetchBalances(ctx); bal != nil {
		for _, sym := range cfg.Session.Symbols {
			if base := cfg.Symbols[sym].BaseAsset; base != "" {
				s.baselines[sym] = bal[base].Total()
			}
		}
	}
	return s, nil
}

func configuredConstraints(cfg config.AppConfig) map[string]order.SymbolConstraints {
	out := make(map[string]order.SymbolConstraints, len(cfg.Symbols))
	for sym, sc := range cfg.Symbols {
		out[sym] = order.SymbolConstraints{
			TickSize:    sc.TickSize,
			StepSize:    sc.StepSize,
			MinQty:      sc.MinQty,
			MinNotional: sc.MinNotional,
		}
	}
	return out
}

func (s *session) allocated() float64 {
	n := len(s.cfg.Session.Symbols)
	if n == 0 {
		return 0
	}
	return s.cfg.Session.Capital / float64(n)
}

func (s *session) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := s.cfg.Session.CallTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// fetchBalances 查询账户余额，失败返回nil
func (s *session) fetchBalances(ctx context.Context) map[string]gateway.Balance {
	cctx, cancel := s.withCallTimeout(ctx)
	defer cancel()
	bal, err := s.deps.Exchange.GetAccountBalance(cctx)
	if err != nil {
		s.log.Warn("account balance unavailable", zap.Error(err))
		return nil
	}
	return bal
}

func (s *session) policyConfig(seed uint64) rl.Config {
	r := s.cfg.RL
	return rl.Config{
		StateSize:          market.StateSize,
		LearningRate:       r.LearningRate,
		Discount:           r.Discount,
		EpsilonStart:       r.EpsilonStart,
		EpsilonMin:         r.EpsilonMin,
		EpsilonDecay:       r.EpsilonDecay,
		BufferCapacity:     r.BufferCapacity,
		BatchSize:          r.BatchSize,
		UpdateFrequency:    r.UpdateFrequency,
		TargetSyncInterval: r.TargetSyncInterval,
		GradientMode:       rl.GradientMode(r.GradientMode),
		TDClip:             r.TDClip,
		Seed:               seed,
	}
}

func (s *session) quoteConfig() strategy.Config {
	q := s.cfg.Quote
	return strategy.Config{
		Spread: strategy.SpreadModelConfig{
			BaseSpreadPct: q.BaseSpreadPct,
			Dynamic:       q.DynamicSpread,
			VolMultiplier: q.VolFactor,
			MinSpreadPct:  q.MinSpreadPct,
			MaxSpreadPct:  q.MaxSpreadPct,
		},
		Levels:          q.Levels,
		InventorySkew:   q.InventorySkew,
		SkewStrength:    q.SkewStrength,
		TargetInventory: q.TargetInventory,
		TakerAggression: q.TakerAggression,
	}
}

// runtime 返回交易对的运行时，第一次使用时创建并从检查点恢复
func (s *session) runtime(ctx context.Context, symbol string) (*symbolRuntime, error) {
	if rt, ok := s.runtimes[symbol]; ok {
		return rt, nil
	}
	seed := s.cfg.RL.Seed + uint64(s.created)*1000
	rt := &symbolRuntime{
		symbol: symbol,
		quotes: strategy.NewQuoteGenerator(s.quoteConfig()),
		inv:    &inventory.Tracker{},
	}

	if s.cfg.Session.MultiAgent {
		if err := s.buildAgents(rt, seed); err != nil {
			return nil, err
		}
	} else {
		p, err := rl.NewPolicy(s.policyConfig(seed))
		if err != nil {
			return nil, fmt.Errorf("create policy for %s: %w", symbol, err)
		}
		rt.policy = p
	}

	s.restore(rt)

	if base, ok := s.baselines[symbol]; ok {
		tol := s.orders.Constraints(ctx, symbol).StepSize
		// 恢复的持仓已经反映在余额里
		rt.sync = &inventory.Sync{Tracker: rt.inv, Baseline: base - rt.inv.NetExposure(), Tolerance: tol}
	}

	s.runtimes[symbol] = rt
	s.created++
	s.log.Info("symbol runtime created",
		zap.String("symbol", symbol),
		zap.Bool("multi_agent", s.cfg.Session.MultiAgent),
		zap.Int("agents", len(rt.agents)),
		zap.Float64("net", rt.inv.NetExposure()))
	return rt, nil
}

func (s *session) buildAgents(rt *symbolRuntime, seed uint64) error {
	for i, ac := range s.cfg.Consensus.Agents {
		role, err := consensus.ParseRole(ac.Role)
		if err != nil {
			return &config.ConfigurationError{Field: "consensus.agents", Reason: err.Error()}
		}
		switch role {
		case consensus.RolePolicy:
			p, err := rl.NewPolicy(s.policyConfig(seed + uint64(i) + 1))
			if err != nil {
				return fmt.Errorf("create policy for agent %s: %w", ac.ID, err)
			}
			pa := consensus.NewPolicyAgent(ac.ID, ac.Weight, p)
			rt.agents = append(rt.agents, pa)
			rt.learners = append(rt.learners, pa)
		case consensus.RoleSentiment:
			rt.agents = append(rt.agents, consensus.NewSentimentAgent(ac.ID, ac.Weight, s.analyzer))
		case consensus.RoleRisk:
			rt.agents = append(rt.agents, consensus.NewRiskAgent(ac.ID, ac.Weight))
		}
	}
	return nil
}

// restore 检查点与当前配置不兼容时丢弃，从零开始学习
func (s *session) restore(rt *symbolRuntime) {
	if s.deps.Checkpoints == nil {
		return
	}
	cp, ok, err := s.deps.Checkpoints.Load(rt.symbol)
	if err != nil {
		s.log.Warn("checkpoint unavailable", zap.String("symbol", rt.symbol), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if rt.policy != nil && cp.Policy != nil {
		if err := rt.policy.Restore(*cp.Policy); err != nil {
			s.log.Warn("policy checkpoint rejected", zap.String("symbol", rt.symbol), zap.Error(err))
		}
	}
	for _, pa := range rt.learners {
		snap, ok := cp.Agents[pa.ID()]
		if !ok {
			continue
		}
		if err := pa.Policy().Restore(snap); err != nil {
			s.log.Warn("agent checkpoint rejected", zap.String("symbol", rt.symbol), zap.String("agent", pa.ID()), zap.Error(err))
		}
	}
	if cp.Net != 0 {
		rt.inv.Reset(cp.Net, cp.AvgCost)
	}
}

func (s *session) saveCheckpoints() error {
	if s.deps.Checkpoints == nil {
		return nil
	}
	var errs []error
	for _, sym := range s.sweepSymbols() {
		rt, ok := s.runtimes[sym]
		if !ok {
			continue
		}
		cp := store.Checkpoint{Symbol: sym, Net: rt.inv.NetExposure(), AvgCost: rt.inv.AvgCost()}
		if rt.policy != nil {
			snap := rt.policy.Snapshot()
			cp.Policy = &snap
		}
		if len(rt.learners) > 0 {
			cp.Agents = make(map[string]rl.Snapshot, len(rt.learners))
			for _, pa := range rt.learners {
				cp.Agents[pa.ID()] = pa.Policy().Snapshot()
			}
		}
		if err := s.deps.Checkpoints.Save(cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sweepSymbols 停止时需要撤单的交易对：当前配置加上被移除但还没撤单的
func (s *session) sweepSymbols() []string {
	out := append([]string(nil), s.cfg.Session.Symbols...)
	for _, sym := range s.retired {
		if !contains(out, sym) {
			out = append(out, sym)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// reconfigure 在两轮迭代之间应用强制配置。已学习的策略保留，报价器和共识重建
func (s *session) reconfigure(ctx context.Context, cfg config.AppConfig) {
	old := s.cfg
	s.cfg = cfg
	s.consensus = consensus.NewEngine(cfg.Consensus.Threshold, cfg.Consensus.Priority)

	for sym, rt := range s.runtimes {
		if !contains(cfg.Session.Symbols, sym) {
			s.retired = append(s.retired, sym)
			s.retireSymbol(ctx, sym, rt)
			continue
		}
		rt.quotes = strategy.NewQuoteGenerator(s.quoteConfig())
	}

	// 模式切换时策略结构不同，需要重新创建
	if old.Session.MultiAgent != cfg.Session.MultiAgent || !sameAgents(old.Consensus.Agents, cfg.Consensus.Agents) {
		for sym := range s.runtimes {
			if contains(cfg.Session.Symbols, sym) {
				s.dropRuntime(sym)
			}
		}
	}
	s.log.Info("forced configuration applied",
		zap.Strings("symbols", cfg.Session.Symbols),
		zap.Bool("multi_agent", cfg.Session.MultiAgent),
		zap.Duration("cycle_interval", cfg.Session.CycleInterval))
}

// dropRuntime 丢弃运行时但保留持仓，下次使用时重建策略
func (s *session) dropRuntime(sym string) {
	rt := s.runtimes[sym]
	delete(s.runtimes, sym)
	if rt == nil || s.deps.Checkpoints == nil {
		return
	}
	_ = s.deps.Checkpoints.Save(store.Checkpoint{Symbol: sym, Net: rt.inv.NetExposure(), AvgCost: rt.inv.AvgCost()})
}

func (s *session) retireSymbol(ctx context.Context, sym string, rt *symbolRuntime) {
	if err := s.finalSweep(ctx, sym, rt); err != nil {
		s.log.Warn("cancel sweep for removed symbol failed", zap.String("symbol", sym), zap.Error(err))
		return
	}
	s.retired = removeString(s.retired, sym)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func sameAgents(a, b []config.AgentConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !strings.EqualFold(a[i].Role, b[i].Role) {
			return false
		}
	}
	return true
}

// finalSweep 撤销全部挂单、记入扫尾期间发生的成交、写入终止经验
func (s *session) finalSweep(ctx context.Context, sym string, rt *symbolRuntime) error {
	report, err := s.orders.CancelAll(ctx, sym)
	if rt == nil {
		return err
	}
	s.applyFills(rt, report.Fills)
	rt.openOrders = 0

	if rt.hasPrev {
		value := s.positionValue(rt)
		reward := s.reward(rt, value)
		s.remember(rt, rl.Experience{
			State:     rt.prevState,
			Action:    rt.prevAction,
			Reward:    reward,
			NextState: rt.prevState,
			Terminal:  true,
		})
		rt.hasPrev = false
	}
	return err
}

// positionValue 已实现加未实现盈亏，按最近的mid估值
func (s *session) positionValue(rt *symbolRuntime) float64 {
	_, unrealized := rt.inv.Valuation(rt.lastMid)
	return rt.inv.Realized() + unrealized
}

func (s *session) reward(rt *symbolRuntime, value float64) float64 {
	ratio := rt.inv.Ratio(rt.lastMid, s.allocated())
	r := rl.Reward(value-rt.prevValue, s.allocated(), s.risk.Drawdown(), ratio, rl.RewardConfig{
		DrawdownPenalty:  s.cfg.RL.DrawdownPenalty,
		InventoryPenalty: s.cfg.RL.InventoryPenalty,
	})
	rt.lastReward = r
	return r
}

// remember 单策略模式写入自己的缓冲区；多智能体模式下每个策略智能体都学习执行的动作
func (s *session) remember(rt *symbolRuntime, e rl.Experience) {
	learners := make([]*rl.Policy, 0, 1+len(rt.learners))
	if rt.policy != nil {
		learners = append(learners, rt.policy)
	}
	for _, pa := range rt.learners {
		learners = append(learners, pa.Policy())
	}
	for _, p := range learners {
		res := p.Remember(e)
		if res.Learned {
			s.deps.Monitor.RecordLearnStep(rt.symbol, res.MeanTDError)
		}
		s.deps.Monitor.UpdateEpsilon(rt.symbol, res.Epsilon)
		s.deps.Monitor.UpdateBufferSize(rt.symbol, p.BufferLen())
	}
	s.deps.Monitor.UpdateReward(rt.symbol, e.Reward)
}

// applyFills 更新持仓，平仓成交记入风险账本
func (s *session) applyFills(rt *symbolRuntime, fills []order.Fill) {
	for _, f := range fills {
		fee := f.Quantity * f.Price * s.cfg.Risk.FeeRate
		rz := rt.inv.ApplyFill(f.Side, f.Quantity, f.Price, fee)
		if rz.ClosedQty > 0 {
			s.risk.RecordTrade(risk.Trade{
				Symbol: f.Symbol,
				Side:   f.Side,
				Qty:    rz.ClosedQty,
				Price:  f.Price,
				PnL:    rz.PnL,
				Fee:    rz.Fee,
				Time:   s.now(),
			})
			s.log.LogTrade(f.Symbol, string(f.Side), rz.ClosedQty, f.Price, rz.PnL)
		}
		s.log.Debug("fill applied",
			zap.String("symbol", f.Symbol),
			zap.String("client_id", f.ClientID),
			zap.Float64("qty", f.Quantity),
			zap.Float64("price", f.Price),
			zap.Float64("realized", rz.PnL))
	}
	s.deps.Monitor.UpdateInventory(rt.symbol, rt.inv.NetExposure())
}

// observeEquity 权益 = 资金 + 各交易对已实现和未实现盈亏
func (s *session) observeEquity() {
	equity := s.cfg.Session.Capital
	for _, rt := range s.runtimes {
		v := s.positionValue(rt)
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			equity += v
		}
	}
	s.risk.ObserveBalance(equity)
}

func (rt *symbolRuntime) epsilon() float64 {
	if rt.policy != nil {
		return rt.policy.Epsilon()
	}
	if len(rt.learners) > 0 {
		return rt.learners[0].Policy().Epsilon()
	}
	return 0
}

func (rt *symbolRuntime) learnStats() (steps, buffered int) {
	if rt.policy != nil {
		return rt.policy.LearnSteps(), rt.policy.BufferLen()
	}
	for _, pa := range rt.learners {
		steps += pa.Policy().LearnSteps()
		buffered += pa.Policy().BufferLen()
	}
	return steps, buffered
}
