package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"adaptive-market-maker/config"
	"adaptive-market-maker/gateway"
	"adaptive-market-maker/infrastructure/alert"
	"adaptive-market-maker/infrastructure/logger"
	"adaptive-market-maker/infrastructure/monitor"
	"adaptive-market-maker/internal/consensus"
	"adaptive-market-maker/internal/risk"
	"adaptive-market-maker/internal/rl"
	"adaptive-market-maker/internal/store"
)

// State 会话状态
type State int32

const (
	// StateStopped 没有会话在运行
	StateStopped State = iota
	// StateStarting 正在初始化会话
	StateStarting
	// StateRunning 工作协程在循环
	StateRunning
	// StateStopping 已收到停止请求，等待当前周期和收尾完成
	StateStopping
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyRunning 会话已在运行时再次 Start
var ErrAlreadyRunning = errors.New("trading session already running")

// 停止时撤单扫尾的总超时
const shutdownTimeout = 30 * time.Second

// Deps 控制器依赖，Exchange 必填，其余可为nil
type Deps struct {
	Exchange    gateway.Exchange
	Logger      *logger.Logger
	Monitor     *monitor.Monitor
	Alerts      *alert.Manager
	Sentiment   consensus.Analyzer
	Checkpoints *store.Store
	Limiter     gateway.RateLimiter // 下单/撤单节流，nil时按配置创建
}

// SymbolStatus 单个交易对的最新状态
type SymbolStatus struct {
	Symbol        string    `json:"symbol"`
	Cycles        int64     `json:"cycles"`
	Degraded      int       `json:"consecutive_degraded"`
	LastError     string    `json:"last_error,omitempty"`
	Mid           float64   `json:"mid"`
	Volatility    float64   `json:"volatility"`
	Inventory     float64   `json:"inventory"`
	AvgCost       float64   `json:"avg_cost"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Epsilon       float64   `json:"epsilon"`
	LearnSteps    int       `json:"learn_steps"`
	BufferLen     int       `json:"buffer_len"`
	LastAction    rl.Action `json:"last_action"`
	LastReward    float64   `json:"last_reward"`
	OpenOrders    int       `json:"open_orders"`
	Consensus     string    `json:"consensus,omitempty"`
	ConsensusRate float64   `json:"consensus_strength,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Status 对外暴露的会话状态
type Status struct {
	State         string         `json:"state"`
	Running       bool           `json:"running"`
	StopRequested bool           `json:"stop_requested"`
	Iterations    int64          `json:"iterations"`
	StartTime     time.Time      `json:"start_time,omitempty"`
	Uptime        string         `json:"uptime,omitempty"`
	MultiAgent    bool           `json:"multi_agent"`
	PendingConfig bool           `json:"pending_config"`
	Symbols       []SymbolStatus `json:"symbols"`
	Risk          risk.Snapshot  `json:"risk"`
}

// Controller 交易控制器：每个会话一个工作协程，顺序执行周期。
// 只有停止标志会被工作协程以外的调用方写入
type Controller struct {
	deps Deps
	log  *logger.Logger

	mu       sync.RWMutex
	cfg      config.AppConfig
	pending  *config.AppConfig // 运行中收到、下次会话生效的配置
	forced   *config.AppConfig // 运行中强制生效，由工作协程在下一轮开始时应用
	state    atomic.Int32
	sess     *session
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce *sync.Once
	stopErr  error

	stopRequested atomic.Bool
	iterations    atomic.Int64
	startTime     time.Time
	symbols       map[string]SymbolStatus

	now func() time.Time
}

// New 创建控制器，配置在 Start 时校验
func New(cfg config.AppConfig, deps Deps) (*Controller, error) {
	if deps.Exchange == nil {
		return nil, errors.New("exchange is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	c := &Controller{
		deps:    deps,
		log:     deps.Logger.Named("controller"),
		cfg:     cfg,
		symbols: make(map[string]SymbolStatus),
		now:     time.Now,
	}
	c.setState(StateStopped)
	return c, nil
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.deps.Monitor.UpdateSessionState(int(s))
}

// State 当前会话状态
func (c *Controller) State() State { return State(c.state.Load()) }

// Start 校验配置并启动工作协程，立即返回。
// 配置非法时返回 *config.ConfigurationError，会话不会开始
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != StateStopped {
		return fmt.Errorf("%w (state: %s)", ErrAlreadyRunning, st)
	}
	if c.pending != nil {
		c.cfg = *c.pending
		c.pending = nil
	}
	if err := config.Validate(c.cfg); err != nil {
		return err
	}

	c.setState(StateStarting)
	sess, err := newSession(ctx, c.cfg, c.deps, c.log)
	if err != nil {
		c.setState(StateStopped)
		return err
	}

	c.sess = sess
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.stopOnce = &sync.Once{}
	c.stopErr = nil
	c.stopRequested.Store(false)
	c.iterations.Store(0)
	c.startTime = c.now()
	c.symbols = make(map[string]SymbolStatus)

	c.log.Info("trading session starting",
		zap.Strings("symbols", c.cfg.Session.Symbols),
		zap.Float64("capital", c.cfg.Session.Capital),
		zap.Duration("cycle_interval", c.cfg.Session.CycleInterval),
		zap.Bool("multi_agent", c.cfg.Session.MultiAgent))

	c.setState(StateRunning)
	go c.run(ctx, sess, c.stopCh, c.done)
	return nil
}

// Stop 请求停止并等待收尾完成（最终撤单、检查点）。没有会话时直接返回
func (c *Controller) Stop() error {
	c.mu.Lock()
	st := c.State()
	if st == StateStopped || c.done == nil {
		c.mu.Unlock()
		return nil
	}
	c.requestStopLocked()
	done := c.done
	c.mu.Unlock()

	<-done

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopErr
}

func (c *Controller) requestStopLocked() {
	c.stopRequested.Store(true)
	c.stopOnce.Do(func() {
		if c.State() == StateRunning {
			c.setState(StateStopping)
		}
		close(c.stopCh)
		c.log.Info("stop requested")
	})
}

// Wait 阻塞到当前会话结束，没有会话时立即返回
func (c *Controller) Wait() error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopErr
}

// Done 会话结束时关闭
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Configure 停止状态下直接生效；运行中默认推迟到下个会话，force 时在下一轮迭代开始前生效。
// 返回是否已经（或将在下一轮）应用到当前会话
func (c *Controller) Configure(cfg config.AppConfig, force bool) (bool, error) {
	if err := config.Validate(cfg); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.State() == StateStopped:
		c.cfg = cfg
		c.pending = nil
		c.log.Info("configuration applied")
		return true, nil
	case force:
		c.forced = &cfg
		c.log.Warn("configuration forced into running session")
		return true, nil
	default:
		c.pending = &cfg
		c.log.Info("configuration deferred until next session")
		return false, nil
	}
}

// Config 当前会话使用的配置
func (c *Controller) Config() config.AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Status 返回会话状态快照，可以在任意协程调用
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := c.State()
	out := Status{
		State:         st.String(),
		Running:       st == StateRunning || st == StateStopping,
		StopRequested: c.stopRequested.Load(),
		Iterations:    c.iterations.Load(),
		MultiAgent:    c.cfg.Session.MultiAgent,
		PendingConfig: c.pending != nil,
	}
	if !c.startTime.IsZero() {
		out.StartTime = c.startTime
		if out.Running {
			out.Uptime = c.now().Sub(c.startTime).Round(time.Second).String()
		}
	}
	for _, sym := range c.cfg.Session.Symbols {
		if s, ok := c.symbols[sym]; ok {
			out.Symbols = append(out.Symbols, s)
		}
	}
	if c.sess != nil {
		out.Risk = c.sess.risk.Snapshot()
	}
	return out
}

func (c *Controller) publish(s SymbolStatus) {
	c.mu.Lock()
	c.symbols[s.Symbol] = s
	c.mu.Unlock()
}

func (c *Controller) takeForced() *config.AppConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.forced
	c.forced = nil
	if f != nil {
		c.cfg = *f
	}
	return f
}

// run 工作协程：顺序执行迭代，迭代之间按 StopPollInterval 粒度检查停止信号
func (c *Controller) run(ctx context.Context, sess *session, stopCh <-chan struct{}, done chan struct{}) {
	defer close(done)

	for !c.stopRequested.Load() && ctx.Err() == nil {
		if f := c.takeForced(); f != nil {
			sess.reconfigure(ctx, *f)
		}

		c.iteration(ctx, sess)

		if !c.pause(ctx, stopCh, sess.cfg.Session.CycleInterval, sess.cfg.Session.StopPollInterval) {
			break
		}
	}

	c.mu.Lock()
	if c.State() == StateRunning {
		c.setState(StateStopping)
	}
	c.mu.Unlock()

	err := c.shutdown(ctx, sess)

	c.mu.Lock()
	c.stopErr = err
	c.setState(StateStopped)
	c.mu.Unlock()
	c.log.Info("trading session stopped", zap.Int64("iterations", c.iterations.Load()), zap.Error(err))
}

// pause 休眠一个周期间隔，返回false表示应当停止
func (c *Controller) pause(ctx context.Context, stopCh <-chan struct{}, interval, poll time.Duration) bool {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := c.now().Add(interval)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for c.now().Before(deadline) {
		if c.stopRequested.Load() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-stopCh:
			return false
		case <-ticker.C:
		}
	}
	return !c.stopRequested.Load() && ctx.Err() == nil
}

// iteration 依次处理每个交易对，然后更新整体风险
func (c *Controller) iteration(ctx context.Context, sess *session) {
	for _, sym := range sess.cfg.Session.Symbols {
		if c.stopRequested.Load() || ctx.Err() != nil {
			break
		}
		rt, err := sess.runtime(ctx, sym)
		if err != nil {
			c.log.Error("symbol runtime unavailable", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		c.runSymbol(ctx, sess, rt)
		c.publish(rt.status(c.now()))
	}

	sess.observeEquity()
	n := c.iterations.Add(1)
	c.deps.Monitor.RecordIteration()

	snap := sess.risk.Snapshot()
	c.deps.Monitor.UpdateRisk(snap.CurrentBalance, snap.Drawdown, snap.MaxDrawdown, snap.TotalPnL, snap.SharpeRatio)
	if sess.risk.DrawdownBreached() {
		c.log.LogRisk("drawdown_breach", map[string]interface{}{
			"drawdown":  snap.Drawdown,
			"threshold": sess.cfg.Risk.MaxDrawdownAlert,
			"balance":   snap.CurrentBalance,
		})
		_ = c.deps.Alerts.Warn("drawdown_breach",
			fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", snap.Drawdown*100, sess.cfg.Risk.MaxDrawdownAlert*100),
			map[string]interface{}{"balance": snap.CurrentBalance, "peak": snap.PeakBalance})
	}
	c.log.Debug("iteration complete", zap.Int64("iteration", n), zap.Float64("equity", snap.CurrentBalance))
}

// runSymbol 单个交易对的周期。任何错误和panic都只让本周期降级
func (c *Controller) runSymbol(parent context.Context, sess *session, rt *symbolRuntime) {
	start := c.now()
	ctx := parent
	if t := sess.cfg.Session.SymbolTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, t)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			c.log.Error("cycle panicked", zap.String("symbol", rt.symbol), zap.Any("panic", r), zap.Stack("stack"))
			c.degrade(sess, rt, "panic", err)
		}
		c.deps.Monitor.RecordCycle(rt.symbol, c.now().Sub(start).Seconds())
	}()

	res, err := sess.cycle(ctx, rt)
	if err != nil {
		c.degrade(sess, rt, res.kind, err)
		return
	}
	rt.degraded = 0
	rt.lastErr = ""
	c.log.LogCycle(rt.symbol, res.fields())
}

func (c *Controller) degrade(sess *session, rt *symbolRuntime, kind string, err error) {
	if kind == "" {
		kind = "unknown"
	}
	rt.degraded++
	rt.lastErr = err.Error()
	c.deps.Monitor.RecordCycleError(rt.symbol, kind)
	c.log.Warn("cycle degraded",
		zap.String("symbol", rt.symbol),
		zap.String("kind", kind),
		zap.Int("consecutive", rt.degraded),
		zap.Error(err))

	if after := sess.cfg.Session.DegradedAlertAfter; after > 0 && rt.degraded >= after {
		_ = c.deps.Alerts.Warn("degraded_"+rt.symbol,
			fmt.Sprintf("%s degraded for %d consecutive cycles", rt.symbol, rt.degraded),
			map[string]interface{}{"kind": kind, "error": err.Error()})
	}
}

// shutdown 最终撤单扫尾、终止经验、保存检查点。
// 使用独立的超时上下文，调用方的ctx已取消时也要尽力撤单
func (c *Controller) shutdown(parent context.Context, sess *session) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, sym := range sess.sweepSymbols() {
		rt := sess.runtimes[sym]
		if err := sess.finalSweep(ctx, sym, rt); err != nil {
			errs = append(errs, err)
			c.log.LogError(err, map[string]interface{}{"symbol": sym, "stage": "final_sweep"})
			_ = c.deps.Alerts.Critical("final_sweep_"+sym,
				fmt.Sprintf("final cancel sweep failed for %s", sym),
				map[string]interface{}{"error": err.Error()})
		}
		if rt != nil {
			c.publish(rt.status(c.now()))
		}
	}
	if err := sess.saveCheckpoints(); err != nil {
		errs = append(errs, err)
		c.log.LogError(err, map[string]interface{}{"stage": "checkpoint"})
	}
	return errors.Join(errs...)
}
