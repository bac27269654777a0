package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"adaptive-market-maker/config"
	"adaptive-market-maker/gateway"
	"adaptive-market-maker/infrastructure/alert"
	"adaptive-market-maker/infrastructure/logger"
	"adaptive-market-maker/infrastructure/monitor"
	"adaptive-market-maker/internal/engine"
	"adaptive-market-maker/internal/sentiment"
	"adaptive-market-maker/internal/store"
	"adaptive-market-maker/sim"
)

// Options 运行方式
type Options struct {
	ConfigPath  string // 为空时不监听配置文件
	Paper       bool   // 使用内存模拟盘
	WatchConfig bool
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	opts Options
	cfg  config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 交易所网关
	exchange gateway.Exchange
	rest     *gateway.RESTClient
	depth    *gateway.DepthFeed
	paper    *sim.PaperExchange

	// 核心服务
	sentiment   *sentiment.Client
	checkpoints *store.Store
	controller  *engine.Controller

	lifecycle *LifecycleManager
}

// New 读取配置（含环境变量覆盖）创建容器
func New(opts Options) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, opts), nil
}

// NewWithConfig 使用已加载的配置
func NewWithConfig(cfg config.AppConfig, opts Options) *Container {
	return &Container{
		opts:      opts,
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.Bool("paper", c.opts.Paper),
		zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(c.cfg.Monitor)

	channels := []alert.Channel{alert.NewZapChannel("log", c.logger.Logger)}
	if url := c.cfg.Alert.WebhookURL; url != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", url, 5*time.Second))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.ThrottleInterval)

	c.logger.Info("infrastructure built", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildGateway() error {
	g := c.cfg.Gateway
	var inner gateway.Exchange

	if c.opts.Paper {
		p, err := sim.NewPaperExchange(paperConfig(c.cfg))
		if err != nil {
			return fmt.Errorf("create paper exchange: %w", err)
		}
		c.paper = p
		inner = p
	} else {
		c.rest = gateway.NewRESTClient(gateway.RESTConfig{
			BaseURL:      g.BaseURL,
			APIKey:       g.APIKey,
			APISecret:    g.APISecret,
			RecvWindowMs: g.RecvWindowMs,
			Timeout:      c.cfg.Session.CallTimeout,
		})
		if g.DepthFeed {
			c.depth = gateway.NewDepthFeed(g.WSURL, c.cfg.Session.Symbols, c.logger.Logger)
			c.rest.SetBookSource(c.depth)
		}
		inner = c.rest
	}

	c.exchange = gateway.NewResilient(inner, gateway.ResilientOptions{
		CallTimeout: c.cfg.Session.CallTimeout,
		Retry: gateway.RetryPolicy{
			MaxRetries: g.MaxRetries,
			Backoff:    g.RetryBackoff,
			MaxBackoff: 10 * g.RetryBackoff,
		},
		Limiter: gateway.NewTokenBucketLimiter(g.RateLimit, g.RateBurst),
		Breaker: gateway.NewCircuitBreaker(g.BreakerThreshold, g.BreakerCooldown),
		Monitor: c.monitor,
		Logger:  c.logger.Logger,
	})

	c.logger.Info("gateway built", zap.Bool("paper", c.opts.Paper), zap.Bool("depth_feed", c.depth != nil))
	return nil
}

// paperConfig 交易对和精度取自 symbols 配置，资产名缺失时按常见计价货币后缀推断
func paperConfig(cfg config.AppConfig) sim.PaperConfig {
	pc := sim.PaperConfig{
		Balances:   map[string]float64{},
		FeeRate:    cfg.Paper.FeeRate,
		Volatility: cfg.Paper.Volatility,
		Seed:       cfg.Paper.Seed,
	}
	for _, sym := range cfg.Session.Symbols {
		sc := cfg.Symbols[sym]
		base, quote := sc.BaseAsset, sc.QuoteAsset
		if base == "" || quote == "" {
			base, quote = splitSymbol(sym)
		}
		price := cfg.Paper.Prices[sym]
		if price <= 0 {
			price = 100
		}
		pc.Markets = append(pc.Markets, sim.Market{
			Symbol: sym, Base: base, Quote: quote, Price: price,
			Filters: gateway.SymbolFilters{
				TickSize: sc.TickSize, StepSize: sc.StepSize, MinQty: sc.MinQty, MinNotional: sc.MinNotional,
			},
		})
		// 默认资金足够覆盖配置的资本
		if _, ok := cfg.Paper.Balances[quote]; !ok {
			pc.Balances[quote] = cfg.Session.Capital * 2
		}
		if _, ok := cfg.Paper.Balances[base]; !ok {
			pc.Balances[base] = cfg.Session.Capital / price
		}
	}
	for asset, v := range cfg.Paper.Balances {
		pc.Balances[asset] = v
	}
	return pc
}

var quoteSuffixes = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH"}

func splitSymbol(sym string) (string, string) {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return strings.TrimSuffix(sym, q), q
		}
	}
	return sym, "USDT"
}

func (c *Container) buildCoreServices() error {
	c.sentiment = sentiment.NewClient(sentiment.Config{
		Endpoint: c.cfg.LLM.Endpoint,
		Model:    c.cfg.LLM.Model,
		APIKey:   c.cfg.LLM.APIKey,
		Timeout:  c.cfg.LLM.Timeout,
	}, c.logger.Logger)

	if path := c.cfg.Checkpoint.Path; path != "" {
		storeLog := c.logger.Named("store")
		s, err := store.Open(path, func(event string, fields map[string]interface{}) {
			storeLog.WithFields(fields).Info(event)
		})
		if err != nil {
			return err
		}
		c.checkpoints = s
	}

	ctrl, err := engine.New(c.cfg, engine.Deps{
		Exchange:    c.exchange,
		Logger:      c.logger,
		Monitor:     c.monitor,
		Alerts:      c.alerts,
		Sentiment:   c.sentiment,
		Checkpoints: c.checkpoints,
	})
	if err != nil {
		return err
	}
	c.controller = ctrl

	c.logger.Info("core services built",
		zap.Bool("llm_enabled", c.sentiment.Enabled()),
		zap.Bool("checkpoints", c.checkpoints != nil))
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Monitor.Listen != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "http_server",
			handler: c.Handler(),
			addr:    c.cfg.Monitor.Listen,
			logger:  c.logger,
		})
	}
	if c.depth != nil {
		c.lifecycle.Register(&loopComponent{name: "depth_feed", run: c.depth.Run, logger: c.logger})
	}
	if c.paper != nil {
		interval := c.cfg.Paper.TickInterval
		c.lifecycle.Register(&loopComponent{
			name: "paper_market",
			run: func(ctx context.Context) error {
				c.paper.Run(ctx, interval)
				return nil
			},
			logger: c.logger,
		})
	}
	if c.opts.WatchConfig && c.opts.ConfigPath != "" {
		w := config.Watcher{Path: c.opts.ConfigPath, Cooldown: 2 * time.Second, Logger: c.logger.Logger}
		c.lifecycle.Register(&loopComponent{
			name:   "config_watcher",
			run:    func(ctx context.Context) error { return w.Run(ctx, c.onConfigUpdate) },
			logger: c.logger,
		})
	}
	c.lifecycle.Register(&controllerComponent{controller: c.controller})
}

// onConfigUpdate 文件变化只排队到下个会话，不强制打断正在运行的会话
func (c *Container) onConfigUpdate(cfg config.AppConfig) {
	applied, err := c.controller.Configure(cfg, false)
	if err != nil {
		c.logger.Warn("reloaded config rejected", zap.Error(err))
		return
	}
	c.logger.Info("reloaded config accepted", zap.Bool("applied_now", applied))
}

// Handler /metrics、/status、/healthz
func (c *Container) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.controller.Status()); err != nil {
			c.logger.Warn("encode status", zap.Error(err))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.Strings("symbols", c.cfg.Session.Symbols))
	return nil
}

// Stop 逆序停止组件：控制器先完成撤单扫尾，再关闭行情和HTTP
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	var errs []error
	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		errs = append(errs, err)
	}
	if err := c.checkpoints.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
	}

	st := c.controller.Status()
	c.logger.LogRisk("session_summary", map[string]interface{}{
		"iterations":   st.Iterations,
		"balance":      st.Risk.CurrentBalance,
		"max_drawdown": st.Risk.MaxDrawdown,
		"trades":       st.Risk.Trades,
		"win_rate":     st.Risk.WinRate,
		"sharpe":       st.Risk.SharpeRatio,
	})
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return errors.Join(errs...)
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Controller 供命令行等待会话结束
func (c *Container) Controller() *engine.Controller { return c.controller }

// Config 生效中的配置
func (c *Container) Config() config.AppConfig { return c.cfg }
