package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptive-market-maker/config"
	"adaptive-market-maker/gateway"
	"adaptive-market-maker/infrastructure/alert"
	"adaptive-market-maker/internal/engine"
	"adaptive-market-maker/internal/store"
	"adaptive-market-maker/sim"
)

func paperExchange(t *testing.T, symbols ...string) *sim.PaperExchange {
	t.Helper()
	var markets []sim.Market
	balances := map[string]float64{"USDT": 1_000_000}
	for _, s := range symbols {
		base := s[:len(s)-4]
		markets = append(markets, sim.Market{
			Symbol: s, Base: base, Quote: "USDT", Price: 100,
			Filters: gateway.SymbolFilters{TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
		})
		balances[base] = 1000
	}
	p, err := sim.NewPaperExchange(sim.PaperConfig{Markets: markets, Balances: balances, Seed: 7})
	require.NoError(t, err)
	return p
}

func testConfig(symbols ...string) config.AppConfig {
	cfg := config.Default()
	cfg.Session.Symbols = symbols
	cfg.Session.Capital = 1000
	cfg.Session.CycleInterval = 20 * time.Millisecond
	cfg.Session.StopPollInterval = 5 * time.Millisecond
	cfg.Session.CallTimeout = time.Second
	cfg.Session.SymbolTimeout = 5 * time.Second
	cfg.Session.SettleDelay = 0
	cfg.Session.OrderRate = 10_000
	cfg.Session.OrderBurst = 10_000
	cfg.Session.KlineLimit = 30
	cfg.Gateway.MaxRetries = 0
	cfg.Symbols = map[string]config.SymbolConfig{}
	for _, s := range symbols {
		cfg.Symbols[s] = config.SymbolConfig{
			BaseAsset: s[:len(s)-4], QuoteAsset: "USDT",
			TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 5,
		}
	}
	return cfg
}

func newController(t *testing.T, cfg config.AppConfig, deps engine.Deps) *engine.Controller {
	t.Helper()
	c, err := engine.New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func openOrders(t *testing.T, p *sim.PaperExchange, symbol string) int {
	t.Helper()
	open, err := p.GetOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	return len(open)
}

func TestNewRequiresExchange(t *testing.T) {
	_, err := engine.New(testConfig("BTCUSDT"), engine.Deps{})
	assert.Error(t, err)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	cfg := testConfig("BTCUSDT")
	cfg.Session.Capital = 0
	c := newController(t, cfg, engine.Deps{Exchange: p})

	err := c.Start(context.Background())
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "session.capital", cfgErr.Field)
	assert.Equal(t, engine.StateStopped, c.State())
	assert.False(t, c.Status().Running)
	assert.NoError(t, c.Stop())
}

func TestSessionRunsAndStopsClean(t *testing.T) {
	p := paperExchange(t, "BTCUSDT", "ETHUSDT")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, 2*time.Millisecond)

	c := newController(t, testConfig("BTCUSDT", "ETHUSDT"), engine.Deps{Exchange: p})
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), engine.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return c.Status().Iterations >= 5 }, 5*time.Second, 5*time.Millisecond)
	st := c.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "RUNNING", st.State)
	require.Len(t, st.Symbols, 2)
	assert.Equal(t, "BTCUSDT", st.Symbols[0].Symbol)
	assert.Greater(t, st.Symbols[0].Mid, 0.0)

	require.NoError(t, c.Stop())
	assert.Equal(t, engine.StateStopped, c.State())
	assert.Equal(t, 0, openOrders(t, p, "BTCUSDT"))
	assert.Equal(t, 0, openOrders(t, p, "ETHUSDT"))

	st = c.Status()
	assert.False(t, st.Running)
	assert.True(t, st.StopRequested)
	assert.GreaterOrEqual(t, st.Iterations, int64(5))
	assert.InDelta(t, 1000, st.Risk.InitialBalance, 1e-9)
	assert.GreaterOrEqual(t, st.Risk.MaxDrawdown, st.Risk.Drawdown)

	// 已停止时再次 Stop 直接返回
	assert.NoError(t, c.Stop())
}

func TestStopDuringCycleSweepsOrders(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	cfg := testConfig("BTCUSDT")
	cfg.Session.SettleDelay = 150 * time.Millisecond
	cfg.Session.CycleInterval = time.Hour
	c := newController(t, cfg, engine.Deps{Exchange: p})

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, p.OpenOrderCount())
	assert.Equal(t, int64(1), c.Status().Iterations)
}

func TestStopHonoredDuringLongSleep(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	cfg := testConfig("BTCUSDT")
	cfg.Session.CycleInterval = time.Hour
	c := newController(t, cfg, engine.Deps{Exchange: p})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return p.OpenOrderCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.OpenOrderCount())
}

func TestMarketDataFailureDegradesWithoutOrders(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	p.FailNext("price", &gateway.ExternalAPIError{Op: "get_price", Status: 503, Err: errors.New("down")})
	mock := alert.NewMockChannel("mock")
	cfg := testConfig("BTCUSDT")
	cfg.Session.CycleInterval = time.Hour
	cfg.Session.DegradedAlertAfter = 1
	c := newController(t, cfg, engine.Deps{Exchange: p, Alerts: alert.NewManager([]alert.Channel{mock}, time.Minute)})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Iterations >= 1 }, 2*time.Second, 5*time.Millisecond)

	st := c.Status()
	require.Len(t, st.Symbols, 1)
	assert.Equal(t, 1, st.Symbols[0].Degraded)
	assert.Contains(t, st.Symbols[0].LastError, "price")
	assert.Equal(t, 0, p.OpenOrderCount())
	assert.True(t, st.Running)
	assert.GreaterOrEqual(t, mock.Count(), 1)
	require.NoError(t, c.Stop())
}

func TestConfigureDeferredUntilNextSession(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	c := newController(t, testConfig("BTCUSDT"), engine.Deps{Exchange: p})

	bad := testConfig("BTCUSDT")
	bad.Quote.Levels = 0
	applied, err := c.Configure(bad, false)
	assert.False(t, applied)
	assert.Error(t, err)

	require.NoError(t, c.Start(context.Background()))
	next := testConfig("BTCUSDT")
	next.Session.Capital = 2500
	applied, err = c.Configure(next, false)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, c.Status().PendingConfig)
	assert.Equal(t, 1000.0, c.Config().Session.Capital)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 2500.0, c.Config().Session.Capital)
	assert.False(t, c.Status().PendingConfig)
	require.NoError(t, c.Stop())
}

func TestConfigureForcedRemovesSymbol(t *testing.T) {
	p := paperExchange(t, "BTCUSDT", "ETHUSDT")
	c := newController(t, testConfig("BTCUSDT", "ETHUSDT"), engine.Deps{Exchange: p})
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return openOrders(t, p, "ETHUSDT") > 0 }, 2*time.Second, 5*time.Millisecond)

	applied, err := c.Configure(testConfig("BTCUSDT"), true)
	require.NoError(t, err)
	assert.True(t, applied)

	require.Eventually(t, func() bool { return openOrders(t, p, "ETHUSDT") == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := c.Status()
		return len(st.Symbols) == 1 && st.Symbols[0].Symbol == "BTCUSDT"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	assert.Equal(t, 0, p.OpenOrderCount())
}

func TestMultiAgentSession(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	cfg := testConfig("BTCUSDT")
	cfg.Session.MultiAgent = true
	cfg.Consensus.Threshold = 0.01
	cfg.Consensus.Agents = []config.AgentConfig{
		{ID: "rl", Role: "policy", Weight: 0.6},
		{ID: "guard", Role: "risk", Weight: 0.3},
		{ID: "news", Role: "sentiment", Weight: 0.1},
	}
	cfg.Consensus.Priority = []string{"guard", "rl", "news"}
	c := newController(t, cfg, engine.Deps{Exchange: p})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Iterations >= 3 }, 5*time.Second, 5*time.Millisecond)

	st := c.Status()
	assert.True(t, st.MultiAgent)
	require.Len(t, st.Symbols, 1)
	assert.NotEmpty(t, st.Symbols[0].Consensus)
	assert.Greater(t, st.Symbols[0].ConsensusRate, 0.0)
	require.NoError(t, c.Stop())
	assert.Equal(t, 0, p.OpenOrderCount())
}

func TestCheckpointSavedAndRestored(t *testing.T) {
	cps, err := store.OpenInMemory(nil)
	require.NoError(t, err)
	defer cps.Close()

	p := paperExchange(t, "BTCUSDT")
	cfg := testConfig("BTCUSDT")
	cfg.RL.UpdateFrequency = 1
	cfg.RL.BatchSize = 1
	c := newController(t, cfg, engine.Deps{Exchange: p, Checkpoints: cps})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Iterations >= 4 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	cp, ok, err := cps.Load("BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, cp.Policy)
	assert.Greater(t, cp.Policy.LearnSteps, 0)
	assert.Less(t, cp.Policy.Epsilon, cfg.RL.EpsilonStart)

	// 新会话从检查点继续
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		st := c.Status()
		return len(st.Symbols) == 1 && st.Symbols[0].LearnSteps >= cp.Policy.LearnSteps
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
}

// gappingExchange 第 n 次查询挂单前把价格打到 gapTo，模拟结算前刚好成交
type gappingExchange struct {
	*sim.PaperExchange
	symbol string
	gapTo  float64
	at     int32
	lists  atomic.Int32
}

func (g *gappingExchange) GetOpenOrders(ctx context.Context, symbol string) ([]gateway.OpenOrder, error) {
	if g.lists.Add(1) == g.at {
		if err := g.PaperExchange.SetPrice(g.symbol, g.gapTo); err != nil {
			return nil, err
		}
	}
	return g.PaperExchange.GetOpenOrders(ctx, symbol)
}

func TestFillsBeforeSettleKeepInventoryInSync(t *testing.T) {
	p := paperExchange(t, "BTCUSDT")
	ex := &gappingExchange{PaperExchange: p, symbol: "BTCUSDT", gapTo: 90, at: 2}
	c := newController(t, testConfig("BTCUSDT"), engine.Deps{Exchange: ex})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Iterations >= 3 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	require.NotEmpty(t, p.Fills())

	bal, err := p.GetAccountBalance(context.Background())
	require.NoError(t, err)
	exchangeNet := bal["BTC"].Total() - 1000
	require.Greater(t, exchangeNet, 0.0)

	st := c.Status()
	require.Len(t, st.Symbols, 1)
	assert.InDelta(t, exchangeNet, st.Symbols[0].Inventory, 0.001)
	assert.Greater(t, st.Symbols[0].AvgCost, 0.0)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STOPPED", engine.StateStopped.String())
	assert.Equal(t, "STARTING", engine.StateStarting.String())
	assert.Equal(t, "RUNNING", engine.StateRunning.String())
	assert.Equal(t, "STOPPING", engine.StateStopping.String())
	assert.Equal(t, "UNKNOWN", engine.State(9).String())
}
