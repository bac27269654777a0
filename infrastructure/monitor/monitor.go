package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
// 所有方法对nil接收者安全，未启用监控时组件可以直接传nil
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersFilled   *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	orderRetries   *prometheus.CounterVec

	// 周期指标
	cycles        *prometheus.CounterVec
	cycleErrors   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec

	// 市场指标
	midPrice   *prometheus.GaugeVec
	volatility *prometheus.GaugeVec

	// 策略指标
	epsilon      *prometheus.GaugeVec
	explorations *prometheus.CounterVec
	learnSteps   *prometheus.CounterVec
	tdError      *prometheus.GaugeVec
	reward       *prometheus.GaugeVec
	bufferSize   *prometheus.GaugeVec
	consensus    *prometheus.CounterVec
	strength     *prometheus.GaugeVec

	// 会话指标
	sessionState prometheus.Gauge
	iterations   prometheus.Counter

	// 风控指标
	balance     prometheus.Gauge
	drawdown    prometheus.Gauge
	maxDrawdown prometheus.Gauge
	totalPnL    prometheus.Gauge
	sharpe      prometheus.Gauge
	inventory   *prometheus.GaugeVec

	// 外部调用
	apiRequests *prometheus.CounterVec
	apiErrors   *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	Listen    string `yaml:"listen"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "amm",
		Subsystem: "trading",
		Listen:    ":9100",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Monitor{
		registry: reg,

		ordersPlaced:   counterVec("orders_placed_total", "订单下单总数", "symbol", "side"),
		ordersCanceled: counterVec("orders_canceled_total", "订单撤单总数", "symbol"),
		ordersFilled:   counterVec("orders_filled_total", "订单成交总数", "symbol"),
		ordersRejected: counterVec("orders_rejected_total", "订单拒绝总数", "symbol"),
		orderRetries:   counterVec("order_retries_total", "下单重试次数", "symbol"),

		cycles:      counterVec("cycles_total", "交易周期总数", "symbol"),
		cycleErrors: counterVec("cycle_errors_total", "交易周期错误数", "symbol", "kind"),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "单个交易对周期耗时（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"symbol"}),

		midPrice:   gaugeVec("mid_price", "当前中间价", "symbol"),
		volatility: gaugeVec("volatility", "已实现波动率", "symbol"),

		epsilon:      gaugeVec("policy_epsilon", "当前探索率", "symbol"),
		explorations: counterVec("policy_explorations_total", "随机探索次数", "symbol"),
		learnSteps:   counterVec("policy_learn_steps_total", "学习步数", "symbol"),
		tdError:      gaugeVec("policy_td_error", "最近一次平均TD误差", "symbol"),
		reward:       gaugeVec("policy_reward", "最近一次奖励", "symbol"),
		bufferSize:   gaugeVec("policy_buffer_size", "经验缓冲区长度", "symbol"),
		consensus:    counterVec("consensus_total", "共识投票结果", "symbol", "result"),
		strength:     gaugeVec("consensus_strength", "最近一次获胜标签的票数占比", "symbol"),

		sessionState: gauge("session_state", "会话状态：0停止 1启动中 2运行 3停止中"),
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "iterations_total",
			Help:      "完成的迭代数",
		}),

		balance:     gauge("balance", "当前权益"),
		drawdown:    gauge("drawdown", "当前回撤比例"),
		maxDrawdown: gauge("max_drawdown", "最大回撤比例"),
		totalPnL:    gauge("total_pnl", "累计盈亏"),
		sharpe:      gauge("sharpe_ratio", "年化Sharpe"),
		inventory:   gaugeVec("inventory", "当前净持仓", "symbol"),

		apiRequests: counterVec("api_requests_total", "外部API请求总数", "action"),
		apiErrors:   counterVec("api_errors_total", "外部API错误总数", "action"),
		apiLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "api_latency_seconds",
			Help:      "外部API请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordOrderCanceled(symbol string) {
	if m == nil {
		return
	}
	m.ordersCanceled.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordOrderFilled(symbol string) {
	if m == nil {
		return
	}
	m.ordersFilled.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordOrderRejected(symbol string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordOrderRetry(symbol string) {
	if m == nil {
		return
	}
	m.orderRetries.WithLabelValues(symbol).Inc()
}

// 周期相关方法
func (m *Monitor) RecordCycle(symbol string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(symbol).Inc()
	m.cycleDuration.WithLabelValues(symbol).Observe(seconds)
}

func (m *Monitor) RecordCycleError(symbol, kind string) {
	if m == nil {
		return
	}
	m.cycleErrors.WithLabelValues(symbol, kind).Inc()
}

// 市场相关方法
func (m *Monitor) UpdateMarket(symbol string, mid, vol float64) {
	if m == nil {
		return
	}
	m.midPrice.WithLabelValues(symbol).Set(mid)
	m.volatility.WithLabelValues(symbol).Set(vol)
}

// 策略相关方法
func (m *Monitor) UpdateEpsilon(symbol string, eps float64) {
	if m == nil {
		return
	}
	m.epsilon.WithLabelValues(symbol).Set(eps)
}

func (m *Monitor) RecordExploration(symbol string) {
	if m == nil {
		return
	}
	m.explorations.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordLearnStep(symbol string, meanTDError float64) {
	if m == nil {
		return
	}
	m.learnSteps.WithLabelValues(symbol).Inc()
	m.tdError.WithLabelValues(symbol).Set(meanTDError)
}

func (m *Monitor) UpdateReward(symbol string, r float64) {
	if m == nil {
		return
	}
	m.reward.WithLabelValues(symbol).Set(r)
}

// RecordConsensus result取值 reached / not_reached
func (m *Monitor) RecordConsensus(symbol, result string, strength float64) {
	if m == nil {
		return
	}
	m.consensus.WithLabelValues(symbol, result).Inc()
	m.strength.WithLabelValues(symbol).Set(strength)
}

func (m *Monitor) UpdateBufferSize(symbol string, n int) {
	if m == nil {
		return
	}
	m.bufferSize.WithLabelValues(symbol).Set(float64(n))
}

// 会话相关方法
func (m *Monitor) UpdateSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

func (m *Monitor) RecordIteration() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

// 风控相关方法
func (m *Monitor) UpdateRisk(balance, drawdown, maxDrawdown, totalPnL, sharpe float64) {
	if m == nil {
		return
	}
	m.balance.Set(balance)
	m.drawdown.Set(drawdown)
	m.maxDrawdown.Set(maxDrawdown)
	m.totalPnL.Set(totalPnL)
	m.sharpe.Set(sharpe)
}

func (m *Monitor) UpdateInventory(symbol string, qty float64) {
	if m == nil {
		return
	}
	m.inventory.WithLabelValues(symbol).Set(qty)
}

// 外部调用相关方法
func (m *Monitor) RecordAPIRequest(action string, seconds float64) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(action).Inc()
	m.apiLatency.WithLabelValues(action).Observe(seconds)
}

func (m *Monitor) RecordAPIError(action string) {
	if m == nil {
		return
	}
	m.apiErrors.WithLabelValues(action).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
