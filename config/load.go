package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"adaptive-market-maker/infrastructure/logger"
	"adaptive-market-maker/infrastructure/monitor"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                  `yaml:"env"`
	Session    SessionConfig           `yaml:"session"`
	Quote      QuoteConfig             `yaml:"quote"`
	RL         RLConfig                `yaml:"rl"`
	Consensus  ConsensusConfig         `yaml:"consensus"`
	Risk       RiskConfig              `yaml:"risk"`
	Gateway    GatewayConfig           `yaml:"gateway"`
	LLM        LLMConfig               `yaml:"llm"`
	Logging    logger.Config           `yaml:"logging"`
	Monitor    monitor.Config          `yaml:"monitor"`
	Alert      AlertConfig             `yaml:"alert"`
	Checkpoint CheckpointConfig        `yaml:"checkpoint"`
	Paper      PaperConfig             `yaml:"paper"`
	Symbols    map[string]SymbolConfig `yaml:"symbols"`
}

// SessionConfig 交易会话参数
type SessionConfig struct {
	Symbols            []string      `yaml:"symbols"`
	Capital            float64       `yaml:"capital"`            // 总分配资金（计价货币）
	CycleInterval      time.Duration `yaml:"cycleInterval"`      // 两个周期之间的休眠
	StopPollInterval   time.Duration `yaml:"stopPollInterval"`   // 休眠期间检查停止信号的粒度
	CallTimeout        time.Duration `yaml:"callTimeout"`        // 单次外部调用超时
	SymbolTimeout      time.Duration `yaml:"symbolTimeout"`      // 单个交易对处理的总超时
	SettleDelay        time.Duration `yaml:"settleDelay"`        // 撤单后等待时间
	OrderRate          float64       `yaml:"orderRate"`          // 下单/撤单调用速率（次/秒）
	OrderBurst         int           `yaml:"orderBurst"`         // 令牌桶容量
	KlineInterval      string        `yaml:"klineInterval"`      // 波动率采样周期
	KlineLimit         int           `yaml:"klineLimit"`         // K线数量
	DegradedAlertAfter int           `yaml:"degradedAlertAfter"` // 连续降级多少次后告警
	MultiAgent         bool          `yaml:"multiAgent"`         // 是否启用多智能体共识
}

// QuoteConfig 报价参数，价差单位为百分比
type QuoteConfig struct {
	BaseSpreadPct   float64 `yaml:"baseSpreadPct"`
	Levels          int     `yaml:"levels"`
	InventorySkew   bool    `yaml:"inventorySkew"`
	SkewStrength    float64 `yaml:"skewStrength"`
	TargetInventory float64 `yaml:"targetInventory"` // 目标库存比例，[-1,1]，0为中性
	DynamicSpread   bool    `yaml:"dynamicSpread"`
	VolFactor       float64 `yaml:"volFactor"`
	MinSpreadPct    float64 `yaml:"minSpreadPct"`
	MaxSpreadPct    float64 `yaml:"maxSpreadPct"`
	TakerAggression float64 `yaml:"takerAggression"` // aggression达到该值时不再强制post-only
}

// RLConfig 策略学习参数
type RLConfig struct {
	LearningRate       float64 `yaml:"learningRate"`
	Discount           float64 `yaml:"discount"`
	EpsilonStart       float64 `yaml:"epsilonStart"`
	EpsilonMin         float64 `yaml:"epsilonMin"`
	EpsilonDecay       float64 `yaml:"epsilonDecay"`
	BufferCapacity     int     `yaml:"bufferCapacity"`
	BatchSize          int     `yaml:"batchSize"`
	UpdateFrequency    int     `yaml:"updateFrequency"`
	TargetSyncInterval int     `yaml:"targetSyncInterval"`
	GradientMode       string  `yaml:"gradientMode"` // scalar 或 per_action
	TDClip             float64 `yaml:"tdClip"`
	Seed               uint64  `yaml:"seed"`
	DrawdownPenalty    float64 `yaml:"drawdownPenalty"`
	InventoryPenalty   float64 `yaml:"inventoryPenalty"`
}

// ConsensusConfig 多智能体投票参数
type ConsensusConfig struct {
	Threshold float64       `yaml:"threshold"`
	Priority  []string      `yaml:"priority"` // 平票时的智能体优先级，靠前者优先
	Agents    []AgentConfig `yaml:"agents"`
}

// AgentConfig 单个投票智能体
type AgentConfig struct {
	ID     string  `yaml:"id"`
	Role   string  `yaml:"role"` // policy, sentiment, risk
	Weight float64 `yaml:"weight"`
}

type RiskConfig struct {
	MaxDrawdownAlert float64 `yaml:"maxDrawdownAlert"`
	PeriodsPerYear   float64 `yaml:"periodsPerYear"` // 0 表示按周期间隔推导
	FeeRate          float64 `yaml:"feeRate"`
}

type GatewayConfig struct {
	APIKey           string        `yaml:"apiKey"`
	APISecret        string        `yaml:"apiSecret"`
	BaseURL          string        `yaml:"baseURL"`
	WSURL            string        `yaml:"wsURL"`
	RecvWindowMs     int           `yaml:"recvWindowMs"`
	MaxRetries       int           `yaml:"maxRetries"`
	RetryBackoff     time.Duration `yaml:"retryBackoff"`
	RateLimit        float64       `yaml:"rateLimit"`
	RateBurst        int           `yaml:"rateBurst"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
	DepthFeed        bool          `yaml:"depthFeed"`
}

// LLMConfig 情绪分析服务，APIKey为空时返回中性信号
type LLMConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttleInterval"`
	WebhookURL       string        `yaml:"webhookURL"`
}

// CheckpointConfig Path为空时不持久化策略权重
type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// PaperConfig 模拟盘参数，只在 --paper 模式下使用
type PaperConfig struct {
	Prices       map[string]float64 `yaml:"prices"`   // 初始价格，缺省100
	Balances     map[string]float64 `yaml:"balances"` // 初始余额
	FeeRate      float64            `yaml:"feeRate"`
	Volatility   float64            `yaml:"volatility"`   // 每步对数收益标准差
	TickInterval time.Duration      `yaml:"tickInterval"` // 价格游走间隔
	Seed         uint64             `yaml:"seed"`
}

// SymbolConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
type SymbolConfig struct {
	BaseAsset   string  `yaml:"baseAsset"`
	QuoteAsset  string  `yaml:"quoteAsset"`
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// Default 返回带默认值的配置，YAML只覆盖显式给出的字段
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Session: SessionConfig{
			Capital:            1000,
			CycleInterval:      30 * time.Second,
			StopPollInterval:   200 * time.Millisecond,
			CallTimeout:        10 * time.Second,
			SymbolTimeout:      60 * time.Second,
			SettleDelay:        time.Second,
			OrderRate:          5,
			OrderBurst:         5,
			KlineInterval:      "1m",
			KlineLimit:         60,
			DegradedAlertAfter: 3,
		},
		Quote: QuoteConfig{
			BaseSpreadPct:   0.1,
			Levels:          2,
			InventorySkew:   true,
			SkewStrength:    1.0,
			VolFactor:       2.0,
			MinSpreadPct:    0.05,
			MaxSpreadPct:    1.0,
			TakerAggression: 0.9,
		},
		RL: RLConfig{
			LearningRate:       0.001,
			Discount:           0.95,
			EpsilonStart:       1.0,
			EpsilonMin:         0.01,
			EpsilonDecay:       0.995,
			BufferCapacity:     1000,
			BatchSize:          32,
			UpdateFrequency:    4,
			TargetSyncInterval: 100,
			GradientMode:       "scalar",
			TDClip:             10,
			Seed:               42,
			DrawdownPenalty:    0.1,
			InventoryPenalty:   0.1,
		},
		Consensus: ConsensusConfig{
			Threshold: 0.6,
		},
		Risk: RiskConfig{
			MaxDrawdownAlert: 0.1,
			FeeRate:          0.001,
		},
		Gateway: GatewayConfig{
			BaseURL:          "https://api.binance.com",
			WSURL:            "wss://stream.binance.com:9443",
			RecvWindowMs:     5000,
			MaxRetries:       3,
			RetryBackoff:     200 * time.Millisecond,
			RateLimit:        10,
			RateBurst:        20,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		LLM: LLMConfig{
			Model:   "gpt-4o-mini",
			Timeout: 15 * time.Second,
		},
		Logging: logger.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
		Alert: AlertConfig{
			ThrottleInterval: 5 * time.Minute,
		},
		Paper: PaperConfig{
			Volatility:   0.001,
			TickInterval: time.Second,
			Seed:         1,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 用环境变量覆盖密钥
func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv("MM_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("MM_GATEWAY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	if v := os.Getenv("MM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}

// PeriodsPerYear 风控年化因子，未配置时按周期间隔推导
func (c AppConfig) PeriodsPerYear() float64 {
	if c.Risk.PeriodsPerYear > 0 {
		return c.Risk.PeriodsPerYear
	}
	if c.Session.CycleInterval <= 0 {
		return 365 * 24 * 60
	}
	return float64(365*24*time.Hour) / float64(c.Session.CycleInterval)
}
