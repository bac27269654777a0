package market

import (
	"fmt"
	"math"
	"time"
)

const (
	// TimeFeatureSize 时间特征维度
	TimeFeatureSize = 4
	// MarketFeatureSize 市场特征维度：动量、盘口失衡、量比、相对ATR
	MarketFeatureSize = 4
	// StateSize 特征向量总长度：偏置、价格、波动率、价差、库存 + 时间 + 市场
	StateSize = 5 + TimeFeatureSize + MarketFeatureSize
)

// 数据缺失时的默认值
const (
	DefaultVolatility = 0.02
	DefaultSpread     = 0.001
)

// MarketState 单个周期的市场快照，创建后不再修改
type MarketState struct {
	Symbol         string
	Price          float64
	Volatility     float64
	Spread         float64 // (ask-bid)/mid
	Inventory      float64 // 库存比例，[-1,1]
	TimeFeatures   [TimeFeatureSize]float64
	MarketFeatures [MarketFeatureSize]float64
	Time           time.Time

	// 是否使用了默认值
	VolatilityDefaulted bool
	SpreadDefaulted     bool
}

// Vector 返回定长特征向量，每一维都有界
func (s MarketState) Vector() []float64 {
	v := make([]float64, 0, StateSize)
	v = append(v,
		1.0,
		boundedLogPrice(s.Price),
		math.Tanh(s.Volatility),
		math.Tanh(s.Spread*100),
		clamp(s.Inventory, -1, 1),
	)
	v = append(v, s.TimeFeatures[:]...)
	v = append(v, s.MarketFeatures[:]...)
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

func boundedLogPrice(p float64) float64 {
	if p <= 0 {
		return 0
	}
	return math.Tanh(math.Log(p) / 10)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// InvalidMarketDataError 价格缺失或非法，本周期该交易对不做任何下单动作
type InvalidMarketDataError struct {
	Symbol string
	Field  string
	Reason string
}

func (e *InvalidMarketDataError) Error() string {
	return fmt.Sprintf("invalid market data for %s: %s %s", e.Symbol, e.Field, e.Reason)
}

// 市场特征下标
const (
	FeatureMomentum = iota
	FeatureBookImbalance
	FeatureVolumeRatio
	FeatureRelativeATR
)
