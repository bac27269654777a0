package market

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"adaptive-market-maker/gateway"
)

// ExtractorConfig 特征提取参数
type ExtractorConfig struct {
	KlineInterval   string
	KlineLimit      int
	ImbalanceLevels int
}

// Extractor 从交易所行情构建 MarketState
type Extractor struct {
	ex     gateway.Exchange
	cfg    ExtractorConfig
	logger *zap.Logger
}

// NewExtractor 创建提取器
func NewExtractor(ex gateway.Exchange, cfg ExtractorConfig, logger *zap.Logger) *Extractor {
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.KlineLimit < 2 {
		cfg.KlineLimit = 60
	}
	if cfg.ImbalanceLevels <= 0 {
		cfg.ImbalanceLevels = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{ex: ex, cfg: cfg, logger: logger.Named("extractor")}
}

// Snapshot 原始行情，供情绪分析等协作者使用
type Snapshot struct {
	State  MarketState
	Book   gateway.OrderBook
	Klines []gateway.Kline
}

// Extract 只有价格不可用时返回 *InvalidMarketDataError；
// 深度和K线失败时回退到默认值并记录日志
func (e *Extractor) Extract(ctx context.Context, symbol string, inventory float64, now time.Time) (Snapshot, error) {
	price, err := e.ex.GetPrice(ctx, symbol)
	if err != nil {
		return Snapshot{}, &InvalidMarketDataError{Symbol: symbol, Field: "price", Reason: err.Error()}
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Snapshot{}, &InvalidMarketDataError{Symbol: symbol, Field: "price", Reason: "not a positive number"}
	}

	state := MarketState{
		Symbol:       symbol,
		Price:        price,
		Inventory:    clamp(inventory, -1, 1),
		TimeFeatures: TimeFeatures(now),
		Time:         now,
	}

	book, err := e.ex.GetOrderBook(ctx, symbol)
	if err != nil {
		e.logger.Warn("order book unavailable, using default spread", zap.String("symbol", symbol), zap.Error(err))
	}
	state.Spread, state.SpreadDefaulted = spreadOf(book)

	klines, err := e.ex.GetKlines(ctx, symbol, e.cfg.KlineInterval, e.cfg.KlineLimit)
	if err != nil {
		e.logger.Warn("klines unavailable, using default volatility", zap.String("symbol", symbol), zap.Error(err))
		klines = nil
	}
	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		closes = append(closes, k.Close)
	}
	vol, ok := RealizedVolatility(closes, PeriodsPerYear(e.cfg.KlineInterval))
	if !ok {
		vol = DefaultVolatility
		state.VolatilityDefaulted = true
	}
	state.Volatility = vol

	state.MarketFeatures = [MarketFeatureSize]float64{
		Momentum(klines),
		BookImbalance(book, e.cfg.ImbalanceLevels),
		VolumeRatio(klines),
		RelativeATR(klines, price),
	}

	return Snapshot{State: state, Book: book, Klines: klines}, nil
}

func spreadOf(book gateway.OrderBook) (float64, bool) {
	bid, ask := book.BestBid(), book.BestAsk()
	mid := book.Mid()
	if mid <= 0 || ask < bid {
		return DefaultSpread, true
	}
	return (ask - bid) / mid, false
}
