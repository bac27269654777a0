package gateway

import (
	"context"
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TimeInForce 挂单有效方式
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFPostOnly       TimeInForce = "GTX" // 只做maker，会吃单时被拒
)

// PriceLevel 一档深度
type PriceLevel struct {
	Price float64
	Qty   float64
}

// OrderBook 深度快照，Bids按价格降序，Asks按价格升序
type OrderBook struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
	Time   time.Time
}

// BestBid 返回买一价，没有买盘时返回0
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk 返回卖一价，没有卖盘时返回0
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid 返回中间价，任一边为空时返回0
func (b OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Kline OHLCV
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// OpenOrder 交易所侧仍在挂的订单
type OpenOrder struct {
	Symbol   string
	OrderID  string
	ClientID string
	Side     Side
	Price    float64
	Qty      float64
	Filled   float64
}

// PlaceRequest 限价单请求
type PlaceRequest struct {
	Symbol      string
	Side        Side
	Qty         float64
	Price       float64
	ClientID    string
	TimeInForce TimeInForce
}

// Balance 单个资产余额
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total 可用加冻结
func (b Balance) Total() float64 { return b.Free + b.Locked }

// SymbolFilters 交易对精度元数据
type SymbolFilters struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// Exchange 交易所协作者。所有调用都可能返回 *ExternalAPIError
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string) (OrderBook, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	PlaceOrder(ctx context.Context, req PlaceRequest) (string, error)
	GetAccountBalance(ctx context.Context) (map[string]Balance, error)
}

// FilterProvider 可选能力：提供交易对精度
type FilterProvider interface {
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
}
