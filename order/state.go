package order

import (
	"time"

	"adaptive-market-maker/gateway"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"   // 已生成，尚未提交
	StatusPlaced    Status = "PLACED"    // 交易所已接受
	StatusFilled    Status = "FILLED"    // 结算时已不在挂单列表中
	StatusCancelled Status = "CANCELLED" // 结算时被撤销
	StatusRejected  Status = "REJECTED"  // 重试后仍失败，已记录
)

// Order 一个周期内跟踪的订单
type Order struct {
	ID          string // 交易所订单号，下单成功后才有
	ClientID    string
	Symbol      string
	Side        gateway.Side
	Level       int
	Price       float64
	Quantity    float64
	Filled      float64
	TimeInForce gateway.TimeInForce
	Status      Status
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Fill 结算时推断出的成交
type Fill struct {
	ClientID string
	Symbol   string
	Side     gateway.Side
	Price    float64
	Quantity float64
}
