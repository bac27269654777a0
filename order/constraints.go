package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"adaptive-market-maker/gateway"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// DefaultConstraints 交易所精度不可用时使用
func DefaultConstraints() SymbolConstraints {
	return SymbolConstraints{
		TickSize:    0.01,
		StepSize:    0.0001,
		MinQty:      0.0001,
		MinNotional: 5,
	}
}

// FromFilters 交易所返回的精度
func FromFilters(f gateway.SymbolFilters) SymbolConstraints {
	return SymbolConstraints{TickSize: f.TickSize, StepSize: f.StepSize, MinQty: f.MinQty, MinNotional: f.MinNotional}
}

// IsZero 没有任何精度信息
func (c SymbolConstraints) IsZero() bool {
	return c.TickSize <= 0 && c.StepSize <= 0 && c.MinQty <= 0 && c.MinNotional <= 0
}

var (
	ErrBelowMinQty      = errors.New("quantity below minimum")
	ErrBelowMinNotional = errors.New("notional below minimum")
	ErrInvalidPrice     = errors.New("price rounds to zero")
)

// PrecisionMetadataError 交易对精度不可用，调用方已退回默认值
type PrecisionMetadataError struct {
	Symbol string
	Err    error
}

func (e *PrecisionMetadataError) Error() string {
	return fmt.Sprintf("precision metadata unavailable for %s, using defaults: %v", e.Symbol, e.Err)
}

func (e *PrecisionMetadataError) Unwrap() error { return e.Err }

// RoundPrice 对齐tick：买价向下取整，卖价向上取整，保证不会越过原报价向中间价靠拢
func (c SymbolConstraints) RoundPrice(price float64, side gateway.Side) float64 {
	if c.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	steps := decimal.NewFromFloat(price).Div(tick)
	if side == gateway.SideSell {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick).InexactFloat64()
}

// RoundQty 数量向下对齐步长
func (c SymbolConstraints) RoundQty(qty float64) float64 {
	if c.StepSize <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(c.StepSize)
	return decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).InexactFloat64()
}

// Normalize 取整并检查最小数量/名义
func (c SymbolConstraints) Normalize(price, qty float64, side gateway.Side) (float64, float64, error) {
	p := c.RoundPrice(price, side)
	q := c.RoundQty(qty)
	if p <= 0 {
		return p, q, ErrInvalidPrice
	}
	if q <= 0 || (c.MinQty > 0 && q < c.MinQty) {
		return p, q, fmt.Errorf("%w: %.8f < %.8f", ErrBelowMinQty, q, c.MinQty)
	}
	notional := decimal.NewFromFloat(p).Mul(decimal.NewFromFloat(q))
	if c.MinNotional > 0 && notional.LessThan(decimal.NewFromFloat(c.MinNotional)) {
		return p, q, fmt.Errorf("%w: %s < %.8f", ErrBelowMinNotional, notional.String(), c.MinNotional)
	}
	return p, q, nil
}

// ConstraintSource 精度查找顺序：配置 -> 交易所 -> 默认值
type ConstraintSource struct {
	Configured map[string]SymbolConstraints
	Provider   gateway.FilterProvider // 可为nil
	Defaults   SymbolConstraints
}

// Resolve 返回可用的精度。退回默认值时同时返回 *PrecisionMetadataError
func (s ConstraintSource) Resolve(ctx context.Context, symbol string) (SymbolConstraints, error) {
	if c, ok := s.Configured[symbol]; ok && !c.IsZero() {
		return c, nil
	}
	defaults := s.Defaults
	if defaults.IsZero() {
		defaults = DefaultConstraints()
	}
	if s.Provider == nil {
		return defaults, &PrecisionMetadataError{Symbol: symbol, Err: errors.New("no filter provider")}
	}
	f, err := s.Provider.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return defaults, &PrecisionMetadataError{Symbol: symbol, Err: err}
	}
	c := FromFilters(f)
	if c.IsZero() {
		return defaults, &PrecisionMetadataError{Symbol: symbol, Err: errors.New("empty filters")}
	}
	return c, nil
}
