package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"adaptive-market-maker/infrastructure/monitor"
)

// ResilientOptions 包装参数
type ResilientOptions struct {
	CallTimeout time.Duration
	Retry       RetryPolicy
	Limiter     RateLimiter
	Breaker     *CircuitBreaker
	Monitor     *monitor.Monitor
	Logger      *zap.Logger
}

// Resilient 给任意 Exchange 加上单次调用超时、限流、熔断和指标。
// 只读查询按 Retry 重试；下单撤单只调用一次，由订单管理层决定是否重试
type Resilient struct {
	inner Exchange
	opts  ResilientOptions
}

var (
	_ Exchange       = (*Resilient)(nil)
	_ FilterProvider = (*Resilient)(nil)
)

// NewResilient 创建包装器
func NewResilient(inner Exchange, opts ResilientOptions) *Resilient {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resilient{inner: inner, opts: opts}
}

// Inner 返回被包装的交易所
func (r *Resilient) Inner() Exchange { return r.inner }

func (r *Resilient) call(ctx context.Context, op, symbol string, retry bool, fn func(ctx context.Context) error) error {
	once := func(ctx context.Context) error {
		if r.opts.Breaker != nil {
			if err := r.opts.Breaker.Allow(); err != nil {
				return &ExternalAPIError{Op: op, Symbol: symbol, Err: err}
			}
		}
		if r.opts.Limiter != nil {
			if err := r.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		callCtx := ctx
		if r.opts.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
		}

		start := time.Now()
		err := fn(callCtx)
		r.opts.Monitor.RecordAPIRequest(op, time.Since(start).Seconds())
		if r.opts.Breaker != nil {
			r.opts.Breaker.Record(err)
		}
		if err != nil {
			r.opts.Monitor.RecordAPIError(op)
		}
		return err
	}

	if !retry {
		err := once(ctx)
		if err != nil {
			return wrapAttempts(err, op, symbol, 1)
		}
		return nil
	}
	return r.opts.Retry.Do(ctx, op, symbol, once, func(attempt int, err error) {
		r.opts.Logger.Debug("retrying exchange call",
			zap.String("op", op), zap.String("symbol", symbol),
			zap.Int("attempt", attempt), zap.Error(err))
	})
}

func (r *Resilient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := r.call(ctx, "get_price", symbol, true, func(ctx context.Context) (err error) {
		out, err = r.inner.GetPrice(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Resilient) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	var out OrderBook
	err := r.call(ctx, "get_order_book", symbol, true, func(ctx context.Context) (err error) {
		out, err = r.inner.GetOrderBook(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Resilient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var out []Kline
	err := r.call(ctx, "get_klines", symbol, true, func(ctx context.Context) (err error) {
		out, err = r.inner.GetKlines(ctx, symbol, interval, limit)
		return err
	})
	return out, err
}

func (r *Resilient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var out []OpenOrder
	err := r.call(ctx, "get_open_orders", symbol, true, func(ctx context.Context) (err error) {
		out, err = r.inner.GetOpenOrders(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Resilient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return r.call(ctx, "cancel_order", symbol, false, func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (r *Resilient) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	var out string
	err := r.call(ctx, "place_order", req.Symbol, false, func(ctx context.Context) (err error) {
		out, err = r.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) GetAccountBalance(ctx context.Context) (map[string]Balance, error) {
	var out map[string]Balance
	err := r.call(ctx, "get_account_balance", "", true, func(ctx context.Context) (err error) {
		out, err = r.inner.GetAccountBalance(ctx)
		return err
	})
	return out, err
}

// GetSymbolFilters 被包装对象不支持时返回错误，调用方回退到默认精度
func (r *Resilient) GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	fp, ok := r.inner.(FilterProvider)
	if !ok {
		return SymbolFilters{}, &ExternalAPIError{Op: "get_symbol_filters", Symbol: symbol, Err: errUnsupported}
	}
	var out SymbolFilters
	err := r.call(ctx, "get_symbol_filters", symbol, true, func(ctx context.Context) (err error) {
		out, err = fp.GetSymbolFilters(ctx, symbol)
		return err
	})
	return out, err
}
