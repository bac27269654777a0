package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"adaptive-market-maker/gateway"
	"adaptive-market-maker/infrastructure/logger"
	"adaptive-market-maker/infrastructure/monitor"
	"adaptive-market-maker/internal/strategy"
)

// ErrSettleIncomplete 仍有挂单未能撤销，本周期不能下新单
var ErrSettleIncomplete = errors.New("open orders remain after cancel")

// ManagerConfig 订单管理参数
type ManagerConfig struct {
	SettleDelay time.Duration       // 撤单后等待时间
	Retry       gateway.RetryPolicy // 下单/撤单重试
	Limiter     gateway.RateLimiter // 每次下单/撤单调用前取令牌，可为nil
	Constraints ConstraintSource
}

// SettleReport 一次撤单结算的结果
type SettleReport struct {
	Cancelled int    // 撤销的挂单数（含非本进程下的单）
	Failed    int    // 撤单失败数
	Fills     []Fill // 上一周期订单推断出的成交
	Rejected  int    // 上一周期被拒绝、本次结算清理的订单
}

// PlaceReport 一次下单的结果
type PlaceReport struct {
	Placed   int
	Rejected int
	Skipped  int // 取整后不满足最小数量/名义，未提交
	Orders   []Order
}

// Manager 负责先撤后下：每个周期先撤掉交易对的全部挂单，再提交新报价。
// 只持有当前周期的订单
type Manager struct {
	ex      gateway.Exchange
	cfg     ManagerConfig
	book    *Book
	sm      *StateMachine
	logger  *logger.Logger
	monitor *monitor.Monitor

	mu          sync.Mutex
	constraints map[string]cachedConstraints

	newClientID func() string
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

func NewManager(ex gateway.Exchange, cfg ManagerConfig, log *logger.Logger, mon *monitor.Monitor) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		ex:          ex,
		cfg:         cfg,
		book:        NewBook(),
		sm:          NewStateMachine(),
		logger:      log.Named("order"),
		monitor:     mon,
		constraints: make(map[string]cachedConstraints),
		newClientID: func() string { return "amm-" + uuid.NewString()[:28] },
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Settle 撤销交易对的全部挂单（以交易所视图为准），结算上一周期订单，然后等待 SettleDelay。
// 返回错误时调用方不应再下单
func (m *Manager) Settle(ctx context.Context, symbol string) (SettleReport, error) {
	report, err := m.sweep(ctx, symbol)
	if err != nil {
		return report, err
	}
	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		return report, err
	}
	return report, nil
}

// CancelAll 停止时的撤单扫尾，撤完后再查询一次确认没有残留
func (m *Manager) CancelAll(ctx context.Context, symbol string) (SettleReport, error) {
	report, err := m.sweep(ctx, symbol)
	if err != nil {
		return report, err
	}
	open, err := m.ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		return report, fmt.Errorf("verify open orders %s: %w", symbol, err)
	}
	if len(open) > 0 {
		return report, fmt.Errorf("%w: %s has %d", ErrSettleIncomplete, symbol, len(open))
	}
	return report, nil
}

func (m *Manager) sweep(ctx context.Context, symbol string) (SettleReport, error) {
	var report SettleReport
	open, err := m.ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		return report, fmt.Errorf("list open orders %s: %w", symbol, err)
	}

	stillOpen := make(map[string]gateway.OpenOrder, len(open))
	cancelled := make(map[string]gateway.OpenOrder, len(open))
	for _, oo := range open {
		err := m.withRetry(ctx, "cancel_order", symbol, func(ctx context.Context) error {
			return m.ex.CancelOrder(ctx, symbol, oo.OrderID)
		})
		switch {
		case err == nil:
			cancelled[oo.OrderID] = oo
			report.Cancelled++
			m.monitor.RecordOrderCanceled(symbol)
		case errors.Is(err, gateway.ErrOrderNotFound):
			// 撤单前已成交或已撤，按不在挂单处理
		default:
			stillOpen[oo.OrderID] = oo
			report.Failed++
			m.logger.LogOrder("cancel_failed", oo.ClientID, map[string]interface{}{
				"symbol": symbol, "order_id": oo.OrderID, "error": err.Error(),
			})
		}
	}

	for _, o := range m.book.List(symbol) {
		if !m.sm.CanCancel(o.Status) {
			// 已拒绝，或下单中途被取消而交易所视图里没有它
			if o.Status == StatusRejected {
				report.Rejected++
			}
			m.book.Delete(o.ClientID)
			continue
		}
		if _, open := stillOpen[o.ID]; open {
			continue
		}
		if oo, ok := cancelled[o.ID]; ok {
			if oo.Filled > 0 {
				report.Fills = append(report.Fills, Fill{ClientID: o.ClientID, Symbol: symbol, Side: o.Side, Price: o.Price, Quantity: oo.Filled})
				m.monitor.RecordOrderFilled(symbol)
			}
			m.finish(o, StatusCancelled, "")
			continue
		}
		report.Fills = append(report.Fills, Fill{ClientID: o.ClientID, Symbol: symbol, Side: o.Side, Price: o.Price, Quantity: o.Quantity})
		m.monitor.RecordOrderFilled(symbol)
		m.finish(o, StatusFilled, "")
	}

	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %s has %d", ErrSettleIncomplete, symbol, report.Failed)
	}
	return report, nil
}

// finish 记录终态并从簿中移除
func (m *Manager) finish(o Order, st Status, reason string) {
	if !m.sm.IsFinalState(st) {
		m.logger.LogOrder("invalid_transition", o.ClientID, map[string]interface{}{"error": "finish with non-final " + string(st)})
	} else if err := m.sm.ValidateTransition(o.Status, st); err != nil {
		m.logger.LogOrder("invalid_transition", o.ClientID, map[string]interface{}{"error": err.Error()})
	}
	m.logger.LogOrder(string(st), o.ClientID, map[string]interface{}{
		"symbol": o.Symbol, "side": string(o.Side), "price": o.Price, "qty": o.Quantity, "reason": reason,
	})
	m.book.Delete(o.ClientID)
}

// PlaceQuotes 按精度取整后逐个提交。单个订单重试后仍失败只记为拒绝，不影响其它订单
func (m *Manager) PlaceQuotes(ctx context.Context, symbol string, quotes []strategy.Quote) PlaceReport {
	var report PlaceReport
	c := m.Constraints(ctx, symbol)

	for _, q := range quotes {
		if ctx.Err() != nil {
			break
		}
		price, qty, err := c.Normalize(q.Price, q.Size, q.Side)
		if err != nil {
			report.Skipped++
			m.logger.Debug("skip quote",
				zap.String("symbol", symbol), zap.String("side", string(q.Side)), zap.Error(err))
			continue
		}

		now := m.now()
		o := Order{
			ClientID:    m.newClientID(),
			Symbol:      symbol,
			Side:        q.Side,
			Level:       q.Level,
			Price:       price,
			Quantity:    qty,
			TimeInForce: q.TimeInForce,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.book.Set(o)

		req := gateway.PlaceRequest{
			Symbol:      symbol,
			Side:        o.Side,
			Qty:         qty,
			Price:       price,
			ClientID:    o.ClientID,
			TimeInForce: o.TimeInForce,
		}
		var orderID string
		// 重试沿用同一个ClientID，交易所会拒绝重复提交
		err = m.withRetry(ctx, "place_order", symbol, func(ctx context.Context) error {
			id, err := m.ex.PlaceOrder(ctx, req)
			orderID = id
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				// 被停止打断，留给扫尾处理
				m.book.Delete(o.ClientID)
				break
			}
			o = m.transition(o, StatusRejected)
			o.LastError = err.Error()
			m.book.Set(o)
			report.Rejected++
			report.Orders = append(report.Orders, o)
			m.monitor.RecordOrderRejected(symbol)
			m.logger.LogOrder("rejected", o.ClientID, map[string]interface{}{
				"symbol": symbol, "side": string(o.Side), "price": price, "qty": qty, "error": err.Error(),
			})
			continue
		}

		o.ID = orderID
		o = m.transition(o, StatusPlaced)
		m.book.Set(o)
		report.Placed++
		report.Orders = append(report.Orders, o)
		m.monitor.RecordOrderPlaced(symbol, string(o.Side))
		m.logger.LogOrder("placed", o.ClientID, map[string]interface{}{
			"symbol": symbol, "order_id": orderID, "side": string(o.Side), "level": o.Level,
			"price": price, "qty": qty, "tif": string(o.TimeInForce),
		})
	}
	return report
}

func (m *Manager) transition(o Order, st Status) Order {
	if err := m.sm.ValidateTransition(o.Status, st); err != nil {
		m.logger.LogOrder("invalid_transition", o.ClientID, map[string]interface{}{"error": err.Error()})
		return o
	}
	o.Status = st
	o.UpdatedAt = m.now()
	return o
}

// withRetry 每次尝试前先取令牌
func (m *Manager) withRetry(ctx context.Context, op, symbol string, fn func(ctx context.Context) error) error {
	return m.cfg.Retry.Do(ctx, op, symbol, func(ctx context.Context) error {
		if m.cfg.Limiter != nil {
			if err := m.cfg.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	}, func(attempt int, err error) {
		m.monitor.RecordOrderRetry(symbol)
		m.logger.Warn("retrying order call",
			zap.String("op", op), zap.String("symbol", symbol), zap.Int("attempt", attempt), zap.Error(err))
	})
}

// constraintRetryAfter 退回默认精度后，隔多久再向交易所查询
const constraintRetryAfter = 30 * time.Second

// cachedConstraints retryAt 为零表示来自配置或交易所，不再查询
type cachedConstraints struct {
	c       SymbolConstraints
	retryAt time.Time
}

// Constraints 返回交易对精度。查询成功的结果一直缓存；
// 退回默认值时只缓存 constraintRetryAfter，之后重新查询
func (m *Manager) Constraints(ctx context.Context, symbol string) SymbolConstraints {
	now := m.now()
	m.mu.Lock()
	cached, ok := m.constraints[symbol]
	m.mu.Unlock()
	if ok && (cached.retryAt.IsZero() || now.Before(cached.retryAt)) {
		return cached.c
	}
	c, err := m.cfg.Constraints.Resolve(ctx, symbol)
	entry := cachedConstraints{c: c}
	if err != nil {
		entry.retryAt = now.Add(constraintRetryAfter)
		m.logger.Warn("using default precision", zap.String("symbol", symbol), zap.Error(err))
	}
	m.mu.Lock()
	m.constraints[symbol] = entry
	m.mu.Unlock()
	return c
}

// Tracked 当前仍在簿中的订单
func (m *Manager) Tracked(symbol string) []Order {
	return m.book.List(symbol)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
