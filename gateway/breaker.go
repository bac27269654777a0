package gateway

import (
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 关闭状态 - 正常运行
	BreakerClosed BreakerState = iota
	// BreakerOpen 打开状态 - 熔断，拒绝所有请求
	BreakerOpen
	// BreakerHalfOpen 半开状态 - 放行一次试探
	BreakerHalfOpen
)

// String 返回状态名称
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker 连续失败达到阈值后在cooldown内拒绝调用
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	state           BreakerState
	consecutiveFail int
	openTime        time.Time
	now             func() time.Time

	mu sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow 调用前检查；冷却期满后转为半开并放行
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.openTime) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
	}
	return nil
}

// Record 记录调用结果。只有可重试类错误计入失败，业务拒绝不触发熔断
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !IsTemporary(err) {
		cb.consecutiveFail = 0
		cb.state = BreakerClosed
		return
	}

	cb.consecutiveFail++
	if cb.state == BreakerHalfOpen || cb.consecutiveFail >= cb.threshold {
		cb.state = BreakerOpen
		cb.openTime = cb.now()
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
