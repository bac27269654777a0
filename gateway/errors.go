package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOrderNotFound 撤单时订单已不存在（通常已成交或已撤）
	ErrOrderNotFound = errors.New("order not found")
	// ErrCircuitOpen 熔断中，调用被拒绝
	ErrCircuitOpen = errors.New("circuit breaker is open")

	errUnsupported = errors.New("operation not supported")
)

// ExternalAPIError 交易所或LLM调用失败
type ExternalAPIError struct {
	Op       string // 例如 place_order
	Symbol   string
	Status   int // HTTP状态码，传输层失败时为0
	Code     int // 交易所业务错误码
	Attempts int
	Err      error
}

func (e *ExternalAPIError) Error() string {
	msg := e.Op
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalAPIError) Unwrap() error { return e.Err }

// Temporary 传输失败、限流和5xx可重试；其它4xx不可重试
func (e *ExternalAPIError) Temporary() bool {
	if errors.Is(e.Err, ErrOrderNotFound) || errors.Is(e.Err, errUnsupported) || errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// IsTemporary 判断err是否值得重试
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// 单次调用超时视为可重试
	return errors.Is(err, context.DeadlineExceeded)
}
