package gateway

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy 有界重试，退避时间指数增长
type RetryPolicy struct {
	MaxRetries int           // 首次调用之外的重试次数
	Backoff    time.Duration // 首次退避
	MaxBackoff time.Duration
}

// DefaultRetryPolicy 默认重试2次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Do 执行fn，只有可重试错误才会重试。最终失败统一包装为 *ExternalAPIError，
// onRetry 在每次重试前调用，可为nil
func (p RetryPolicy) Do(ctx context.Context, op, symbol string, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	backoff := p.Backoff
	var err error
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, err)
			}
			if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
				break
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
		attempts++
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTemporary(err) {
			break
		}
	}
	return wrapAttempts(err, op, symbol, attempts)
}

func wrapAttempts(err error, op, symbol string, attempts int) error {
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) {
		out := *apiErr
		out.Attempts = attempts
		if out.Symbol == "" {
			out.Symbol = symbol
		}
		return &out
	}
	return &ExternalAPIError{Op: op, Symbol: symbol, Attempts: attempts, Err: err}
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
