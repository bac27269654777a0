package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transient = &ExternalAPIError{Op: "x", Status: 503, Err: errors.New("unavailable")}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	err := p.Do(context.Background(), "op", "S", func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryBoundedAndWrapped(t *testing.T) {
	calls, retries := 0, 0
	p := RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}
	err := p.Do(context.Background(), "place_order", "BTCUSDT", func(context.Context) error {
		calls++
		return transient
	}, func(int, error) { retries++ })

	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
	var apiErr *ExternalAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Equal(t, "BTCUSDT", apiErr.Symbol)
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Millisecond}
	err := p.Do(context.Background(), "op", "", func(context.Context) error {
		calls++
		return &ExternalAPIError{Op: "op", Status: 400, Err: errors.New("bad request")}
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Hour}
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, "op", "", func(context.Context) error {
		calls++
		return transient
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.Record(transient)
	assert.Equal(t, BreakerClosed, cb.State())
	cb.Record(transient)
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// 业务拒绝不计入失败
	cb2 := NewCircuitBreaker(1, time.Minute)
	cb2.Record(&ExternalAPIError{Status: 400})
	assert.Equal(t, BreakerClosed, cb2.State())

	now = now.Add(time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	cb.Record(transient)
	assert.Equal(t, BreakerOpen, cb.State())

	now = now.Add(time.Minute)
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, "CLOSED", cb.State().String())
}

func TestTokenBucketLimiter(t *testing.T) {
	l := NewTokenBucketLimiter(50, 2)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	// 前两个令牌立即可用，后两个约需 40ms
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	slow := NewTokenBucketLimiter(0.001, 1)
	require.NoError(t, slow.Wait(ctx))
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.Wait(cctx), context.DeadlineExceeded)
}

type flakyExchange struct {
	Exchange
	priceCalls int
	placeCalls int
	failFirst  int
}

func (f *flakyExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	f.priceCalls++
	if f.priceCalls <= f.failFirst {
		return 0, transient
	}
	return 100, nil
}

func (f *flakyExchange) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	f.placeCalls++
	return "", transient
}

func (f *flakyExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResilientRetriesReadsOnly(t *testing.T) {
	inner := &flakyExchange{failFirst: 2}
	r := NewResilient(inner, ResilientOptions{
		Retry:       RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
		CallTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	price, err := r.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
	assert.Equal(t, 3, inner.priceCalls)

	_, err = r.PlaceOrder(ctx, PlaceRequest{Symbol: "BTCUSDT"})
	assert.Error(t, err)
	assert.Equal(t, 1, inner.placeCalls)

	// 单次调用超时
	start := time.Now()
	_, err = r.GetKlines(ctx, "BTCUSDT", "1m", 10)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	_, err = r.GetSymbolFilters(ctx, "BTCUSDT")
	assert.Error(t, err)
	assert.False(t, IsTemporary(err))
}
