package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptive-market-maker/gateway"
)

type fakeExchange struct {
	gateway.Exchange
	price     float64
	priceErr  error
	book      gateway.OrderBook
	bookErr   error
	klines    []gateway.Kline
	klinesErr error
}

func (f *fakeExchange) GetPrice(context.Context, string) (float64, error) {
	return f.price, f.priceErr
}

func (f *fakeExchange) GetOrderBook(context.Context, string) (gateway.OrderBook, error) {
	return f.book, f.bookErr
}

func (f *fakeExchange) GetKlines(context.Context, string, string, int) ([]gateway.Kline, error) {
	return f.klines, f.klinesErr
}

func makeKlines(closes ...float64) []gateway.Kline {
	out := make([]gateway.Kline, len(closes))
	for i, c := range closes {
		out[i] = gateway.Kline{Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: float64(10 + i)}
	}
	return out
}

func TestExtractFullData(t *testing.T) {
	ex := &fakeExchange{
		price: 100,
		book: gateway.OrderBook{
			Bids: []gateway.PriceLevel{{Price: 99.95, Qty: 3}},
			Asks: []gateway.PriceLevel{{Price: 100.05, Qty: 1}},
		},
		klines: makeKlines(100, 101, 100.5, 102, 101.5),
	}
	e := NewExtractor(ex, ExtractorConfig{KlineInterval: "1m"}, nil)

	snap, err := e.Extract(context.Background(), "BTCUSDT", 0.4, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	st := snap.State

	assert.Equal(t, 100.0, st.Price)
	assert.InDelta(t, 0.1/100, st.Spread, 1e-12)
	assert.False(t, st.SpreadDefaulted)
	assert.False(t, st.VolatilityDefaulted)
	assert.Greater(t, st.Volatility, 0.0)
	assert.Equal(t, 0.4, st.Inventory)
	// 06:00 => sin(pi/2)=1
	assert.InDelta(t, 1.0, st.TimeFeatures[0], 1e-9)
	assert.InDelta(t, 0.5, st.MarketFeatures[1], 1e-9)

	v := st.Vector()
	require.Len(t, v, StateSize)
	assert.Equal(t, 1.0, v[0])
	for i, x := range v {
		assert.False(t, math.IsNaN(x), "dim %d", i)
		assert.LessOrEqual(t, math.Abs(x), 1.0, "dim %d", i)
	}
}

func TestExtractFallsBackToDefaults(t *testing.T) {
	ex := &fakeExchange{
		price:     50,
		bookErr:   errors.New("book down"),
		klinesErr: errors.New("klines down"),
	}
	e := NewExtractor(ex, ExtractorConfig{}, nil)

	snap, err := e.Extract(context.Background(), "ETHUSDT", 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, DefaultSpread, snap.State.Spread)
	assert.Equal(t, DefaultVolatility, snap.State.Volatility)
	assert.True(t, snap.State.SpreadDefaulted)
	assert.True(t, snap.State.VolatilityDefaulted)
}

func TestExtractInvalidPrice(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		err   error
	}{
		{"fetch error", 0, errors.New("timeout")},
		{"zero", 0, nil},
		{"negative", -1, nil},
		{"nan", math.NaN(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor(&fakeExchange{price: tt.price, priceErr: tt.err}, ExtractorConfig{}, nil)
			_, err := e.Extract(context.Background(), "X", 0, time.Now())
			var ime *InvalidMarketDataError
			assert.True(t, errors.As(err, &ime))
		})
	}
}

func TestRealizedVolatility(t *testing.T) {
	_, ok := RealizedVolatility([]float64{100, 101}, 365)
	assert.False(t, ok, "one return is not enough")

	_, ok = RealizedVolatility([]float64{100, 0, -1, 101}, 365)
	assert.False(t, ok, "malformed closes are skipped")

	flat, ok := RealizedVolatility([]float64{100, 100, 100}, 365)
	assert.True(t, ok)
	assert.Equal(t, 0.0, flat)

	// 收益率交替 +r/-r，标准差为 r
	r := math.Log(1.01)
	vol, ok := RealizedVolatility([]float64{100, 101, 100, 101, 100}, 4)
	assert.True(t, ok)
	assert.InDelta(t, r*2, vol, 1e-9)
}

func TestPeriodsPerYear(t *testing.T) {
	assert.Equal(t, 525600.0, PeriodsPerYear("1m"))
	assert.Equal(t, 8760.0, PeriodsPerYear("1h"))
	assert.Equal(t, 365.0, PeriodsPerYear("1d"))
	assert.Equal(t, 0.0, PeriodsPerYear("xx"))
	assert.Equal(t, 0.0, PeriodsPerYear(""))
}

func TestFeatures(t *testing.T) {
	assert.Equal(t, 0.0, Momentum(nil))
	assert.Greater(t, Momentum(makeKlines(100, 100, 110)), 0.0)
	assert.Less(t, Momentum(makeKlines(100, 100, 90)), 0.0)

	assert.Equal(t, 0.0, CalculateImbalance(0, 0))
	assert.Equal(t, -1.0, BookImbalance(gateway.OrderBook{Asks: []gateway.PriceLevel{{Price: 1, Qty: 1}}}, 5))

	atr := ATR([]gateway.Kline{{Close: 100}, {High: 102, Low: 99, Close: 101}})
	assert.Equal(t, 3.0, atr)
}
