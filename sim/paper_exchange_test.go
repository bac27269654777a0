package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptive-market-maker/gateway"
)

func newPaper(t *testing.T) *PaperExchange {
	t.Helper()
	p, err := NewPaperExchange(PaperConfig{
		Markets: []Market{{
			Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Price: 100,
			Filters: gateway.SymbolFilters{TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
		}},
		Balances: map[string]float64{"USDT": 1000, "BTC": 2},
		FeeRate:  0.001,
		Seed:     1,
	})
	require.NoError(t, err)
	return p
}

func TestPaperRestingOrderFillsOnCross(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, gateway.PlaceRequest{Symbol: "BTCUSDT", Side: gateway.SideBuy, Qty: 1, Price: 99, ClientID: "c1", TimeInForce: gateway.TIFPostOnly})
	require.NoError(t, err)

	bal, _ := p.GetAccountBalance(ctx)
	assert.InDelta(t, 901, bal["USDT"].Free, 1e-9)
	assert.InDelta(t, 99, bal["USDT"].Locked, 1e-9)

	require.NoError(t, p.SetPrice("BTCUSDT", 99.5))
	open, err := p.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].OrderID)

	require.NoError(t, p.SetPrice("BTCUSDT", 98.9))
	open, _ = p.GetOpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)

	bal, _ = p.GetAccountBalance(ctx)
	assert.InDelta(t, 3, bal["BTC"].Free, 1e-9)
	assert.InDelta(t, 0, bal["USDT"].Locked, 1e-9)
	assert.InDelta(t, 901-0.099, bal["USDT"].Free, 1e-9)

	fills := p.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, "c1", fills[0].ClientID)
	assert.Equal(t, 99.0, fills[0].Price)
}

func TestPaperPostOnlyRejectsCrossingOrder(t *testing.T) {
	p := newPaper(t)
	_, err := p.PlaceOrder(context.Background(), gateway.PlaceRequest{Symbol: "BTCUSDT", Side: gateway.SideSell, Qty: 1, Price: 99.9, TimeInForce: gateway.TIFPostOnly})
	var apiErr *gateway.ExternalAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codePostOnly, apiErr.Code)
	assert.False(t, gateway.IsTemporary(err))

	// GTC 穿价立即成交
	_, err = p.PlaceOrder(context.Background(), gateway.PlaceRequest{Symbol: "BTCUSDT", Side: gateway.SideSell, Qty: 1, Price: 99.9, TimeInForce: gateway.TIFGoodTillCancel})
	require.NoError(t, err)
	assert.Equal(t, 0, p.OpenOrderCount())
	assert.Len(t, p.Fills(), 1)
}

func TestPaperCancelAndDuplicateClientID(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	req := gateway.PlaceRequest{Symbol: "BTCUSDT", Side: gateway.SideSell, Qty: 0.5, Price: 101, ClientID: "dup", TimeInForce: gateway.TIFPostOnly}
	id1, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	id2, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, p.OpenOrderCount())

	require.NoError(t, p.CancelOrder(ctx, "BTCUSDT", id1))
	bal, _ := p.GetAccountBalance(ctx)
	assert.InDelta(t, 2, bal["BTC"].Free, 1e-9)
	assert.InDelta(t, 0, bal["BTC"].Locked, 1e-9)

	err = p.CancelOrder(ctx, "BTCUSDT", id1)
	assert.ErrorIs(t, err, gateway.ErrOrderNotFound)
}

func TestPaperInsufficientBalance(t *testing.T) {
	p := newPaper(t)
	_, err := p.PlaceOrder(context.Background(), gateway.PlaceRequest{Symbol: "BTCUSDT", Side: gateway.SideSell, Qty: 5, Price: 101})
	require.Error(t, err)
	assert.Equal(t, 0, p.OpenOrderCount())
}

func TestPaperMarketData(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	require.NoError(t, p.SetPath("BTCUSDT", []float64{101, 102}))
	p.Advance()
	p.Advance()

	price, err := p.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 102.0, price)

	book, err := p.GetOrderBook(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, book.Bids, bookLevels)
	assert.InDelta(t, 102, book.Mid(), 1e-9)
	assert.Less(t, book.BestBid(), book.BestAsk())

	klines, err := p.GetKlines(ctx, "BTCUSDT", "1m", 3)
	require.NoError(t, err)
	require.Len(t, klines, 3)
	assert.Equal(t, 101.0, klines[1].Close)
	assert.Equal(t, 102.0, klines[2].Close)
	assert.True(t, klines[2].OpenTime.After(klines[1].OpenTime))

	f, err := p.GetSymbolFilters(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.01, f.TickSize)

	_, err = p.GetPrice(ctx, "DOGEUSDT")
	assert.Error(t, err)
}

func TestPaperFailureInjection(t *testing.T) {
	p := newPaper(t)
	boom := &gateway.ExternalAPIError{Op: "get_open_orders", Status: 503, Err: errors.New("maintenance")}
	p.FailNext("list", boom)

	_, err := p.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, boom)
	_, err = p.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
}

func TestNewPaperExchangeValidates(t *testing.T) {
	_, err := NewPaperExchange(PaperConfig{})
	assert.Error(t, err)
	_, err = NewPaperExchange(PaperConfig{Markets: []Market{{Symbol: "X"}}})
	assert.Error(t, err)
}
