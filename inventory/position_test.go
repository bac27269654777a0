package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"adaptive-market-maker/gateway"
)

func TestTrackerAverageCost(t *testing.T) {
	var tr Tracker
	tr.ApplyFill(gateway.SideBuy, 1, 100, 0)
	if tr.NetExposure() != 1 {
		t.Fatalf("expected net 1")
	}
	if tr.AvgCost() != 100 {
		t.Fatalf("expected cost 100 got %f", tr.AvgCost())
	}
	tr.ApplyFill(gateway.SideBuy, 1, 110, 0)
	assert.InDelta(t, 105, tr.AvgCost(), 1e-9)
}

type fill struct {
	side             gateway.Side
	qty, price, fee float64
}

func TestTrackerRealizedPnL(t *testing.T) {
	tests := []struct {
		name     string
		fills    []fill
		net      float64
		cost     float64
		realized float64
	}{
		{
			name: "round trip long",
			fills: []fill{
				{gateway.SideBuy, 2, 100, 0.2},
				{gateway.SideSell, 2, 110, 0.22},
			},
			net: 0, cost: 0, realized: 20 - 0.2 - 0.22,
		},
		{
			name: "partial close keeps cost",
			fills: []fill{
				{gateway.SideBuy, 2, 100, 0},
				{gateway.SideSell, 1, 90, 0},
			},
			net: 1, cost: 100, realized: -10,
		},
		{
			name: "short then cover",
			fills: []fill{
				{gateway.SideSell, 1, 100, 0},
				{gateway.SideBuy, 1, 95, 0},
			},
			net: 0, cost: 0, realized: 5,
		},
		{
			name: "flip opens at fill price",
			fills: []fill{
				{gateway.SideBuy, 1, 100, 0},
				{gateway.SideSell, 3, 120, 0},
			},
			net: -2, cost: 120, realized: 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr Tracker
			for _, f := range tt.fills {
				tr.ApplyFill(f.side, f.qty, f.price, f.fee)
			}
			assert.InDelta(t, tt.net, tr.NetExposure(), 1e-9)
			assert.InDelta(t, tt.cost, tr.AvgCost(), 1e-9)
			assert.InDelta(t, tt.realized, tr.Realized(), 1e-9)
		})
	}
}

func TestApplyFillIgnoresInvalid(t *testing.T) {
	var tr Tracker
	assert.Equal(t, Realization{}, tr.ApplyFill(gateway.SideBuy, 0, 100, 0))
	assert.Equal(t, 0.0, tr.NetExposure())
}
