package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAndGauges(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderPlaced("BTCUSDT", "BUY")
	m.RecordOrderPlaced("BTCUSDT", "BUY")
	m.RecordOrderFilled("BTCUSDT")
	m.RecordConsensus("BTCUSDT", "reached", 0.75)
	m.UpdateRisk(1000, 0.05, 0.1, -12, 1.4)
	m.UpdateEpsilon("BTCUSDT", 0.3)
	m.UpdateSessionState(2)
	m.RecordIteration()
	m.UpdateBufferSize("BTCUSDT", 17)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("BTCUSDT", "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersFilled.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consensus.WithLabelValues("BTCUSDT", "reached")))
	assert.Equal(t, 0.1, testutil.ToFloat64(m.maxDrawdown))
	assert.Equal(t, 0.3, testutil.ToFloat64(m.epsilon.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.strength.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.4, testutil.ToFloat64(m.sharpe))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.iterations))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.bufferSize.WithLabelValues("BTCUSDT")))
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.RecordOrderPlaced("X", "BUY")
		m.RecordCycle("X", 0.1)
		m.UpdateRisk(1, 0, 0, 0, 0)
		m.UpdateSessionState(0)
		m.RecordAPIError("place")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordCycle("ETHUSDT", 0.02)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "amm_trading_cycles_total"))
	assert.True(t, strings.Contains(body, `symbol="ETHUSDT"`))
}
