package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.OrderRejected("insufficient_funds")
	m.OrderRejected("insufficient_funds")
	m.TradeMatched("AAPL", 100)
	m.OrdersPurged(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues("insufficient_funds")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tradeVolume.WithLabelValues("AAPL")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ordersPurged))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.OrderSubmitted("BUY")
	m.SettlementStepFailed("seller_balance")
	m.StartMatchPass()()
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.OrderCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "stockmatch_orders_created_total 1"))
}
