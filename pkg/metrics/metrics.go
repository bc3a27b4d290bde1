// Package metrics exposes prometheus instruments for the order pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockmatch"

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted   *prometheus.CounterVec
	ordersRejected    *prometheus.CounterVec
	ordersCreated     prometheus.Counter
	trades            *prometheus.CounterVec
	tradeVolume       *prometheus.CounterVec
	settlementFailure *prometheus.CounterVec
	ordersPurged      prometheus.Counter
	matchPass         prometheus.Histogram
	apiRequests       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by intake and published",
		}, []string{"side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by intake validation",
		}, []string{"reason"}),
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders persisted by the order consumer",
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades produced by the matching engine",
		}, []string{"symbol"}),
		tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_shares_total",
			Help:      "Shares executed by the matching engine",
		}, []string{"symbol"}),
		settlementFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_step_failures_total",
			Help:      "Failed settlement mutations",
		}, []string{"step"}),
		ordersPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_purged_total",
			Help:      "Completed orders deleted by housekeeping",
		}),
		matchPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_pass_seconds",
			Help:      "Duration of a matching pass",
			Buckets:   prometheus.DefBuckets,
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersSubmitted, m.ordersRejected, m.ordersCreated,
		m.trades, m.tradeVolume, m.settlementFailure,
		m.ordersPurged, m.matchPass, m.apiRequests,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(side string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(side).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *Metrics) TradeMatched(symbol string, quantity int64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(symbol).Inc()
	m.tradeVolume.WithLabelValues(symbol).Add(float64(quantity))
}

func (m *Metrics) SettlementStepFailed(step string) {
	if m == nil {
		return
	}
	m.settlementFailure.WithLabelValues(step).Inc()
}

func (m *Metrics) OrdersPurged(n int) {
	if m == nil {
		return
	}
	m.ordersPurged.Add(float64(n))
}

// StartMatchPass returns a func that observes the pass duration when called.
func (m *Metrics) StartMatchPass() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() { m.matchPass.Observe(time.Since(start).Seconds()) }
}

func (m *Metrics) APIRequest(route string, code string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, code).Inc()
}
