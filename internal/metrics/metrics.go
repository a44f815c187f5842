// Package metrics is the gateway's Prometheus instrumentation surface:
// request counters, latency/token histograms, provider health gauges, and
// policy-violation counters, served over /metrics.
//
// Grounded on the teacher's observability/metrics.go TrackRequest/
// TrackProviderHealth/TrackSafetyViolation helper shape and its label
// sets, rewired onto github.com/prometheus/client_golang (already in the
// dependency set) instead of the teacher's hand-rolled counter/gauge/
// histogram/exposition-format code, since a maintained client exists for
// exactly this concern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's Prometheus registry and named instruments.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	providerHealthy *prometheus.GaugeVec
	blockedTotal    *prometheus.CounterVec
	breakerTrips    *prometheus.CounterVec
	selectionPool   *prometheus.HistogramVec
}

// New creates a Metrics registry with all instruments registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completed dispatch attempts by provider, model, and HTTP status text.",
		}, []string{"provider", "model", "status"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Upstream request latency by provider and model.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		tokensTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Token counts by provider, model, and token kind.",
		}, []string{"provider", "model", "kind"}),
		costTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Accumulated USD cost by provider and model.",
		}, []string{"provider", "model"}),
		providerHealthy: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_healthy",
			Help: "1 if the provider's circuit breaker is closed, 0 if open.",
		}, []string{"provider"}),
		blockedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_blocked_requests_total",
			Help: "Requests blocked before dispatch, by reason.",
		}, []string{"reason"}),
		breakerTrips: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_trips_total",
			Help: "Circuit breaker open transitions by provider.",
		}, []string{"provider"}),
		selectionPool: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_selection_pool_size",
			Help:    "Surviving candidate count at the final selector filter.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}, []string{"model"}),
	}
	return m
}

// TrackRequest records one completed dispatch attempt.
func (m *Metrics) TrackRequest(provider, model string, statusCode int, duration time.Duration, usageTokens map[string]int64) {
	status := http.StatusText(statusCode)
	if status == "" {
		status = "unknown"
	}
	m.requestsTotal.WithLabelValues(provider, model, status).Inc()
	m.requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	for kind, n := range usageTokens {
		if n > 0 {
			m.tokensTotal.WithLabelValues(provider, model, kind).Add(float64(n))
		}
	}
}

// TrackCost adds delta USD to the provider/model cost counter.
func (m *Metrics) TrackCost(provider, model string, delta float64) {
	if delta > 0 {
		m.costTotal.WithLabelValues(provider, model).Add(delta)
	}
}

// TrackProviderHealth reflects a breaker's closed/open state as a gauge.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(v)
}

// TrackBlocked records a pre-dispatch rejection (sensitive word, auth
// failure, no candidate provider, etc).
func (m *Metrics) TrackBlocked(reason string) {
	m.blockedTotal.WithLabelValues(reason).Inc()
}

// TrackBreakerTrip records a provider's circuit opening.
func (m *Metrics) TrackBreakerTrip(provider string) {
	m.breakerTrips.WithLabelValues(provider).Inc()
}

// TrackSelectionPool records the candidate count surviving to the final
// weighted draw, for spotting models with thin provider coverage.
func (m *Metrics) TrackSelectionPool(model string, poolSize int) {
	m.selectionPool.WithLabelValues(model).Observe(float64(poolSize))
}

// Handler exposes the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
