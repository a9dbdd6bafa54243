package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the contracts service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	charges         *prometheus.CounterVec
	penalties       prometheus.Counter
	notifications   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	billingDue      prometheus.Gauge
	breakerState    *prometheus.GaugeVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contracts_request_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contracts_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contracts_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contracts_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		charges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contracts_charges_total",
				Help: "Gateway charge attempts by outcome.",
			},
			[]string{"outcome"},
		),
		penalties: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contracts_penalties_total",
				Help: "Missed-period penalties applied.",
			},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contracts_notifications_total",
				Help: "Notifications emitted by kind.",
			},
			[]string{"kind"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contracts_transitions_total",
				Help: "Lifecycle transitions applied.",
			},
			[]string{"from", "to"},
		),
		billingDue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "contracts_billing_due",
				Help: "Contracts found due in the last billing run.",
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contracts_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
			},
			[]string{"name"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrCharge counts a gateway charge outcome (succeeded, failed, timeout, error).
func (m *Metrics) IncrCharge(outcome string) {
	m.charges.WithLabelValues(outcome).Inc()
}

// IncrPenalty counts an applied penalty.
func (m *Metrics) IncrPenalty() {
	m.penalties.Inc()
}

// IncrNotification counts an emitted notification.
func (m *Metrics) IncrNotification(kind string) {
	m.notifications.WithLabelValues(kind).Inc()
}

// IncrTransition counts a lifecycle transition.
func (m *Metrics) IncrTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetBillingDue records how many contracts the last billing run found due.
func (m *Metrics) SetBillingDue(n int) {
	m.billingDue.Set(float64(n))
}

// SetBreakerState records a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// ChargeCount returns the cumulative count for a charge outcome.
func (m *Metrics) ChargeCount(outcome string) float64 {
	return getCounterValue(m.charges.WithLabelValues(outcome))
}

// PenaltyCount returns the cumulative penalty count.
func (m *Metrics) PenaltyCount() float64 {
	return getCounterValue(m.penalties)
}

// NotificationCount returns the cumulative count for a notification kind.
func (m *Metrics) NotificationCount(kind string) float64 {
	return getCounterValue(m.notifications.WithLabelValues(kind))
}

// getCounterValue extracts the current float64 value from a counter.
func getCounterValue(counter prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
