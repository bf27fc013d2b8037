package metrics

import "github.com/prometheus/client_golang/prometheus"

// StorageMetrics tracks backend latency and health as seen by the circuit breaker.
type StorageMetrics struct {
	QueryDuration              *prometheus.HistogramVec
	CircuitBreakerState        *prometheus.GaugeVec
	CircuitBreakerStateChanges *prometheus.CounterVec
	Errors                     *prometheus.CounterVec
}

func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "query_duration_seconds",
			Help:      "Storage command latency, by backend and operation.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"backend", "operation"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
		}, []string{"backend"}),
		CircuitBreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Circuit breaker transitions, by backend and new state.",
		}, []string{"backend", "state"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Storage command failures, by backend.",
		}, []string{"backend"}),
	}

	reg.MustRegister(m.QueryDuration, m.CircuitBreakerState, m.CircuitBreakerStateChanges, m.Errors)
	return m
}
