package metrics

import "github.com/prometheus/client_golang/prometheus"

// SweepMetrics covers the periodic closing sweep and the reconciler.
type SweepMetrics struct {
	Ticks              *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	PollsClosed        prometheus.Counter
	NotifyFailures     prometheus.Counter
	ChainBreaks        prometheus.Counter
	RepairedIncrements prometheus.Counter
}

func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	m := &SweepMetrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "ticks_total",
			Help:      "Closing sweep ticks, by outcome (ran, skipped, failed).",
		}, []string{"outcome"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one closing sweep in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PollsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "polls_closed_total",
			Help:      "Polls transitioned to closed by the sweep.",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "notify_failures_total",
			Help:      "Result notifications that could not be delivered.",
		}),
		ChainBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "chain_breaks_total",
			Help:      "Audit chains found broken during reconciliation.",
		}),
		RepairedIncrements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "repaired_increments_total",
			Help:      "Aggregate increments re-applied by the reconciler.",
		}),
	}

	reg.MustRegister(m.Ticks, m.TickDuration, m.PollsClosed, m.NotifyFailures, m.ChainBreaks, m.RepairedIncrements)
	return m
}
