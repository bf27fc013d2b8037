package metrics

import "github.com/prometheus/client_golang/prometheus"

// Vote results used as the "result" label.
const (
	ResultAccepted     = "accepted"
	ResultAlreadyVoted = "already_voted"
	ResultNotStarted   = "not_started"
	ResultEnded        = "ended"
	ResultNotFound     = "not_found"
	ResultError        = "error"
)

type VoteMetrics struct {
	VotesProcessed     *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	VotesByChoice      *prometheus.CounterVec
	AppendConflicts    prometheus.Counter
}

func NewVoteMetrics(reg prometheus.Registerer) *VoteMetrics {
	m := &VoteMetrics{
		VotesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_processed_total",
			Help:      "Total number of vote registrations, by result.",
		}, []string{"result"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "votes_processing_duration_seconds",
			Help:      "Duration of vote registration in seconds, including audit append retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		VotesByChoice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_by_choice_total",
			Help:      "Total number of accepted votes, by choice.",
		}, []string{"choice"}),
		AppendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "append_conflicts_total",
			Help:      "Audit appends that lost the race for the next sequence number and were retried.",
		}),
	}

	reg.MustRegister(m.VotesProcessed, m.ProcessingDuration, m.VotesByChoice, m.AppendConflicts)
	return m
}
