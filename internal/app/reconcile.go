package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/tally"
)

// AuditReport is the outcome of checking one poll's audit log against its
// aggregate.
type AuditReport struct {
	PollID      string       `json:"poll_id"`
	Entries     int64        `json:"entries"`
	TotalVotes  int64        `json:"total_votes"`
	Voters      int64        `json:"voters"`
	ChainIntact bool         `json:"chain_intact"`
	BrokenAtSeq int64        `json:"broken_at_seq,omitempty"`
	Problem     string       `json:"problem,omitempty"`
	Missing     domain.Delta `json:"missing,omitempty"`
	Repaired    bool         `json:"repaired"`
}

// Consistent reports whether log, voter keys and aggregate agree.
func (r *AuditReport) Consistent() bool {
	return r.ChainIntact && r.Entries == r.TotalVotes && r.Voters == r.TotalVotes && len(r.Missing) == 0
}

// Reconciler replays audit logs to find, and optionally restore, aggregate
// increments that never landed.
type Reconciler struct {
	store   domain.Store
	metrics *metrics.SweepMetrics
}

func NewReconciler(store domain.Store, m *metrics.SweepMetrics) *Reconciler {
	return &Reconciler{store: store, metrics: m}
}

// Check inspects pollID without writing anything.
func (r *Reconciler) Check(ctx context.Context, pollID string) (*AuditReport, error) {
	report, err := r.inspect(ctx, pollID)
	return report, err
}

// Reconcile inspects pollID and re-applies missing increments. A broken
// chain is reported but never repaired: the log itself is not trustworthy.
func (r *Reconciler) Reconcile(ctx context.Context, pollID string) (*AuditReport, error) {
	report, err := r.inspect(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !report.ChainIntact || len(report.Missing) == 0 {
		return report, nil
	}

	if _, err := r.store.IncrementAggregate(ctx, pollID, report.Missing); err != nil {
		return nil, fmt.Errorf("failed to re-apply missing increments: %w", err)
	}
	report.Repaired = true

	var repaired int64
	for _, n := range report.Missing {
		repaired += n
	}
	r.metrics.RepairedIncrements.Add(float64(repaired))
	slog.WarnContext(ctx, "Aggregate repaired from audit log", "poll_id", pollID, "missing", report.Missing)
	return report, nil
}

// ReconcileAll runs Reconcile over every poll and returns one report each.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]AuditReport, error) {
	return r.forEachPoll(ctx, r.Reconcile)
}

// CheckAll is ReconcileAll without repairs.
func (r *Reconciler) CheckAll(ctx context.Context) ([]AuditReport, error) {
	return r.forEachPoll(ctx, r.Check)
}

func (r *Reconciler) forEachPoll(ctx context.Context, fn func(context.Context, string) (*AuditReport, error)) ([]AuditReport, error) {
	polls, err := r.store.ListPolls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", err)
	}

	reports := make([]AuditReport, 0, len(polls))
	for _, p := range polls {
		report, err := fn(ctx, p.ID)
		if errors.Is(err, domain.ErrPollNotFound) {
			continue
		}
		if err != nil {
			return reports, fmt.Errorf("poll %s: %w", p.ID, err)
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (r *Reconciler) inspect(ctx context.Context, pollID string) (*AuditReport, error) {
	agg, err := r.store.GetAggregate(ctx, pollID)
	if err != nil {
		return nil, err
	}
	entries, err := r.store.ListAudit(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	voters, err := r.store.CountVoters(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to count voters: %w", err)
	}

	report := &AuditReport{
		PollID:      pollID,
		Entries:     int64(len(entries)),
		TotalVotes:  agg.TotalVotes,
		Voters:      voters,
		ChainIntact: true,
	}

	if err := tally.VerifyChain(pollID, entries); err != nil {
		var chainErr *tally.ChainError
		if !errors.As(err, &chainErr) {
			return nil, err
		}
		report.ChainIntact = false
		report.BrokenAtSeq = chainErr.Seq
		report.Problem = chainErr.Reason
		r.metrics.ChainBreaks.Inc()
		slog.ErrorContext(ctx, "Audit chain broken", "poll_id", pollID, "seq", chainErr.Seq, "reason", chainErr.Reason)
		return report, nil
	}

	want, err := tally.Replay(pollID, entries)
	if err != nil {
		return nil, err
	}
	if missing := tally.Diff(want, agg); len(missing) > 0 {
		report.Missing = missing
	}

	switch {
	case report.Entries != report.TotalVotes:
		report.Problem = fmt.Sprintf("audit log has %d entries but total_votes is %d", report.Entries, report.TotalVotes)
	case report.Voters != report.TotalVotes:
		report.Problem = fmt.Sprintf("%d voter keys but total_votes is %d", report.Voters, report.TotalVotes)
	}
	return report, nil
}
