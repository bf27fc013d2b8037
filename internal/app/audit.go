package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/retry"
	"github.com/pscheid92/votetally/internal/tally"
)

const (
	appendRetryJitter = 10 * time.Millisecond
	appendRetryCeil   = 320 * time.Millisecond
)

// AuditChain appends to a poll's hash-chained audit log. Appends race on the
// next sequence number; the loser re-reads the head and tries again after a
// pause drawn from a window that doubles with every lost race.
type AuditChain struct {
	store   domain.TallyStore
	clock   clockwork.Clock
	policy  retry.Policy
	metrics *metrics.VoteMetrics
}

func NewAuditChain(store domain.TallyStore, clock clockwork.Clock, attempts int, m *metrics.VoteMetrics) *AuditChain {
	a := &AuditChain{store: store, clock: clock, metrics: m}
	a.policy = retry.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: appendRetryJitter,
		MaxBackoff:     appendRetryCeil,
		OnRetry: func(int, error, time.Duration) {
			a.metrics.AppendConflicts.Inc()
		},
	}
	return a
}

// Append adds one entry to the log of pollID and returns it.
func (a *AuditChain) Append(ctx context.Context, pollID string, vote domain.Vote, voterHash string, attrs domain.Attributes) (domain.AuditEntry, error) {
	entry, err := retry.Do(ctx, a.policy, classifyAppend, func(int) (domain.AuditEntry, error) {
		entry, err := a.next(ctx, pollID, vote, voterHash, attrs)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		if err := a.store.AppendAudit(ctx, entry); err != nil {
			return domain.AuditEntry{}, err
		}
		return entry, nil
	})
	return entry, unwrapPermanent(err)
}

// Record writes a whole ballot: voter key, aggregate increments and audit
// entry land together or not at all. The store links the entry to its head.
func (a *AuditChain) Record(ctx context.Context, pollID, voterHash string, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error) {
	ballot := domain.Ballot{
		PollID:     pollID,
		VoterHash:  voterHash,
		Vote:       vote,
		Attributes: attrs,
		Delta:      tally.NewDelta(vote, attrs),
		At:         a.now(),
	}

	agg, err := retry.Do(ctx, a.policy, classifyAppend, func(attempt int) (*domain.Aggregate, error) {
		if attempt > 1 {
			slog.DebugContext(ctx, "Retrying ballot after audit append conflict", "poll_id", pollID, "attempt", attempt)
		}
		return a.store.RecordVote(ctx, ballot)
	})
	return agg, unwrapPermanent(err)
}

// Verify loads the full log of pollID and checks it link by link.
func (a *AuditChain) Verify(ctx context.Context, pollID string) ([]domain.AuditEntry, error) {
	entries, err := a.store.ListAudit(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, tally.VerifyChain(pollID, entries)
}

func (a *AuditChain) next(ctx context.Context, pollID string, vote domain.Vote, voterHash string, attrs domain.Attributes) (domain.AuditEntry, error) {
	prev, err := a.store.LatestAudit(ctx, pollID)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("failed to read audit head: %w", err)
	}
	return tally.NextEntry(prev, pollID, vote, voterHash, attrs, a.now())
}

// now is truncated to what Postgres timestamps keep, so digests survive a round trip.
func (a *AuditChain) now() time.Time {
	return a.clock.Now().Truncate(time.Microsecond)
}

func classifyAppend(err error) retry.Action {
	if errors.Is(err, domain.ErrConcurrentAppend) {
		return retry.Restart
	}
	return retry.Stop
}

func unwrapPermanent(err error) error {
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
