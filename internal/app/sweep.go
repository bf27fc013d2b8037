package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/correlation"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval = time.Minute
	notifyConcurrency    = 4
	notifyTimeout        = 10 * time.Second
)

// ClosingSweep periodically closes polls whose voting window has passed and
// posts the final result to the owning chat.
type ClosingSweep struct {
	store    domain.Store
	notifier domain.Notifier
	leader   domain.LeaderLock
	clock    clockwork.Clock
	interval time.Duration
	metrics  *metrics.SweepMetrics
}

// NewClosingSweep creates the sweep. leader may be nil for single-instance
// deployments.
func NewClosingSweep(store domain.Store, notifier domain.Notifier, leader domain.LeaderLock, clock clockwork.Clock, interval time.Duration, m *metrics.SweepMetrics) *ClosingSweep {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ClosingSweep{
		store:    store,
		notifier: notifier,
		leader:   leader,
		clock:    clock,
		interval: interval,
		metrics:  m,
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *ClosingSweep) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Closing sweep started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.releaseLeadership()
			slog.Info("Closing sweep stopped")
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *ClosingSweep) tick(ctx context.Context) {
	tickCtx := correlation.WithID(ctx, correlation.NewID())

	if s.leader != nil {
		leader, err := s.leader.TryAcquire(tickCtx)
		if err != nil {
			slog.WarnContext(tickCtx, "Closing sweep: leader lease check failed", "error", err)
			s.metrics.Ticks.WithLabelValues("failed").Inc()
			return
		}
		if !leader {
			s.metrics.Ticks.WithLabelValues("skipped").Inc()
			return
		}
	}

	start := s.clock.Now()
	closed, err := s.SweepOnce(tickCtx)
	s.metrics.TickDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		slog.ErrorContext(tickCtx, "Closing sweep failed", "error", err)
		s.metrics.Ticks.WithLabelValues("failed").Inc()
		return
	}

	s.metrics.Ticks.WithLabelValues("ran").Inc()
	if closed > 0 {
		slog.InfoContext(tickCtx, "Closing sweep finished", "closed", closed)
	}
}

// SweepOnce closes every expired active poll and notifies the owning chats
// of the polls this call closed. It returns the number of polls closed.
// A poll another instance closed first is neither counted nor announced.
func (s *ClosingSweep) SweepOnce(ctx context.Context) (int, error) {
	polls, err := s.store.ListPolls(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list polls: %w", err)
	}

	now := s.clock.Now()
	var closedIDs []string
	for i := range polls {
		p := &polls[i]
		if p.Status != domain.PollActive || !p.Ended(now) {
			continue
		}

		closed, err := s.store.ClosePoll(ctx, p.ID)
		if err != nil {
			slog.WarnContext(ctx, "Closing sweep: close failed", "poll_id", p.ID, "error", err)
			continue
		}
		if closed {
			closedIDs = append(closedIDs, p.ID)
		}
	}
	s.metrics.PollsClosed.Add(float64(len(closedIDs)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(notifyConcurrency)
	for _, id := range closedIDs {
		g.Go(func() error {
			if err := s.Announce(gctx, id); err != nil {
				s.metrics.NotifyFailures.Inc()
				slog.WarnContext(gctx, "Closing sweep: result notification failed", "poll_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(closedIDs), nil
}

// Announce sends the final tally of pollID to the chat owning its organization.
func (s *ClosingSweep) Announce(ctx context.Context, pollID string) error {
	if s.notifier == nil {
		return nil
	}

	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	org, err := s.store.GetOrg(ctx, poll.OrgID)
	if err != nil {
		return err
	}
	agg, err := s.store.GetAggregate(ctx, pollID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return s.notifier.Notify(ctx, org.ChatID, FormatResult(poll, agg))
}

func (s *ClosingSweep) releaseLeadership() {
	if s.leader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leader.Release(ctx); err != nil {
		slog.Warn("Closing sweep: failed to release leader lease", "error", err)
	}
}

// FormatResult renders the closing message for a poll.
func FormatResult(poll *domain.Poll, agg *domain.Aggregate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Poll closed: %s\n\n", poll.Question)
	fmt.Fprintf(&b, "Yes: %d (%s)\n", agg.YesCount, percent(agg.YesCount, agg.TotalVotes))
	fmt.Fprintf(&b, "No: %d (%s)\n", agg.NoCount, percent(agg.NoCount, agg.TotalVotes))
	fmt.Fprintf(&b, "Total votes: %d", agg.TotalVotes)
	if agg.VerifiedTotal > 0 {
		fmt.Fprintf(&b, "\nVerified voters: %d", agg.VerifiedTotal)
	}
	return b.String()
}

func percent(n, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(total))
}
