package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/tally"
)

// Counter names double as column names of poll_aggregates.
var aggregateColumns = func() string {
	cols := make([]string, len(domain.AllCounters))
	for i, c := range domain.AllCounters {
		cols[i] = string(c)
	}
	return strings.Join(cols, ", ")
}()

const auditColumns = `poll_id, seq, recorded_at, vote, attributes, voter_hash, rolling_digest`

func scanAggregate(row pgx.Row, pollID string) (*domain.Aggregate, error) {
	agg := &domain.Aggregate{PollID: pollID}
	dest := make([]any, len(domain.AllCounters))
	for i, c := range domain.AllCounters {
		dest[i] = agg.Field(c)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return agg, nil
}

func scanAuditEntry(row pgx.Row) (*domain.AuditEntry, error) {
	var (
		e     domain.AuditEntry
		attrs []byte
	)
	if err := row.Scan(&e.PollID, &e.Seq, &e.Timestamp, &e.Vote, &attrs, &e.VoterHash, &e.RollingDigest); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Attributes = attrs
	return &e, nil
}

// incrementStatement builds one UPDATE that adds every delta column atomically.
// Column names come from the closed counter set, never from input.
func incrementStatement(delta domain.Delta) (string, []any, error) {
	for c := range delta {
		if (&domain.Aggregate{}).Field(c) == nil {
			return "", nil, fmt.Errorf("%w: unknown counter %q", domain.ErrValidation, c)
		}
	}

	args := []any{nil}
	sets := make([]string, 0, len(delta))
	for _, c := range domain.AllCounters {
		n, ok := delta[c]
		if !ok {
			continue
		}
		args = append(args, n)
		sets = append(sets, fmt.Sprintf("%s = %s + $%d", c, c, len(args)))
	}

	if len(sets) == 0 {
		return `SELECT ` + aggregateColumns + ` FROM poll_aggregates WHERE poll_id = $1`, args, nil
	}
	return `UPDATE poll_aggregates SET ` + strings.Join(sets, ", ") +
		` WHERE poll_id = $1 RETURNING ` + aggregateColumns, args, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func incrementAggregate(ctx context.Context, q querier, pollID string, delta domain.Delta) (*domain.Aggregate, error) {
	sql, args, err := incrementStatement(delta)
	if err != nil {
		return nil, err
	}
	args[0] = pollID

	agg, err := scanAggregate(q.QueryRow(ctx, sql, args...), pollID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPollNotFound
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to increment aggregate: %w", err))
	}
	return agg, nil
}

func (s *Store) GetAggregate(ctx context.Context, pollID string) (*domain.Aggregate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+aggregateColumns+` FROM poll_aggregates WHERE poll_id = $1`, pollID)
	agg, err := scanAggregate(row, pollID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPollNotFound
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to get aggregate: %w", err))
	}
	return agg, nil
}

func (s *Store) IncrementAggregate(ctx context.Context, pollID string, delta domain.Delta) (*domain.Aggregate, error) {
	return incrementAggregate(ctx, s.pool, pollID, delta)
}

func (s *Store) HasVoted(ctx context.Context, pollID, voterHash string) (bool, error) {
	var voted bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voter_keys WHERE poll_id = $1 AND voter_hash = $2)`,
		pollID, voterHash).Scan(&voted)
	if err != nil {
		return false, unavailable(fmt.Errorf("failed to check voter key: %w", err))
	}
	return voted, nil
}

func (s *Store) CountVoters(ctx context.Context, pollID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM voter_keys WHERE poll_id = $1`, pollID).Scan(&n); err != nil {
		return 0, unavailable(fmt.Errorf("failed to count voters: %w", err))
	}
	return n, nil
}

// lockPoll takes the aggregate row lock that serializes audit appends of one poll
// and share-locks the poll row so a concurrent close waits. It returns the poll status.
func lockPoll(ctx context.Context, tx pgx.Tx, pollID string) (domain.PollStatus, error) {
	var status domain.PollStatus
	err := tx.QueryRow(ctx, `SELECT p.status FROM poll_aggregates a JOIN polls p ON p.id = a.poll_id
		WHERE a.poll_id = $1 FOR UPDATE OF a FOR SHARE OF p`, pollID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrPollNotFound
	}
	if err != nil {
		return "", unavailable(fmt.Errorf("failed to lock poll aggregate: %w", err))
	}
	return status, nil
}

// appendAudit inserts entry if it directly follows the current head. The caller holds lockPoll.
func appendAudit(ctx context.Context, tx pgx.Tx, entry domain.AuditEntry) error {
	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_entries WHERE poll_id = $1`, entry.PollID).Scan(&head); err != nil {
		return unavailable(fmt.Errorf("failed to read audit head: %w", err))
	}
	if entry.Seq != head+1 {
		return domain.ErrConcurrentAppend
	}

	_, err := tx.Exec(ctx, `INSERT INTO audit_entries (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.PollID, entry.Seq, entry.Timestamp, entry.Vote, []byte(entry.Attributes), entry.VoterHash, entry.RollingDigest)
	if isUniqueViolation(err) {
		return domain.ErrConcurrentAppend
	}
	if err != nil {
		return unavailable(fmt.Errorf("failed to append audit entry: %w", err))
	}
	return nil
}

// RecordVote writes the voter key, the increments and the audit entry in one transaction.
// The head is read under the poll lock, so concurrent ballots queue instead of conflicting.
func (s *Store) RecordVote(ctx context.Context, ballot domain.Ballot) (*domain.Aggregate, error) {
	var agg *domain.Aggregate
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		status, err := lockPoll(ctx, tx, ballot.PollID)
		if err != nil {
			return err
		}
		if status == domain.PollClosed {
			return domain.ErrPollEnded
		}

		_, err = tx.Exec(ctx, `INSERT INTO voter_keys (poll_id, voter_hash) VALUES ($1, $2)`, ballot.PollID, ballot.VoterHash)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyVoted
		}
		if err != nil {
			return unavailable(fmt.Errorf("failed to write voter key: %w", err))
		}

		head, err := latestAudit(ctx, tx, ballot.PollID)
		if err != nil {
			return err
		}
		entry, err := tally.NextEntry(head, ballot.PollID, ballot.Vote, ballot.VoterHash, ballot.Attributes, ballot.At)
		if err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, entry); err != nil {
			return err
		}

		agg, err = incrementAggregate(ctx, tx, ballot.PollID, ballot.Delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockPoll(ctx, tx, entry.PollID); err != nil {
			return err
		}
		return appendAudit(ctx, tx, entry)
	})
}

func (s *Store) LatestAudit(ctx context.Context, pollID string) (*domain.AuditEntry, error) {
	return latestAudit(ctx, s.pool, pollID)
}

func latestAudit(ctx context.Context, q querier, pollID string) (*domain.AuditEntry, error) {
	row := q.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_entries
		WHERE poll_id = $1 ORDER BY seq DESC LIMIT 1`, pollID)
	entry, err := scanAuditEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to read latest audit entry: %w", err))
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, pollID string) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE poll_id = $1 ORDER BY seq`, pollID)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to list audit entries: %w", err))
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, unavailable(fmt.Errorf("failed to scan audit entry: %w", err))
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("failed to list audit entries: %w", err))
	}
	return entries, nil
}
