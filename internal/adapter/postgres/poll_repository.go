package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/votetally/internal/domain"
)

const pollColumns = `id, org_id, question, scope_level, geographic_scope, start_at, end_at, status, hash_salt, created_at`

func scanPoll(row pgx.Row) (*domain.Poll, error) {
	var p domain.Poll
	err := row.Scan(&p.ID, &p.OrgID, &p.Question, &p.ScopeLevel, &p.GeographicScope,
		&p.StartAt, &p.EndAt, &p.Status, &p.HashSalt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func collectPolls(rows pgx.Rows) ([]domain.Poll, error) {
	defer rows.Close()

	var polls []domain.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, unavailable(fmt.Errorf("failed to scan poll: %w", err))
		}
		polls = append(polls, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("failed to list polls: %w", err))
	}
	return polls, nil
}

// CreatePoll inserts the poll and its zeroed aggregate row in one transaction.
func (s *Store) CreatePoll(ctx context.Context, poll *domain.Poll) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO polls (`+pollColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			poll.ID, poll.OrgID, poll.Question, poll.ScopeLevel, poll.GeographicScope,
			poll.StartAt, poll.EndAt, poll.Status, poll.HashSalt, poll.CreatedAt)
		if isForeignKeyViolation(err) {
			return domain.ErrOrgNotFound
		}
		if err != nil {
			return unavailable(fmt.Errorf("failed to create poll: %w", err))
		}

		if _, err := tx.Exec(ctx, `INSERT INTO poll_aggregates (poll_id) VALUES ($1)`, poll.ID); err != nil {
			return unavailable(fmt.Errorf("failed to create poll aggregate: %w", err))
		}
		return nil
	})
}

func (s *Store) GetPoll(ctx context.Context, pollID string) (*domain.Poll, error) {
	p, err := scanPoll(s.pool.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = $1`, pollID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPollNotFound
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to get poll: %w", err))
	}
	return p, nil
}

func (s *Store) ListPolls(ctx context.Context) ([]domain.Poll, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pollColumns+` FROM polls`)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to list polls: %w", err))
	}
	return collectPolls(rows)
}

func (s *Store) ListOrgPolls(ctx context.Context, orgID string) ([]domain.Poll, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pollColumns+` FROM polls WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to list organization polls: %w", err))
	}
	return collectPolls(rows)
}

// ClosePoll flips status with a conditional update so only one caller observes the transition.
func (s *Store) ClosePoll(ctx context.Context, pollID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE polls SET status = $2 WHERE id = $1 AND status = $3`,
		pollID, domain.PollClosed, domain.PollActive)
	if err != nil {
		return false, unavailable(fmt.Errorf("failed to close poll: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM polls WHERE id = $1)`, pollID).Scan(&exists); err != nil {
		return false, unavailable(fmt.Errorf("failed to check poll: %w", err))
	}
	if !exists {
		return false, domain.ErrPollNotFound
	}
	return false, nil
}
