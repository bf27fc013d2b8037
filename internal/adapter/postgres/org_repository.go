package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/votetally/internal/domain"
)

const orgColumns = `id, name, purpose, scope_level, geographic_scope, logo_url, chat_id,
	id_verification_required, telegram_handle, created_at`

func scanOrg(row pgx.Row) (*domain.Organization, error) {
	var org domain.Organization
	err := row.Scan(&org.ID, &org.Name, &org.Purpose, &org.ScopeLevel, &org.GeographicScope, &org.LogoURL,
		&org.ChatID, &org.IDVerificationRequired, &org.TelegramHandle, &org.CreatedAt)
	if err != nil {
		return nil, err
	}
	org.CreatedAt = org.CreatedAt.UTC()
	return &org, nil
}

func (s *Store) CreateOrg(ctx context.Context, org *domain.Organization) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO organizations (`+orgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		org.ID, org.Name, org.Purpose, org.ScopeLevel, org.GeographicScope, org.LogoURL,
		org.ChatID, org.IDVerificationRequired, org.TelegramHandle, org.CreatedAt)
	if err != nil {
		return unavailable(fmt.Errorf("failed to create organization: %w", err))
	}
	return nil
}

func (s *Store) GetOrg(ctx context.Context, orgID string) (*domain.Organization, error) {
	org, err := scanOrg(s.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrgNotFound
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to get organization: %w", err))
	}
	return org, nil
}

func (s *Store) ListOrgsByChat(ctx context.Context, chatID int64) ([]domain.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orgColumns+` FROM organizations WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to list organizations: %w", err))
	}
	defer rows.Close()

	var orgs []domain.Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, unavailable(fmt.Errorf("failed to scan organization: %w", err))
		}
		orgs = append(orgs, *org)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("failed to list organizations: %w", err))
	}
	return orgs, nil
}

// DeleteOrg relies on ON DELETE CASCADE to drop polls, aggregates, voter keys and audit rows.
func (s *Store) DeleteOrg(ctx context.Context, orgID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, orgID)
	if err != nil {
		return unavailable(fmt.Errorf("failed to delete organization: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrgNotFound
	}
	return nil
}
