package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pscheid92/votetally/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

func encodeOrg(org *domain.Organization) []string {
	return []string{
		"id", org.ID,
		"name", org.Name,
		"purpose", org.Purpose,
		"scope_level", string(org.ScopeLevel),
		"geographic_scope", org.GeographicScope,
		"logo_url", org.LogoURL,
		"chat_id", strconv.FormatInt(org.ChatID, 10),
		"id_verification_required", strconv.FormatBool(org.IDVerificationRequired),
		"telegram_handle", org.TelegramHandle,
		"created_at", formatTime(org.CreatedAt),
	}
}

func decodeOrg(h map[string]string) (*domain.Organization, error) {
	chatID, err := parseInt(h["chat_id"])
	if err != nil {
		return nil, fmt.Errorf("invalid chat_id: %w", err)
	}
	verify, err := strconv.ParseBool(h["id_verification_required"])
	if err != nil {
		return nil, fmt.Errorf("invalid id_verification_required: %w", err)
	}
	created, err := parseTime(h["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	return &domain.Organization{
		ID:                     h["id"],
		Name:                   h["name"],
		Purpose:                h["purpose"],
		ScopeLevel:             domain.ScopeLevel(h["scope_level"]),
		GeographicScope:        h["geographic_scope"],
		LogoURL:                h["logo_url"],
		ChatID:                 chatID,
		IDVerificationRequired: verify,
		TelegramHandle:         h["telegram_handle"],
		CreatedAt:              created,
	}, nil
}

func (s *Store) CreateOrg(ctx context.Context, org *domain.Organization) error {
	keys := []string{itemKey(org.ID, skMeta), partitionKey(org.ID)}
	args := append([]any{skMeta}, fields(encodeOrg(org)...)...)
	if err := putIfAbsentScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to create organization: %w", scriptError(err))
	}

	if err := s.rdb.SAdd(ctx, chatIndexKey(org.ChatID), org.ID).Err(); err != nil {
		return fmt.Errorf("failed to index organization by chat: %w", err)
	}
	return nil
}

func (s *Store) GetOrg(ctx context.Context, orgID string) (*domain.Organization, error) {
	h, err := s.rdb.HGetAll(ctx, itemKey(orgID, skMeta)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if len(h) == 0 {
		return nil, domain.ErrOrgNotFound
	}
	return decodeOrg(h)
}

// ListOrgsByChat skips index entries whose organization is gone.
func (s *Store) ListOrgsByChat(ctx context.Context, chatID int64) ([]domain.Organization, error) {
	ids, err := s.rdb.SMembers(ctx, chatIndexKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, itemKey(id, skMeta))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load organizations: %w", err)
		}
	}

	var orgs []domain.Organization
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		org, err := decodeOrg(h)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *org)
	}
	return orgs, nil
}

const deleteOrgAttempts = 5

// DeleteOrg removes every item of the partition under WATCH, so a poll created
// concurrently aborts the transaction instead of being orphaned. Global index
// entries are cleaned up afterwards.
func (s *Store) DeleteOrg(ctx context.Context, orgID string) error {
	meta, index := itemKey(orgID, skMeta), partitionKey(orgID)

	var (
		chatID  int64
		members []string
	)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.HGet(ctx, meta, "chat_id").Result()
		if errors.Is(err, goredis.Nil) {
			return domain.ErrOrgNotFound
		}
		if err != nil {
			return err
		}
		if chatID, err = parseInt(raw); err != nil {
			return fmt.Errorf("invalid chat_id: %w", err)
		}
		members, err = tx.ZRange(ctx, index, 0, -1).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			keys := make([]string, 0, len(members)+1)
			for _, sk := range members {
				keys = append(keys, itemKey(orgID, sk))
			}
			keys = append(keys, index)
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}

	var err error
	for range deleteOrgAttempts {
		err = s.rdb.Watch(ctx, txf, meta, index)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, domain.ErrOrgNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	var pollIDs []string
	for _, sk := range members {
		if id, ok := strings.CutPrefix(sk, pollSK("")); ok {
			pollIDs = append(pollIDs, id)
		}
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(pollIDs) > 0 {
			pipe.HDel(ctx, pollIndexKey, pollIDs...)
		}
		pipe.SRem(ctx, chatIndexKey(chatID), orgID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clean organization indexes: %w", err)
	}
	return nil
}
