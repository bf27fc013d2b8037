package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/pscheid92/votetally/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

func encodePoll(p *domain.Poll) []string {
	return []string{
		"id", p.ID,
		"org_id", p.OrgID,
		"question", p.Question,
		"scope_level", string(p.ScopeLevel),
		"geographic_scope", p.GeographicScope,
		"start_at", strconv.FormatInt(p.StartAt, 10),
		"end_at", strconv.FormatInt(p.EndAt, 10),
		"status", string(p.Status),
		"hash_salt", p.HashSalt,
		"created_at", formatTime(p.CreatedAt),
	}
}

func decodePoll(h map[string]string) (*domain.Poll, error) {
	start, err := parseInt(h["start_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid start_at: %w", err)
	}
	end, err := parseInt(h["end_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid end_at: %w", err)
	}
	created, err := parseTime(h["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	return &domain.Poll{
		ID:              h["id"],
		OrgID:           h["org_id"],
		Question:        h["question"],
		ScopeLevel:      domain.ScopeLevel(h["scope_level"]),
		GeographicScope: h["geographic_scope"],
		StartAt:         start,
		EndAt:           end,
		Status:          domain.PollStatus(h["status"]),
		HashSalt:        h["hash_salt"],
		CreatedAt:       created,
	}, nil
}

// CreatePoll publishes the poll in the global index, then writes poll and aggregate
// atomically inside the organization partition. A crash in between leaves an index
// entry without items, which readers treat as a missing poll. The reverse order
// would leave a stored poll no reader can resolve.
func (s *Store) CreatePoll(ctx context.Context, poll *domain.Poll) error {
	indexed, err := s.rdb.HSetNX(ctx, pollIndexKey, poll.ID, poll.OrgID).Result()
	if err != nil {
		return fmt.Errorf("failed to index poll: %w", err)
	}

	pollFields := encodePoll(poll)
	keys := []string{
		itemKey(poll.OrgID, skMeta),
		itemKey(poll.OrgID, pollSK(poll.ID)),
		itemKey(poll.OrgID, aggSK(poll.ID)),
		partitionKey(poll.OrgID),
	}
	args := []any{pollSK(poll.ID), aggSK(poll.ID), len(pollFields)}
	args = append(args, fields(pollFields...)...)
	for _, c := range domain.AllCounters {
		args = append(args, string(c))
	}

	if err := createPollScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		if indexed {
			s.unindexPoll(ctx, poll.ID)
		}
		err = scriptError(err)
		if errors.Is(err, domain.ErrOrgNotFound) {
			return err
		}
		return fmt.Errorf("failed to create poll: %w", err)
	}
	return nil
}

// unindexPoll drops an index entry whose poll was never written. Failure only
// leaves a dangling entry behind.
func (s *Store) unindexPoll(ctx context.Context, pollID string) {
	if err := s.rdb.HDel(context.WithoutCancel(ctx), pollIndexKey, pollID).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to remove poll index entry", "poll_id", pollID, "error", err)
	}
}

func (s *Store) GetPoll(ctx context.Context, pollID string) (*domain.Poll, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPollNotFound
	}

	h, err := s.rdb.HGetAll(ctx, itemKey(orgID, pollSK(pollID))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get poll: %w", err)
	}
	if len(h) == 0 {
		return nil, domain.ErrPollNotFound
	}
	return decodePoll(h)
}

func (s *Store) ListPolls(ctx context.Context) ([]domain.Poll, error) {
	index, err := s.rdb.HGetAll(ctx, pollIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", err)
	}

	keys := make([]string, 0, len(index))
	for pollID, orgID := range index {
		keys = append(keys, itemKey(orgID, pollSK(pollID)))
	}
	return s.loadPolls(ctx, keys)
}

func (s *Store) ListOrgPolls(ctx context.Context, orgID string) ([]domain.Poll, error) {
	lo, hi := prefixRange(pollSK(""))
	members, err := s.rdb.ZRangeByLex(ctx, partitionKey(orgID), &goredis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list organization polls: %w", err)
	}

	keys := make([]string, len(members))
	for i, sk := range members {
		keys[i] = itemKey(orgID, sk)
	}
	return s.loadPolls(ctx, keys)
}

// loadPolls fetches poll items in one pipeline, skipping items that no longer exist.
func (s *Store) loadPolls(ctx context.Context, keys []string) ([]domain.Poll, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load polls: %w", err)
	}

	polls := make([]domain.Poll, 0, len(keys))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		p, err := decodePoll(h)
		if err != nil {
			return nil, err
		}
		polls = append(polls, *p)
	}
	return polls, nil
}

func (s *Store) ClosePoll(ctx context.Context, pollID string) (bool, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, domain.ErrPollNotFound
	}

	flipped, err := closePollScript.Run(ctx, s.rdb, []string{itemKey(orgID, pollSK(pollID))}, string(domain.PollClosed)).Int()
	if err != nil {
		err = scriptError(err)
		if errors.Is(err, domain.ErrPollNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to close poll: %w", err)
	}
	return flipped == 1, nil
}
