package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pscheid92/votetally/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Store implements domain.Store on Redis. Multi-item writes run as Lua scripts
// confined to one organization partition.
type Store struct {
	rdb *goredis.Client
}

var _ domain.Store = (*Store)(nil)

func NewStore(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		if errors.Is(err, domain.ErrBackendUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// scriptError maps a script error reply to its domain error.
func scriptError(err error) error {
	var redisErr goredis.Error
	if !errors.As(err, &redisErr) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, replyOrgNotFound):
		return domain.ErrOrgNotFound
	case strings.Contains(msg, replyPollNotFound):
		return domain.ErrPollNotFound
	case strings.Contains(msg, replyPollClosed):
		return domain.ErrPollEnded
	case strings.Contains(msg, replyAlreadyVoted):
		return domain.ErrAlreadyVoted
	case strings.Contains(msg, replySeqConflict):
		return domain.ErrConcurrentAppend
	default:
		return err
	}
}

// orgOf resolves the partition a poll lives in. ok is false for unknown polls.
func (s *Store) orgOf(ctx context.Context, pollID string) (orgID string, ok bool, err error) {
	orgID, err = s.rdb.HGet(ctx, pollIndexKey, pollID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve poll partition: %w", err)
	}
	return orgID, true, nil
}

// fields flattens field/value pairs into script arguments.
func fields(pairs ...string) []any {
	out := make([]any, len(pairs))
	for i, p := range pairs {
		out[i] = p
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// hashPairs converts a flat HGETALL reply returned from a script into a map.
func hashPairs(reply any) (map[string]string, error) {
	items, ok := reply.([]any)
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, kok := items[i].(string)
		v, vok := items[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected script reply element %T", items[i])
		}
		out[k] = v
	}
	return out, nil
}
