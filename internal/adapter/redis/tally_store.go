package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/tally"
	goredis "github.com/redis/go-redis/v9"
)

func decodeAggregate(pollID string, h map[string]string) (*domain.Aggregate, error) {
	agg := &domain.Aggregate{PollID: pollID}
	for _, c := range domain.AllCounters {
		raw, ok := h[string(c)]
		if !ok {
			continue
		}
		n, err := parseInt(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s: %w", c, err)
		}
		*agg.Field(c) = n
	}
	return agg, nil
}

// deltaArgs flattens delta into counter/increment pairs in storage order.
func deltaArgs(delta domain.Delta) ([]any, error) {
	args := make([]any, 0, 2*len(delta))
	for c := range delta {
		if (&domain.Aggregate{}).Field(c) == nil {
			return nil, fmt.Errorf("%w: unknown counter %q", domain.ErrValidation, c)
		}
	}
	for _, c := range domain.AllCounters {
		if n, ok := delta[c]; ok {
			args = append(args, string(c), n)
		}
	}
	return args, nil
}

func encodeAuditEntry(e domain.AuditEntry) []string {
	return []string{
		"poll_id", e.PollID,
		"seq", strconv.FormatInt(e.Seq, 10),
		"timestamp", formatTime(e.Timestamp),
		"vote", string(e.Vote),
		"attributes", string(e.Attributes),
		"voter_hash", e.VoterHash,
		"rolling_digest", e.RollingDigest,
	}
}

func decodeAuditEntry(h map[string]string) (*domain.AuditEntry, error) {
	seq, err := parseInt(h["seq"])
	if err != nil {
		return nil, fmt.Errorf("invalid seq: %w", err)
	}
	ts, err := parseTime(h["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	return &domain.AuditEntry{
		PollID:        h["poll_id"],
		Seq:           seq,
		Timestamp:     ts,
		Vote:          domain.Vote(h["vote"]),
		Attributes:    []byte(h["attributes"]),
		VoterHash:     h["voter_hash"],
		RollingDigest: h["rolling_digest"],
	}, nil
}

// tallyError keeps domain errors unwrapped so callers can compare them directly.
func tallyError(op string, err error) error {
	err = scriptError(err)
	for _, known := range []error{domain.ErrPollNotFound, domain.ErrPollEnded, domain.ErrAlreadyVoted, domain.ErrConcurrentAppend} {
		if errors.Is(err, known) {
			return known
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *Store) GetAggregate(ctx context.Context, pollID string) (*domain.Aggregate, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPollNotFound
	}

	h, err := s.rdb.HGetAll(ctx, itemKey(orgID, aggSK(pollID))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}
	if len(h) == 0 {
		return nil, domain.ErrPollNotFound
	}
	return decodeAggregate(pollID, h)
}

func (s *Store) IncrementAggregate(ctx context.Context, pollID string, delta domain.Delta) (*domain.Aggregate, error) {
	args, err := deltaArgs(delta)
	if err != nil {
		return nil, err
	}
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPollNotFound
	}

	reply, err := incrementScript.Run(ctx, s.rdb, []string{itemKey(orgID, aggSK(pollID))}, args...).Result()
	if err != nil {
		return nil, tallyError("increment aggregate", err)
	}
	h, err := hashPairs(reply)
	if err != nil {
		return nil, err
	}
	return decodeAggregate(pollID, h)
}

func (s *Store) HasVoted(ctx context.Context, pollID, voterHash string) (bool, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil || !ok {
		return false, err
	}

	n, err := s.rdb.Exists(ctx, itemKey(orgID, voterSK(pollID, voterHash))).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check voter key: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CountVoters(ctx context.Context, pollID string) (int64, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil || !ok {
		return 0, err
	}

	lo, hi := prefixRange(voterPrefix(pollID))
	n, err := s.rdb.ZLexCount(ctx, partitionKey(orgID), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count voters: %w", err)
	}
	return n, nil
}

// RecordVote links the ballot to the head it reads and lets the script reject it with
// ErrConcurrentAppend if another ballot took that head first.
func (s *Store) RecordVote(ctx context.Context, ballot domain.Ballot) (*domain.Aggregate, error) {
	counters, err := deltaArgs(ballot.Delta)
	if err != nil {
		return nil, err
	}
	orgID, ok, err := s.orgOf(ctx, ballot.PollID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPollNotFound
	}

	head, err := s.LatestAudit(ctx, ballot.PollID)
	if err != nil {
		return nil, err
	}
	entry, err := tally.NextEntry(head, ballot.PollID, ballot.Vote, ballot.VoterHash, ballot.Attributes, ballot.At)
	if err != nil {
		return nil, err
	}

	keys := []string{
		itemKey(orgID, aggSK(ballot.PollID)),
		itemKey(orgID, voterSK(ballot.PollID, ballot.VoterHash)),
		itemKey(orgID, auditSK(ballot.PollID, entry.Seq)),
		itemKey(orgID, auditSK(ballot.PollID, entry.Seq-1)),
		partitionKey(orgID),
		itemKey(orgID, pollSK(ballot.PollID)),
	}
	entryFields := encodeAuditEntry(entry)
	args := []any{
		voterSK(ballot.PollID, ballot.VoterHash),
		auditSK(ballot.PollID, entry.Seq),
		entry.Seq,
		ballot.VoterHash,
		len(entryFields),
	}
	args = append(args, fields(entryFields...)...)
	args = append(args, counters...)

	reply, err := recordVoteScript.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return nil, tallyError("record vote", err)
	}
	h, err := hashPairs(reply)
	if err != nil {
		return nil, err
	}
	return decodeAggregate(ballot.PollID, h)
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	orgID, ok, err := s.orgOf(ctx, entry.PollID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrPollNotFound
	}

	keys := []string{
		itemKey(orgID, aggSK(entry.PollID)),
		itemKey(orgID, auditSK(entry.PollID, entry.Seq)),
		itemKey(orgID, auditSK(entry.PollID, entry.Seq-1)),
		partitionKey(orgID),
	}
	args := append([]any{auditSK(entry.PollID, entry.Seq), entry.Seq}, fields(encodeAuditEntry(entry)...)...)
	if err := appendAuditScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return tallyError("append audit entry", err)
	}
	return nil
}

func (s *Store) LatestAudit(ctx context.Context, pollID string) (*domain.AuditEntry, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil || !ok {
		return nil, err
	}

	lo, hi := prefixRange(auditPrefix(pollID))
	members, err := s.rdb.ZRevRangeByLex(ctx, partitionKey(orgID), &goredis.ZRangeBy{
		Min: lo, Max: hi, Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	h, err := s.rdb.HGetAll(ctx, itemKey(orgID, members[0])).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest audit entry: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return decodeAuditEntry(h)
}

func (s *Store) ListAudit(ctx context.Context, pollID string) ([]domain.AuditEntry, error) {
	orgID, ok, err := s.orgOf(ctx, pollID)
	if err != nil || !ok {
		return nil, err
	}

	lo, hi := prefixRange(auditPrefix(pollID))
	members, err := s.rdb.ZRangeByLex(ctx, partitionKey(orgID), &goredis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(members))
	for i, sk := range members {
		cmds[i] = pipe.HGetAll(ctx, itemKey(orgID, sk))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}

	entries := make([]domain.AuditEntry, 0, len(members))
	for _, cmd := range cmds {
		e, err := decodeAuditEntry(cmd.Val())
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}
