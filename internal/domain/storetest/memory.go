// Package storetest holds an in-memory domain.Store and the contract suite
// every storage backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/tally"
)

// MemoryStore is a domain.Store kept in process memory. A single mutex makes
// each method atomic, which mirrors what the real backends guarantee per call.
type MemoryStore struct {
	mu     sync.Mutex
	orgs   map[string]domain.Organization
	polls  map[string]domain.Poll
	aggs   map[string]domain.Aggregate
	voters map[string]map[string]struct{}
	audit  map[string][]domain.AuditEntry

	// PingErr, when set, is returned by Ping.
	PingErr error
}

var _ domain.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:   make(map[string]domain.Organization),
		polls:  make(map[string]domain.Poll),
		aggs:   make(map[string]domain.Aggregate),
		voters: make(map[string]map[string]struct{}),
		audit:  make(map[string][]domain.AuditEntry),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return m.PingErr }

func (m *MemoryStore) CreateOrg(_ context.Context, org *domain.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[org.ID]; ok {
		return fmt.Errorf("organization %s already exists", org.ID)
	}
	m.orgs[org.ID] = *org
	return nil
}

func (m *MemoryStore) GetOrg(_ context.Context, orgID string) (*domain.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[orgID]
	if !ok {
		return nil, domain.ErrOrgNotFound
	}
	return &org, nil
}

func (m *MemoryStore) ListOrgsByChat(_ context.Context, chatID int64) ([]domain.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Organization
	for _, org := range m.orgs {
		if org.ChatID == chatID {
			out = append(out, org)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteOrg(_ context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[orgID]; !ok {
		return domain.ErrOrgNotFound
	}
	delete(m.orgs, orgID)
	for id, p := range m.polls {
		if p.OrgID != orgID {
			continue
		}
		delete(m.polls, id)
		delete(m.aggs, id)
		delete(m.voters, id)
		delete(m.audit, id)
	}
	return nil
}

func (m *MemoryStore) CreatePoll(_ context.Context, poll *domain.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[poll.OrgID]; !ok {
		return domain.ErrOrgNotFound
	}
	if _, ok := m.polls[poll.ID]; ok {
		return fmt.Errorf("poll %s already exists", poll.ID)
	}
	m.polls[poll.ID] = *poll
	m.aggs[poll.ID] = domain.Aggregate{PollID: poll.ID}
	m.voters[poll.ID] = make(map[string]struct{})
	return nil
}

func (m *MemoryStore) GetPoll(_ context.Context, pollID string) (*domain.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.polls[pollID]
	if !ok {
		return nil, domain.ErrPollNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPolls(context.Context) ([]domain.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Poll, 0, len(m.polls))
	for _, p := range m.polls {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryStore) ListOrgPolls(_ context.Context, orgID string) ([]domain.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Poll
	for _, p := range m.polls {
		if p.OrgID == orgID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) ClosePoll(_ context.Context, pollID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.polls[pollID]
	if !ok {
		return false, domain.ErrPollNotFound
	}
	if p.Status == domain.PollClosed {
		return false, nil
	}
	p.Status = domain.PollClosed
	m.polls[pollID] = p
	return true, nil
}

func (m *MemoryStore) GetAggregate(_ context.Context, pollID string) (*domain.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggs[pollID]
	if !ok {
		return nil, domain.ErrPollNotFound
	}
	return &agg, nil
}

func (m *MemoryStore) IncrementAggregate(_ context.Context, pollID string, delta domain.Delta) (*domain.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggs[pollID]
	if !ok {
		return nil, domain.ErrPollNotFound
	}
	if err := applyDelta(&agg, delta); err != nil {
		return nil, err
	}
	m.aggs[pollID] = agg
	return &agg, nil
}

func (m *MemoryStore) HasVoted(_ context.Context, pollID, voterHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.voters[pollID][voterHash]
	return ok, nil
}

func (m *MemoryStore) CountVoters(_ context.Context, pollID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.voters[pollID])), nil
}

func (m *MemoryStore) RecordVote(_ context.Context, b domain.Ballot) (*domain.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggs[b.PollID]
	if !ok {
		return nil, domain.ErrPollNotFound
	}
	if m.polls[b.PollID].Status == domain.PollClosed {
		return nil, domain.ErrPollEnded
	}
	if _, voted := m.voters[b.PollID][b.VoterHash]; voted {
		return nil, domain.ErrAlreadyVoted
	}

	var head *domain.AuditEntry
	if entries := m.audit[b.PollID]; len(entries) > 0 {
		head = &entries[len(entries)-1]
	}
	entry, err := tally.NextEntry(head, b.PollID, b.Vote, b.VoterHash, b.Attributes, b.At)
	if err != nil {
		return nil, err
	}
	if err := applyDelta(&agg, b.Delta); err != nil {
		return nil, err
	}

	m.voters[b.PollID][b.VoterHash] = struct{}{}
	m.aggs[b.PollID] = agg
	m.audit[b.PollID] = append(m.audit[b.PollID], entry)
	return &agg, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.polls[entry.PollID]; !ok {
		return domain.ErrPollNotFound
	}
	if err := m.checkNextSeq(entry); err != nil {
		return err
	}
	m.audit[entry.PollID] = append(m.audit[entry.PollID], entry)
	return nil
}

func (m *MemoryStore) LatestAudit(_ context.Context, pollID string) (*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.audit[pollID]
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, pollID string) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.AuditEntry(nil), m.audit[pollID]...), nil
}

// TamperAudit overwrites a stored audit entry in place, bypassing write-once
// semantics. It exists to exercise chain verification.
func (m *MemoryStore) TamperAudit(pollID string, seq int64, mutate func(*domain.AuditEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.audit[pollID]
	for i := range entries {
		if entries[i].Seq == seq {
			mutate(&entries[i])
		}
	}
}

// checkNextSeq enforces that entry.Seq is free and its predecessor exists,
// which for an append-only slice means Seq == len+1.
func (m *MemoryStore) checkNextSeq(entry domain.AuditEntry) error {
	if entry.Seq != int64(len(m.audit[entry.PollID]))+1 {
		return domain.ErrConcurrentAppend
	}
	return nil
}

func applyDelta(agg *domain.Aggregate, delta domain.Delta) error {
	for c := range delta {
		if agg.Field(c) == nil {
			return fmt.Errorf("%w: unknown counter %q", domain.ErrValidation, c)
		}
	}
	for c, n := range delta {
		*agg.Field(c) += n
	}
	return nil
}
