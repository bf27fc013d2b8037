package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/domain/storetest"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// appendAttempts is the AUDIT_APPEND_ATTEMPTS default.
const appendAttempts = 32

const (
	ownerID    int64 = 1001
	strangerID int64 = 2002
	groupChat  int64 = -100500
)

var owner = domain.Origin{UserID: ownerID, ChatID: ownerID}

// --- Mock implementations ---

type mockChatAuthorizer struct {
	isChatAdminFn func(ctx context.Context, chatID, userID int64) (bool, error)
}

func (m *mockChatAuthorizer) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if m.isChatAdminFn != nil {
		return m.isChatAdminFn(ctx, chatID, userID)
	}
	return false, fmt.Errorf("not implemented")
}

// groupAdmins answers admin checks for groupChat with the given members.
func groupAdmins(users ...int64) func(ctx context.Context, chatID, userID int64) (bool, error) {
	return func(_ context.Context, chatID, userID int64) (bool, error) {
		return chatID == groupChat && slices.Contains(users, userID), nil
	}
}

type sentMessage struct {
	chatID int64
	text   string
}

type mockNotifier struct {
	mu       sync.Mutex
	sent     []sentMessage
	notifyFn func(ctx context.Context, chatID int64, text string) error
}

func (m *mockNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	m.mu.Unlock()
	if m.notifyFn != nil {
		return m.notifyFn(ctx, chatID, text)
	}
	return nil
}

func (m *mockNotifier) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type mockLeaderLock struct {
	tryAcquireFn func(ctx context.Context) (bool, error)
	releaseFn    func(ctx context.Context) error
}

func (m *mockLeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	if m.tryAcquireFn != nil {
		return m.tryAcquireFn(ctx)
	}
	return false, fmt.Errorf("not implemented")
}

func (m *mockLeaderLock) Release(ctx context.Context) error {
	if m.releaseFn != nil {
		return m.releaseFn(ctx)
	}
	return nil
}

// flakyStore overrides selected writes of an in-memory store.
type flakyStore struct {
	*storetest.MemoryStore
	recordVoteFn  func(ctx context.Context, b domain.Ballot) (*domain.Aggregate, error)
	appendAuditFn func(ctx context.Context, e domain.AuditEntry) error
}

func (f *flakyStore) RecordVote(ctx context.Context, b domain.Ballot) (*domain.Aggregate, error) {
	if f.recordVoteFn != nil {
		return f.recordVoteFn(ctx, b)
	}
	return f.MemoryStore.RecordVote(ctx, b)
}

func (f *flakyStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if f.appendAuditFn != nil {
		return f.appendAuditFn(ctx, e)
	}
	return f.MemoryStore.AppendAudit(ctx, e)
}

// contendedStore commits ballots the way the Redis backend does: it reads the
// audit head, takes a while, and refuses the write if the head moved meanwhile.
// Commits are serialized and hold the poll for hold.
type contendedStore struct {
	*storetest.MemoryStore
	mu   sync.Mutex
	lag  time.Duration
	hold time.Duration
}

func (c *contendedStore) RecordVote(ctx context.Context, b domain.Ballot) (*domain.Aggregate, error) {
	read, err := c.MemoryStore.LatestAudit(ctx, b.PollID)
	if err != nil {
		return nil, err
	}
	time.Sleep(c.lag)

	c.mu.Lock()
	defer c.mu.Unlock()
	time.Sleep(c.hold)
	head, err := c.MemoryStore.LatestAudit(ctx, b.PollID)
	if err != nil {
		return nil, err
	}
	if headSeq(head) != headSeq(read) {
		return nil, domain.ErrConcurrentAppend
	}
	return c.MemoryStore.RecordVote(ctx, b)
}

func headSeq(e *domain.AuditEntry) int64 {
	if e == nil {
		return 0
	}
	return e.Seq
}

// --- Fixtures ---

type fixture struct {
	clock    *clockwork.FakeClock
	store    *storetest.MemoryStore
	admins   *mockChatAuthorizer
	chain    *AuditChain
	registry *Registry
	votes    *metrics.VoteMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, storetest.NewMemoryStore(), nil)
}

func newFixtureWithStore(t *testing.T, mem *storetest.MemoryStore, store domain.Store) *fixture {
	t.Helper()
	if store == nil {
		store = mem
	}
	clock := clockwork.NewFakeClockAt(testNow)
	admins := &mockChatAuthorizer{}
	votes := metrics.NewVoteMetrics(prometheus.NewRegistry())
	chain := NewAuditChain(store, clock, appendAttempts, votes)

	return &fixture{
		clock:    clock,
		store:    mem,
		admins:   admins,
		chain:    chain,
		registry: NewRegistry(store, admins, chain, clock, votes),
		votes:    votes,
	}
}

func (f *fixture) createOrg(t *testing.T, actor domain.Origin) *domain.Organization {
	t.Helper()
	org, err := f.registry.CreateOrg(context.Background(), actor, CreateOrgRequest{
		Name:            "Residents Association",
		ScopeLevel:      "countries",
		GeographicScope: "ZA,NA",
	})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	return org
}

// createPoll opens a poll that starts now and runs for an hour.
func (f *fixture) createPoll(t *testing.T, org *domain.Organization) *domain.Poll {
	t.Helper()
	now := f.clock.Now().Unix()
	poll, err := f.registry.CreatePoll(context.Background(), owner, CreatePollRequest{
		OrgID:           org.ID,
		Question:        "Fix the potholes on Main Road?",
		ScopeLevel:      "city",
		GeographicScope: "Windhoek",
		StartAt:         now,
		EndAt:           now + 3600,
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	return poll
}
