package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pscheid92/votetally/internal/app"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/config"
)

// --- Mock implementations ---

type mockRegistry struct {
	createOrgFn       func(ctx context.Context, actor domain.Origin, req app.CreateOrgRequest) (*domain.Organization, error)
	deleteOrgFn       func(ctx context.Context, actor domain.Origin, orgID string) error
	listMyOrgsFn      func(ctx context.Context, actor domain.Origin) ([]domain.Organization, error)
	createPollFn      func(ctx context.Context, actor domain.Origin, req app.CreatePollRequest) (*domain.Poll, error)
	getPollFn         func(ctx context.Context, pollID string) (*domain.PollDetails, error)
	listActivePollsFn func(ctx context.Context) ([]domain.PollSummary, error)
	listPastPollsFn   func(ctx context.Context) ([]domain.PollSummary, error)
	listOrgPollsFn    func(ctx context.Context, orgID string) ([]domain.PollSummary, error)
	closePollAsFn     func(ctx context.Context, actor domain.Origin, pollID string) (bool, error)
	registerVoteFn    func(ctx context.Context, pollID string, userID int64, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error)
	canVoteFn         func(ctx context.Context, pollID string, userID int64) (bool, error)
}

var errNotImplemented = errors.New("not implemented")

func (m *mockRegistry) CreateOrg(ctx context.Context, actor domain.Origin, req app.CreateOrgRequest) (*domain.Organization, error) {
	if m.createOrgFn != nil {
		return m.createOrgFn(ctx, actor, req)
	}
	return nil, errNotImplemented
}

func (m *mockRegistry) DeleteOrg(ctx context.Context, actor domain.Origin, orgID string) error {
	if m.deleteOrgFn != nil {
		return m.deleteOrgFn(ctx, actor, orgID)
	}
	return errNotImplemented
}

func (m *mockRegistry) ListMyOrgs(ctx context.Context, actor domain.Origin) ([]domain.Organization, error) {
	if m.listMyOrgsFn != nil {
		return m.listMyOrgsFn(ctx, actor)
	}
	return []domain.Organization{}, nil
}

func (m *mockRegistry) CreatePoll(ctx context.Context, actor domain.Origin, req app.CreatePollRequest) (*domain.Poll, error) {
	if m.createPollFn != nil {
		return m.createPollFn(ctx, actor, req)
	}
	return nil, errNotImplemented
}

func (m *mockRegistry) GetPoll(ctx context.Context, pollID string) (*domain.PollDetails, error) {
	if m.getPollFn != nil {
		return m.getPollFn(ctx, pollID)
	}
	return nil, domain.ErrPollNotFound
}

func (m *mockRegistry) ListActivePolls(ctx context.Context) ([]domain.PollSummary, error) {
	if m.listActivePollsFn != nil {
		return m.listActivePollsFn(ctx)
	}
	return []domain.PollSummary{}, nil
}

func (m *mockRegistry) ListPastPolls(ctx context.Context) ([]domain.PollSummary, error) {
	if m.listPastPollsFn != nil {
		return m.listPastPollsFn(ctx)
	}
	return []domain.PollSummary{}, nil
}

func (m *mockRegistry) ListOrgPolls(ctx context.Context, orgID string) ([]domain.PollSummary, error) {
	if m.listOrgPollsFn != nil {
		return m.listOrgPollsFn(ctx, orgID)
	}
	return []domain.PollSummary{}, nil
}

func (m *mockRegistry) ClosePollAs(ctx context.Context, actor domain.Origin, pollID string) (bool, error) {
	if m.closePollAsFn != nil {
		return m.closePollAsFn(ctx, actor, pollID)
	}
	return false, errNotImplemented
}

func (m *mockRegistry) RegisterVote(ctx context.Context, pollID string, userID int64, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error) {
	if m.registerVoteFn != nil {
		return m.registerVoteFn(ctx, pollID, userID, vote, attrs)
	}
	return nil, errNotImplemented
}

func (m *mockRegistry) CanVote(ctx context.Context, pollID string, userID int64) (bool, error) {
	if m.canVoteFn != nil {
		return m.canVoteFn(ctx, pollID, userID)
	}
	return true, nil
}

// mockVerifier accepts exactly the proofs listed in origins.
type mockVerifier struct {
	origins map[string]domain.Origin
}

func (m *mockVerifier) Verify(proof string) (domain.Origin, error) {
	if origin, ok := m.origins[proof]; ok {
		return origin, nil
	}
	return domain.Origin{}, domain.ErrUnauthorized
}

type mockAnnouncer struct {
	announceFn func(ctx context.Context, pollID string) error
}

func (m *mockAnnouncer) Announce(ctx context.Context, pollID string) error {
	if m.announceFn != nil {
		return m.announceFn(ctx, pollID)
	}
	return nil
}

type mockAuditor struct {
	checkFn func(ctx context.Context, pollID string) (*app.AuditReport, error)
}

func (m *mockAuditor) Check(ctx context.Context, pollID string) (*app.AuditReport, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, pollID)
	}
	return nil, domain.ErrPollNotFound
}

// --- Test helpers ---

const validProof = "query_id=test&user=alice&hash=ok"

var testOrigin = domain.Origin{UserID: 4242, ChatID: -1001}

func newTestServer(t *testing.T, reg registry, opts ...func(*Server)) *Server {
	t.Helper()

	srv := &Server{
		echo:      newEcho(),
		config:    &config.Config{Port: "0", RateLimitPerSecond: 1000, RateLimitBurst: 1000},
		registry:  reg,
		verifier:  &mockVerifier{origins: map[string]domain.Origin{validProof: testOrigin}},
		announcer: &mockAnnouncer{},
		auditor:   &mockAuditor{},
	}

	for _, opt := range opts {
		opt(srv)
	}

	// Register routes so endpoints are available for testing
	srv.registerRoutes()

	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

func withAnnouncer(a announcer) func(*Server) {
	return func(s *Server) {
		s.announcer = a
	}
}

func withAuditor(a auditor) func(*Server) {
	return func(s *Server) {
		s.auditor = a
	}
}

func withRateLimit(perSecond float64, burst int) func(*Server) {
	return func(s *Server) {
		s.config.RateLimitPerSecond = perSecond
		s.config.RateLimitBurst = burst
	}
}

// serve runs a request through the full middleware stack. proof is sent in
// the init-data header when non-empty.
func serve(t *testing.T, srv *Server, method, target, body, proof string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if proof != "" {
		req.Header.Set(initDataHeader, proof)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
