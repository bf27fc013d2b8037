package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/tally"
)

const (
	maxNameLength     = 120
	maxQuestionLength = 500
	saltBytes         = 32
)

var telegramHandle = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)

type CreateOrgRequest struct {
	Name                   string `json:"name"`
	Purpose                string `json:"purpose"`
	ScopeLevel             string `json:"scope_level"`
	GeographicScope        string `json:"geographic_scope"`
	LogoURL                string `json:"logo_url"`
	IDVerificationRequired bool   `json:"id_verification_required"`
	TelegramHandle         string `json:"telegram_handle"`
}

type CreatePollRequest struct {
	OrgID           string `json:"org_id"`
	Question        string `json:"question"`
	ScopeLevel      string `json:"scope_level"`
	GeographicScope string `json:"geographic_scope"`
	StartAt         int64  `json:"start_at"`
	EndAt           int64  `json:"end_at"`
}

// Registry owns organizations and polls and registers votes against them.
type Registry struct {
	store   domain.Store
	admins  domain.ChatAuthorizer
	chain   *AuditChain
	clock   clockwork.Clock
	metrics *metrics.VoteMetrics
}

// NewRegistry wires the registry. admins may be nil, in which case only
// private-chat owners can mutate their organizations.
func NewRegistry(store domain.Store, admins domain.ChatAuthorizer, chain *AuditChain, clock clockwork.Clock, m *metrics.VoteMetrics) *Registry {
	return &Registry{
		store:   store,
		admins:  admins,
		chain:   chain,
		clock:   clock,
		metrics: m,
	}
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

// CreateOrg registers an organization owned by the chat the actor writes from.
// Claiming a group chat takes admin rights in that group.
func (r *Registry) CreateOrg(ctx context.Context, actor domain.Origin, req CreateOrgRequest) (*domain.Organization, error) {
	if err := authorize(ctx, r.admins, actor, &domain.Organization{ChatID: actor.ChatID}); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if len(name) > maxNameLength {
		return nil, invalid("name must be at most %d characters", maxNameLength)
	}
	level, geo, err := validateScope(req.ScopeLevel, req.GeographicScope)
	if err != nil {
		return nil, err
	}
	logo := strings.TrimSpace(req.LogoURL)
	if logo != "" && !isWebURL(logo) {
		return nil, invalid("logo_url must be an absolute http(s) URL")
	}
	handle := strings.TrimPrefix(strings.TrimSpace(req.TelegramHandle), "@")
	if handle != "" && !telegramHandle.MatchString(handle) {
		return nil, invalid("telegram_handle must be 5-32 letters, digits or underscores")
	}

	org := &domain.Organization{
		ID:                     uuid.NewString(),
		Name:                   name,
		Purpose:                strings.TrimSpace(req.Purpose),
		ScopeLevel:             level,
		GeographicScope:        geo,
		LogoURL:                logo,
		ChatID:                 actor.ChatID,
		IDVerificationRequired: req.IDVerificationRequired,
		TelegramHandle:         handle,
		CreatedAt:              r.now(),
	}
	if err := r.store.CreateOrg(ctx, org); err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	slog.InfoContext(ctx, "Organization created", "org_id", org.ID, "chat_id", org.ChatID)
	return org, nil
}

func (r *Registry) DeleteOrg(ctx context.Context, actor domain.Origin, orgID string) error {
	org, err := r.store.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if err := authorize(ctx, r.admins, actor, org); err != nil {
		return err
	}
	if err := r.store.DeleteOrg(ctx, orgID); err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	slog.InfoContext(ctx, "Organization deleted", "org_id", orgID, "user_id", actor.UserID)
	return nil
}

// ListMyOrgs returns the organizations owned by the chat the actor launched
// from, plus the actor's privately owned ones, newest first.
func (r *Registry) ListMyOrgs(ctx context.Context, actor domain.Origin) ([]domain.Organization, error) {
	chats := []int64{actor.ChatID}
	if actor.UserID != actor.ChatID {
		chats = append(chats, actor.UserID)
	}

	var orgs []domain.Organization
	for _, chatID := range chats {
		found, err := r.store.ListOrgsByChat(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to list organizations: %w", err)
		}
		orgs = append(orgs, found...)
	}

	sort.Slice(orgs, func(i, j int) bool { return orgs[i].CreatedAt.After(orgs[j].CreatedAt) })
	return orgs, nil
}

func (r *Registry) CreatePoll(ctx context.Context, actor domain.Origin, req CreatePollRequest) (*domain.Poll, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, invalid("question is required")
	}
	if len(question) > maxQuestionLength {
		return nil, invalid("question must be at most %d characters", maxQuestionLength)
	}
	level, geo, err := validateScope(req.ScopeLevel, req.GeographicScope)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if req.EndAt <= req.StartAt {
		return nil, fmt.Errorf("%w: end_at must be after start_at", domain.ErrInvalidRange)
	}
	if req.StartAt/60 < now.Unix()/60 {
		return nil, fmt.Errorf("%w: start_at is in the past", domain.ErrInvalidRange)
	}

	org, err := r.store.GetOrg(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, r.admins, actor, org); err != nil {
		return nil, err
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	poll := &domain.Poll{
		ID:              uuid.NewString(),
		OrgID:           org.ID,
		Question:        question,
		ScopeLevel:      level,
		GeographicScope: geo,
		StartAt:         req.StartAt,
		EndAt:           req.EndAt,
		Status:          domain.PollActive,
		HashSalt:        salt,
		CreatedAt:       now,
	}
	if err := r.store.CreatePoll(ctx, poll); err != nil {
		return nil, fmt.Errorf("failed to create poll: %w", err)
	}

	slog.InfoContext(ctx, "Poll created", "poll_id", poll.ID, "org_id", org.ID, "start_at", poll.StartAt, "end_at", poll.EndAt)
	return poll, nil
}

func (r *Registry) GetPoll(ctx context.Context, pollID string) (*domain.PollDetails, error) {
	poll, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	org, err := r.store.GetOrg(ctx, poll.OrgID)
	if err != nil {
		return nil, err
	}
	agg, err := r.store.GetAggregate(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate: %w", err)
	}
	return &domain.PollDetails{Poll: poll, Org: org, Aggregates: agg}, nil
}

// ListActivePolls returns open polls whose voting window contains now,
// closing soonest first.
func (r *Registry) ListActivePolls(ctx context.Context) ([]domain.PollSummary, error) {
	now := r.clock.Now()
	polls, err := r.store.ListPolls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", err)
	}

	polls = filterPolls(polls, func(p *domain.Poll) bool {
		return p.Status == domain.PollActive && p.Started(now) && !p.Ended(now)
	})
	sort.Slice(polls, func(i, j int) bool { return polls[i].EndAt < polls[j].EndAt })
	return r.summarize(ctx, polls)
}

// ListPastPolls returns closed or expired polls, most recently ended first.
func (r *Registry) ListPastPolls(ctx context.Context) ([]domain.PollSummary, error) {
	now := r.clock.Now()
	polls, err := r.store.ListPolls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", err)
	}

	polls = filterPolls(polls, func(p *domain.Poll) bool {
		return p.Status == domain.PollClosed || p.Ended(now)
	})
	sort.Slice(polls, func(i, j int) bool { return polls[i].EndAt > polls[j].EndAt })
	return r.summarize(ctx, polls)
}

func (r *Registry) ListOrgPolls(ctx context.Context, orgID string) ([]domain.PollSummary, error) {
	if _, err := r.store.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	polls, err := r.store.ListOrgPolls(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list org polls: %w", err)
	}

	sort.Slice(polls, func(i, j int) bool { return polls[i].CreatedAt.After(polls[j].CreatedAt) })
	return r.summarize(ctx, polls)
}

// ClosePoll moves an active poll to closed. Closing a closed poll is a no-op;
// the result reports whether this call made the transition.
func (r *Registry) ClosePoll(ctx context.Context, pollID string) (bool, error) {
	closed, err := r.store.ClosePoll(ctx, pollID)
	if err != nil {
		return false, err
	}
	if closed {
		slog.InfoContext(ctx, "Poll closed", "poll_id", pollID)
	}
	return closed, nil
}

// ClosePollAs is ClosePoll on behalf of an organization admin.
func (r *Registry) ClosePollAs(ctx context.Context, actor domain.Origin, pollID string) (bool, error) {
	poll, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return false, err
	}
	org, err := r.store.GetOrg(ctx, poll.OrgID)
	if err != nil {
		return false, err
	}
	if err := authorize(ctx, r.admins, actor, org); err != nil {
		return false, err
	}
	return r.ClosePoll(ctx, pollID)
}

// RegisterVote casts userID's vote on pollID and returns the updated tally.
func (r *Registry) RegisterVote(ctx context.Context, pollID string, userID int64, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error) {
	start := r.clock.Now()
	agg, err := r.registerVote(ctx, pollID, userID, vote, attrs)
	r.metrics.ProcessingDuration.Observe(r.clock.Since(start).Seconds())
	r.metrics.VotesProcessed.WithLabelValues(voteResult(err)).Inc()

	if err != nil {
		return nil, err
	}
	r.metrics.VotesByChoice.WithLabelValues(string(vote)).Inc()
	slog.DebugContext(ctx, "Vote registered", "poll_id", pollID, "total_votes", agg.TotalVotes)
	return agg, nil
}

func (r *Registry) registerVote(ctx context.Context, pollID string, userID int64, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error) {
	if _, ok := domain.ParseVote(string(vote)); !ok {
		return nil, invalid("vote must be %q or %q", domain.VoteYes, domain.VoteNo)
	}
	if attrs.AgeBracket != "" && !tally.ValidAgeBracket(attrs.AgeBracket) {
		return nil, invalid("unknown age_bracket %q", attrs.AgeBracket)
	}

	poll, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	if poll.Status == domain.PollClosed || poll.Ended(now) {
		return nil, domain.ErrPollEnded
	}
	if !poll.Started(now) {
		return nil, domain.ErrPollNotStarted
	}

	voterHash := tally.Fingerprint(strconv.FormatInt(userID, 10), pollID, poll.HashSalt)
	agg, err := r.chain.Record(ctx, pollID, voterHash, vote, attrs)
	if err != nil {
		// a close can land between the status check and the write
		if errors.Is(err, domain.ErrAlreadyVoted) || errors.Is(err, domain.ErrPollEnded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record vote: %w", err)
	}
	return agg, nil
}

// CanVote reports whether userID has not yet voted on pollID.
func (r *Registry) CanVote(ctx context.Context, pollID string, userID int64) (bool, error) {
	poll, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return false, err
	}
	voterHash := tally.Fingerprint(strconv.FormatInt(userID, 10), pollID, poll.HashSalt)
	voted, err := r.store.HasVoted(ctx, pollID, voterHash)
	if err != nil {
		return false, fmt.Errorf("failed to check voter key: %w", err)
	}
	return !voted, nil
}

func (r *Registry) summarize(ctx context.Context, polls []domain.Poll) ([]domain.PollSummary, error) {
	orgNames := make(map[string]string)
	out := make([]domain.PollSummary, 0, len(polls))

	for i := range polls {
		p := &polls[i]

		name, ok := orgNames[p.OrgID]
		if !ok {
			org, err := r.store.GetOrg(ctx, p.OrgID)
			if errors.Is(err, domain.ErrOrgNotFound) {
				// org deleted between listing and lookup
				continue
			}
			if err != nil {
				return nil, err
			}
			name = org.Name
			orgNames[p.OrgID] = name
		}

		agg, err := r.store.GetAggregate(ctx, p.ID)
		if errors.Is(err, domain.ErrPollNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load aggregate: %w", err)
		}

		out = append(out, domain.PollSummary{
			ID:              p.ID,
			OrgID:           p.OrgID,
			OrgName:         name,
			Question:        p.Question,
			ScopeLevel:      p.ScopeLevel,
			GeographicScope: p.GeographicScope,
			Countries:       p.Countries(),
			StartAt:         p.StartAt,
			EndAt:           p.EndAt,
			Status:          p.Status,
			TotalVotes:      agg.TotalVotes,
			CreatedAt:       p.CreatedAt,
		})
	}
	return out, nil
}

func filterPolls(polls []domain.Poll, keep func(*domain.Poll) bool) []domain.Poll {
	out := polls[:0]
	for i := range polls {
		if keep(&polls[i]) {
			out = append(out, polls[i])
		}
	}
	return out
}

func validateScope(levelStr, geographic string) (domain.ScopeLevel, string, error) {
	level, ok := domain.ParseScopeLevel(strings.TrimSpace(levelStr))
	if !ok {
		return "", "", invalid("unknown scope_level %q", levelStr)
	}
	geo := strings.TrimSpace(geographic)
	if geo == "" {
		return "", "", invalid("geographic_scope is required")
	}
	if level == domain.ScopeCountries {
		codes := strings.Split(geo, ",")
		for i, c := range codes {
			codes[i] = strings.TrimSpace(c)
			if codes[i] == "" {
				return "", "", invalid("geographic_scope must be a comma-separated country list")
			}
		}
		geo = strings.Join(codes, ", ")
	}
	return level, geo, nil
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func newSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate hash salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

func voteResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultAccepted
	case errors.Is(err, domain.ErrAlreadyVoted):
		return metrics.ResultAlreadyVoted
	case errors.Is(err, domain.ErrPollNotStarted):
		return metrics.ResultNotStarted
	case errors.Is(err, domain.ErrPollEnded):
		return metrics.ResultEnded
	case errors.Is(err, domain.ErrPollNotFound):
		return metrics.ResultNotFound
	default:
		return metrics.ResultError
	}
}
