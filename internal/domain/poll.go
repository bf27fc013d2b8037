package domain

import (
	"context"
	"time"
)

type PollStatus string

const (
	PollActive PollStatus = "active"
	PollClosed PollStatus = "closed"
)

// Poll is a yes/no question asked by an organization. StartAt and EndAt are unix seconds.
type Poll struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"org_id"`
	Question        string     `json:"question"`
	ScopeLevel      ScopeLevel `json:"scope_level"`
	GeographicScope string     `json:"geographic_scope"`
	StartAt         int64      `json:"start_at"`
	EndAt           int64      `json:"end_at"`
	Status          PollStatus `json:"status"`
	HashSalt        string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Countries is the poll's country list. It is only populated for country-scoped polls.
func (p *Poll) Countries() string {
	if p.ScopeLevel == ScopeCountries {
		return p.GeographicScope
	}
	return ""
}

// Started reports whether voting has opened at now.
func (p *Poll) Started(now time.Time) bool {
	return now.UnixMilli() >= p.StartAt*1000
}

// Ended reports whether the voting window has passed at now.
func (p *Poll) Ended(now time.Time) bool {
	return now.UnixMilli() > p.EndAt*1000
}

// PollSummary is the client-facing listing shape of a poll.
type PollSummary struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"org_id"`
	OrgName         string     `json:"org_name"`
	Question        string     `json:"question"`
	ScopeLevel      ScopeLevel `json:"scope_level"`
	GeographicScope string     `json:"geographic_scope"`
	Countries       string     `json:"countries"`
	StartAt         int64      `json:"start_at"`
	EndAt           int64      `json:"end_at"`
	Status          PollStatus `json:"status"`
	TotalVotes      int64      `json:"total_votes"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PollDetails bundles everything get-poll returns.
type PollDetails struct {
	Poll       *Poll         `json:"poll"`
	Org        *Organization `json:"org"`
	Aggregates *Aggregate    `json:"aggregates"`
}

type PollStore interface {
	// CreatePoll persists the poll and its zeroed aggregate as one atomic unit.
	CreatePoll(ctx context.Context, poll *Poll) error
	GetPoll(ctx context.Context, pollID string) (*Poll, error)
	ListPolls(ctx context.Context) ([]Poll, error)
	ListOrgPolls(ctx context.Context, orgID string) ([]Poll, error)
	// ClosePoll flips an active poll to closed. It reports whether this call made the transition.
	ClosePoll(ctx context.Context, pollID string) (bool, error)
}
