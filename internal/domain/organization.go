package domain

import (
	"context"
	"time"
)

// ScopeLevel is the geographic granularity of an organization or poll.
type ScopeLevel string

const (
	ScopeCountries ScopeLevel = "countries"
	ScopeRegion    ScopeLevel = "region"
	ScopeContinent ScopeLevel = "continent"
	ScopeWorld     ScopeLevel = "world"
	ScopeCity      ScopeLevel = "city"
	ScopeCommunity ScopeLevel = "community"
)

// ParseScopeLevel returns the scope level for s and whether it is known.
func ParseScopeLevel(s string) (ScopeLevel, bool) {
	switch level := ScopeLevel(s); level {
	case ScopeCountries, ScopeRegion, ScopeContinent, ScopeWorld, ScopeCity, ScopeCommunity:
		return level, true
	default:
		return "", false
	}
}

type Organization struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Purpose                string     `json:"purpose,omitempty"`
	ScopeLevel             ScopeLevel `json:"scope_level"`
	GeographicScope        string     `json:"geographic_scope"`
	LogoURL                string     `json:"logo_url,omitempty"`
	ChatID                 int64      `json:"chat_id"`
	IDVerificationRequired bool       `json:"id_verification_required"`
	TelegramHandle         string     `json:"telegram_handle,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

type OrgStore interface {
	CreateOrg(ctx context.Context, org *Organization) error
	GetOrg(ctx context.Context, orgID string) (*Organization, error)
	ListOrgsByChat(ctx context.Context, chatID int64) ([]Organization, error)
	// DeleteOrg removes the organization together with its polls and tallies.
	DeleteOrg(ctx context.Context, orgID string) error
}
