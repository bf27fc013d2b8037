// Package httpserver exposes the poll registry as a JSON API over echo.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/app"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/config"
)

type registry interface {
	CreateOrg(ctx context.Context, actor domain.Origin, req app.CreateOrgRequest) (*domain.Organization, error)
	DeleteOrg(ctx context.Context, actor domain.Origin, orgID string) error
	ListMyOrgs(ctx context.Context, actor domain.Origin) ([]domain.Organization, error)
	CreatePoll(ctx context.Context, actor domain.Origin, req app.CreatePollRequest) (*domain.Poll, error)
	GetPoll(ctx context.Context, pollID string) (*domain.PollDetails, error)
	ListActivePolls(ctx context.Context) ([]domain.PollSummary, error)
	ListPastPolls(ctx context.Context) ([]domain.PollSummary, error)
	ListOrgPolls(ctx context.Context, orgID string) ([]domain.PollSummary, error)
	ClosePollAs(ctx context.Context, actor domain.Origin, pollID string) (bool, error)
	RegisterVote(ctx context.Context, pollID string, userID int64, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error)
	CanVote(ctx context.Context, pollID string, userID int64) (bool, error)
}

// announcer posts the final result of a poll that was just closed.
type announcer interface {
	Announce(ctx context.Context, pollID string) error
}

type auditor interface {
	Check(ctx context.Context, pollID string) (*app.AuditReport, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	registry  registry
	verifier  domain.OriginVerifier
	announcer announcer
	auditor   auditor

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer builds the API. httpMetrics and metricsHandler may be nil to run without instrumentation.
func NewServer(cfg *config.Config, reg registry, verifier domain.OriginVerifier, ann announcer, aud auditor, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	srv := &Server{
		echo:           newEcho(),
		config:         cfg,
		registry:       reg,
		verifier:       verifier,
		announcer:      ann,
		auditor:        aud,
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
