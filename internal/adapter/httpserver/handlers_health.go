package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/votetally/internal/platform/version"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second
)

// HealthCheck is a named dependency check, typically storage reachability or
// the leader lease.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// healthStatus is all a client learns about a failing check. Causes name hosts
// and storage internals, so they only go to the log.
type healthStatus struct {
	Status      string `json:"status"`
	FailedCheck string `json:"failed_check,omitempty"`
}

type livenessStatus struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	return s.respondHealth(c, startupCheckTimeout)
}

func (s *Server) handleReadiness(c echo.Context) error {
	return s.respondHealth(c, readinessCheckTimeout)
}

// handleLiveness only proves the process serves requests; a storage outage
// must not get the instance restarted.
func (s *Server) handleLiveness(c echo.Context) error {
	status := livenessStatus{Status: "ok", Uptime: time.Since(s.startTime).Seconds()}
	if err := c.JSON(http.StatusOK, status); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) respondHealth(c echo.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	code, status := http.StatusOK, healthStatus{Status: "ready"}
	if failed := s.firstFailingCheck(ctx); failed != "" {
		code, status = http.StatusServiceUnavailable, healthStatus{Status: "unhealthy", FailedCheck: failed}
	}
	if err := c.JSON(code, status); err != nil {
		return fmt.Errorf("failed to write health response: %w", err)
	}
	return nil
}

// firstFailingCheck runs the checks in order and returns the name of the first
// one that fails, or "" when all pass.
func (s *Server) firstFailingCheck(ctx context.Context) string {
	for _, hc := range s.healthChecks {
		start := time.Now()
		if err := hc.Check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", "check", hc.Name, "duration", time.Since(start), "error", err)
			return hc.Name
		}
	}
	return ""
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
