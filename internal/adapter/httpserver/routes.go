package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000,
		ReferrerPolicy:     "no-referrer",
	}))
	// the mini-app is served from its own origin
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, initDataHeader},
	}))

	s.registerHealthRoutes()
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}
	s.registerAPIRoutes()
}

func (s *Server) registerAPIRoutes() {
	limit := newRateLimiter(s.config.RateLimitPerSecond, s.config.RateLimitBurst)

	api := s.echo.Group("/api")

	api.POST("/orgs", s.handleCreateOrg, limit)
	api.GET("/orgs/mine", s.handleListMyOrgs)
	api.DELETE("/orgs/:id", s.handleDeleteOrg, limit)
	api.GET("/orgs/:id/polls", s.handleListOrgPolls)

	api.POST("/polls", s.handleCreatePoll, limit)
	api.GET("/polls/active", s.handleListActivePolls)
	api.GET("/polls/past", s.handleListPastPolls)
	api.GET("/polls/:id", s.handleGetPoll)
	api.GET("/polls/:id/can-vote", s.handleCanVote)
	api.POST("/polls/:id/votes", s.handleRegisterVote, limit)
	api.POST("/polls/:id/close", s.handleClosePoll, limit)
	api.GET("/polls/:id/audit/verify", s.handleVerifyAudit)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
