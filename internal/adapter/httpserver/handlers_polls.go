package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/votetally/internal/app"
	"github.com/pscheid92/votetally/internal/domain"
	apperrors "github.com/pscheid92/votetally/internal/platform/errors"
)

const announceTimeout = 10 * time.Second

type createPollBody struct {
	app.CreatePollRequest
	originProof
}

type registerVoteBody struct {
	Vote string `json:"vote"`
	domain.Attributes
	originProof
}

type closePollBody struct {
	originProof
}

func (s *Server) handleCreatePoll(c echo.Context) error {
	var body createPollBody
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	origin, err := s.authenticate(c, body.OriginProof)
	if err != nil {
		return err
	}

	poll, err := s.registry.CreatePoll(c.Request().Context(), origin, body.CreatePollRequest)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, map[string]string{"id": poll.ID})
}

func (s *Server) handleListActivePolls(c echo.Context) error {
	polls, err := s.registry.ListActivePolls(c.Request().Context())
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, polls)
}

func (s *Server) handleListPastPolls(c echo.Context) error {
	polls, err := s.registry.ListPastPolls(c.Request().Context())
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, polls)
}

func (s *Server) handleGetPoll(c echo.Context) error {
	details, err := s.registry.GetPoll(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, details)
}

func (s *Server) handleCanVote(c echo.Context) error {
	origin, err := s.authenticate(c, "")
	if err != nil {
		return err
	}

	canVote, err := s.registry.CanVote(c.Request().Context(), c.Param("id"), origin.UserID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]bool{"canVote": canVote})
}

func (s *Server) handleRegisterVote(c echo.Context) error {
	var body registerVoteBody
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	origin, err := s.authenticate(c, body.OriginProof)
	if err != nil {
		return err
	}

	agg, err := s.registry.RegisterVote(c.Request().Context(), c.Param("id"), origin.UserID, domain.Vote(body.Vote), body.Attributes)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"success": true, "aggregates": agg})
}

func (s *Server) handleClosePoll(c echo.Context) error {
	var body closePollBody
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	origin, err := s.authenticate(c, body.OriginProof)
	if err != nil {
		return err
	}

	pollID := c.Param("id")
	ctx := c.Request().Context()
	closed, err := s.registry.ClosePollAs(ctx, origin, pollID)
	if err != nil {
		return err
	}

	if closed && s.announcer != nil {
		// the poll is closed either way; a failed announcement is only logged
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
		defer cancel()
		if err := s.announcer.Announce(actx, pollID); err != nil {
			slog.WarnContext(ctx, "Failed to announce poll result", "poll_id", pollID, "error", err)
		}
	}

	return writeJSON(c, http.StatusOK, map[string]bool{"closed": closed})
}

func (s *Server) handleVerifyAudit(c echo.Context) error {
	report, err := s.auditor.Check(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{
		"consistent": report.Consistent(),
		"report":     report,
	})
}
