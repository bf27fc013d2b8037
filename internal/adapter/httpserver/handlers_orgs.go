package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/votetally/internal/app"
	"github.com/pscheid92/votetally/internal/domain"
	apperrors "github.com/pscheid92/votetally/internal/platform/errors"
)

const (
	initDataHeader = "X-Telegram-Init-Data"
	userIDKey      = "userID"
)

// originProof is embedded by request bodies that may carry the proof
// instead of the header.
type originProof struct {
	OriginProof string `json:"origin_proof"`
}

// authenticate verifies the caller's init data. The header wins over a proof
// sent in the body.
func (s *Server) authenticate(c echo.Context, bodyProof string) (domain.Origin, error) {
	proof := c.Request().Header.Get(initDataHeader)
	if proof == "" {
		proof = bodyProof
	}
	if proof == "" {
		return domain.Origin{}, apperrors.UnauthorizedError("origin proof is required", nil)
	}

	origin, err := s.verifier.Verify(proof)
	if err != nil {
		return domain.Origin{}, apperrors.UnauthorizedError("invalid origin proof", err)
	}
	c.Set(userIDKey, origin.UserID)
	return origin, nil
}

type createOrgBody struct {
	app.CreateOrgRequest
	originProof
}

func (s *Server) handleCreateOrg(c echo.Context) error {
	var body createOrgBody
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	origin, err := s.authenticate(c, body.OriginProof)
	if err != nil {
		return err
	}

	org, err := s.registry.CreateOrg(c.Request().Context(), origin, body.CreateOrgRequest)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, org)
}

func (s *Server) handleListMyOrgs(c echo.Context) error {
	origin, err := s.authenticate(c, "")
	if err != nil {
		return err
	}

	orgs, err := s.registry.ListMyOrgs(c.Request().Context(), origin)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, orgs)
}

func (s *Server) handleDeleteOrg(c echo.Context) error {
	origin, err := s.authenticate(c, "")
	if err != nil {
		return err
	}

	if err := s.registry.DeleteOrg(c.Request().Context(), origin, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListOrgPolls(c echo.Context) error {
	polls, err := s.registry.ListOrgPolls(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, polls)
}
