package httpserver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/correlation"
	apperrors "github.com/pscheid92/votetally/internal/platform/errors"
)

// correlationMiddleware reuses an upstream correlation id when one is sent.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlation.Header)
		if id == "" {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			structuredErr := classify(err)
			logError(c, structuredErr)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

// classify maps domain sentinels onto client-facing errors. Anything it does
// not recognise becomes an opaque internal error.
func classify(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidRange):
		return apperrors.ValidationError(err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return apperrors.ForbiddenError("not an administrator of this organization")
	case errors.Is(err, domain.ErrOrgNotFound):
		return apperrors.NotFoundError("organization not found")
	case errors.Is(err, domain.ErrPollNotFound):
		return apperrors.NotFoundError("poll not found")
	case errors.Is(err, domain.ErrAlreadyVoted):
		return apperrors.ConflictError("already_voted", "you have already voted on this poll")
	case errors.Is(err, domain.ErrPollNotStarted):
		return apperrors.ConflictError("poll_not_started", "voting has not opened yet")
	case errors.Is(err, domain.ErrPollEnded):
		return apperrors.ConflictError("poll_ended", "voting has closed")
	case errors.Is(err, domain.ErrBackendUnavailable):
		return apperrors.UnavailableError("storage temporarily unavailable", err)
	default:
		return apperrors.InternalError("internal server error", err)
	}
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	if err.Reason != "" {
		attrs = append(attrs, "reason", err.Reason)
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if userID := c.Get(userIDKey); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}

	switch err.Type {
	case apperrors.TypeValidation:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeUnauthorized, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Access denied", attrs...)
	case apperrors.TypeConflict, apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Rejected", attrs...)
	case apperrors.TypeUnavailable:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.WarnContext(ctx, "Backend unavailable", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}
