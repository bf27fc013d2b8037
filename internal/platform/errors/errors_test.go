package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{UnauthorizedError("no proof", nil), http.StatusUnauthorized},
		{ForbiddenError("not admin"), http.StatusForbidden},
		{NotFoundError("poll not found"), http.StatusNotFound},
		{ConflictError("already_voted", "already voted"), http.StatusConflict},
		{RateLimitedError("slow down"), http.StatusTooManyRequests},
		{UnavailableError("backend down", nil), http.StatusServiceUnavailable},
		{InternalError("boom", nil), http.StatusInternalServerError},
		{&Error{Type: "mystery"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := UnavailableError("storage unavailable", cause)

	assert.Equal(t, "unavailable: storage unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestToResponse_CarriesReasonNotCause(t *testing.T) {
	err := ConflictError("poll_ended", "poll has ended").WithContext("poll_id", "p1")
	err.Cause = errors.New("secret detail")

	resp := err.ToResponse()
	assert.Equal(t, "poll has ended", resp.Error)
	assert.Equal(t, TypeConflict, resp.Type)
	assert.Equal(t, "poll_ended", resp.Reason)
	assert.Equal(t, "p1", resp.Context["poll_id"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := NotFoundError("org not found")
	wrapped := fmt.Errorf("handler: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("boom")
	got := AsStructuredError(plain)
	require.NotNil(t, got)
	assert.Equal(t, TypeInternal, got.Type)
	assert.Equal(t, "internal server error", got.Message)
	assert.ErrorIs(t, got, plain)
}
