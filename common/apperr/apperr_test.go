package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *Error
		kind   Kind
		status int
	}{
		{Unauthorized("x"), KindUnauthorized, http.StatusUnauthorized},
		{Forbidden("x"), KindForbidden, http.StatusForbidden},
		{NotFound("x"), KindNotFound, http.StatusNotFound},
		{Validation("x"), KindValidation, http.StatusBadRequest},
		{Conflict("x"), KindConflict, http.StatusConflict},
		{Upstream("x"), KindUpstream, http.StatusBadGateway},
		{UpstreamTimeout("x"), KindTimeout, http.StatusGatewayTimeout},
		{Internal("x"), KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, tc.err.Kind)
		assert.Equal(t, tc.status, tc.err.Status)
	}
}

func TestDetailFormatting(t *testing.T) {
	err := NotFound("Agent '%s' not found", "web-01")
	assert.Equal(t, "Agent 'web-01' not found", err.Detail)
}

func TestFrom(t *testing.T) {
	orig := Conflict("busy")
	assert.Same(t, orig, From(orig))

	wrapped := fmt.Errorf("handler: %w", orig)
	assert.Same(t, orig, From(wrapped))

	plain := errors.New("boom")
	internal := From(plain)
	assert.Equal(t, KindInternal, internal.Kind)
	assert.ErrorIs(t, internal, plain)
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Validation("bad input"))
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(errors.New("plain"), KindValidation))
}

func TestWithCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Upstream("Agent unreachable").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "Agent unreachable", err.Detail)
	assert.Contains(t, err.Error(), "connection reset")

	// The original is untouched
	bare := Upstream("Agent unreachable")
	assert.NotContains(t, bare.Error(), "connection reset")
}
