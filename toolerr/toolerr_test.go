package toolerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDerivesRetryability(t *testing.T) {
	require.True(t, New(KindTimeout, "slow").Retryable)
	require.True(t, New(KindDBDeadlock, "").Retryable)
	require.False(t, New(KindSchema, "bad").Retryable)
	require.False(t, New(KindAuth, "denied").Retryable)

	e := New(KindConnection, "")
	require.Equal(t, "connection", e.Message, "empty message falls back to the kind")
}

func TestFromHTTPStatus(t *testing.T) {
	for status, want := range map[int]struct {
		kind      Kind
		retryable bool
	}{
		401: {KindAuth, false},
		403: {KindAuth, false},
		404: {KindNotFound, false},
		408: {KindTimeout, true},
		422: {KindClientError, false},
		429: {KindRateLimit, true},
		500: {KindServerError, true},
		503: {KindServerError, true},
		504: {KindTimeout, true},
	} {
		e := FromHTTPStatus(status, "x")
		require.Equal(t, want.kind, e.Kind, "status %d", status)
		require.Equal(t, want.retryable, e.Retryable, "status %d", status)
		require.Equal(t, status, e.HTTPStatus)
	}
}

func TestFromPGCode(t *testing.T) {
	require.Equal(t, KindDBDeadlock, FromPGCode("40P01", "deadlock").Kind)
	require.Equal(t, KindDBTimeout, FromPGCode("57014", "cancelled").Kind)
	require.Equal(t, KindDBConnection, FromPGCode("08006", "connection failure").Kind)
	require.Equal(t, KindDBConstraint, FromPGCode("23505", "unique violation").Kind)
	require.Equal(t, KindClientError, FromPGCode("22003", "out of range").Kind)

	e := FromPGCode("40P01", "deadlock")
	require.True(t, e.Retryable)
	require.Equal(t, "40P01", e.PGCode)
	require.False(t, FromPGCode("23505", "dup").Retryable)
}

func TestWrapPreservesChain(t *testing.T) {
	inner := New(KindConnection, "refused")
	wrapped := Wrap(KindServerError, "call upstream", fmt.Errorf("attempt 2: %w", inner))

	require.Equal(t, KindServerError, wrapped.Kind)
	var te *ToolError
	require.True(t, errors.As(wrapped.Unwrap(), &te))
	require.True(t, errors.Is(wrapped, inner))
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	te := New(KindRateLimit, "slow down")
	require.Same(t, te, FromError(fmt.Errorf("outer: %w", te)), "existing tool errors pass through")

	plain := FromError(errors.New("disk full"))
	require.Equal(t, KindServerError, plain.Kind)
	require.Equal(t, "disk full", plain.Message)
}

func TestSerializationRoundTrip(t *testing.T) {
	e := Wrap(KindServerError, "call upstream", New(KindConnection, "refused"))
	e.HTTPStatus = 502
	e.Code = "UPSTREAM_DOWN"

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var got ToolError
	require.NoError(t, json.Unmarshal(raw, &got))

	require.Equal(t, e.Kind, got.Kind)
	require.Equal(t, e.HTTPStatus, got.HTTPStatus)
	require.Equal(t, e.Code, got.Code)
	require.NotNil(t, got.Cause)
	require.Equal(t, KindConnection, got.Cause.Kind)
}
