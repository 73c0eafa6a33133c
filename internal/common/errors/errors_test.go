package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("task", "t1")))
	assert.Equal(t, KindTimeout, KindOf(Timeout("dispatch")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("outer: %w", Validation("description", "must not be empty"))))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(Busy("all agents full")))
	assert.True(t, IsRetryable(Timeout("request")))
	assert.True(t, IsRetryable(Bus("publish failed", errors.New("closed"))))
	assert.False(t, IsRetryable(Agent("bad input")))
	assert.False(t, IsRetryable(Cancelled("by caller")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapPreservesKind(t *testing.T) {
	inner := Timeout("request")
	wrapped := Wrap(inner, "dispatch failed")

	assert.Equal(t, KindTimeout, wrapped.Kind)
	assert.True(t, wrapped.Retryable)
	assert.True(t, errors.Is(wrapped, inner))

	var appErr *Error
	require.True(t, errors.As(wrapped, &appErr))
	assert.Contains(t, appErr.Message, "dispatch failed")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestWireShape(t *testing.T) {
	err := Bus("publish failed", errors.New("connection reset"))
	data, merr := json.Marshal(err)
	require.NoError(t, merr)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "bus-error", payload["kind"])
	assert.Equal(t, "publish failed", payload["message"])
	assert.Equal(t, true, payload["retryable"])
	assert.Equal(t, "connection reset", payload["cause"])
}

func TestWireShapeOmitsEmptyCause(t *testing.T) {
	data, err := json.Marshal(NotFound("agent", "a1"))
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	_, hasCause := payload["cause"]
	assert.False(t, hasCause)
}

func TestDispatchTimeoutMessage(t *testing.T) {
	err := DispatchTimeout("t42", 3)
	assert.Equal(t, KindDispatchTimeout, err.Kind)
	assert.Contains(t, err.Error(), "t42")
	assert.Contains(t, err.Error(), "3 attempts")
}
