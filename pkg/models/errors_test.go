package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrappingChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(CodeStoreUnavailable, true, cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), CodeStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	wrapped := fmt.Errorf("outer: %w", err)
	var structured *Error
	require.True(t, errors.As(wrapped, &structured))
	assert.Equal(t, CodeStoreUnavailable, structured.Code)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(CodeCircuitOpen, "open", true)))
	assert.False(t, IsRetryable(NewError(CodeLockHeld, "held", false)))
	assert.False(t, IsRetryable(errors.New("foreign")))
	assert.False(t, IsRetryable(nil))

	// Retryability survives wrapping
	inner := NewError(CodeStoreUnavailable, "down", true)
	assert.True(t, IsRetryable(fmt.Errorf("outer: %w", inner)))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeTaskNotFound, CodeOf(NewError(CodeTaskNotFound, "missing", false)))
	assert.Equal(t, "", CodeOf(errors.New("foreign")))
	assert.Equal(t, "", CodeOf(nil))
}

func TestWithDetail(t *testing.T) {
	err := NewError(CodeLockHeld, "path is locked", false).
		WithDetail("path", "/src/main.go").
		WithDetail("owner", "agent-1")

	assert.Equal(t, "/src/main.go", err.Details["path"])
	assert.Equal(t, "agent-1", err.Details["owner"])
}

func TestUnexpectedIsRetryable(t *testing.T) {
	err := Unexpected(errors.New("panic: nil deref"))
	assert.Equal(t, CodeUnexpectedError, err.Code)
	assert.True(t, err.Retryable)
}
