package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncErrorMessage(t *testing.T) {
	err := NewError(ErrCodeScopeViolation, "record %s outside scope", "r1").WithSession("ts-1")
	assert.Equal(t, "SCOPE_VIOLATION: record r1 outside scope (session=ts-1)", err.Error())
}

func TestSyncErrorHelpersSeeThroughWrapping(t *testing.T) {
	base := NewError(ErrCodeSessionBusy, "busy")
	wrapped := fmt.Errorf("outer: %w", base)

	assert.True(t, IsSessionBusy(wrapped))
	assert.False(t, IsScopeViolation(wrapped))
	assert.Equal(t, ErrCodeSessionBusy, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestSyncErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrCodeTransferNetwork, cause, "push chunk")
	assert.ErrorIs(t, err, cause)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrCodeTxIsolationConflict, "busy")))
	assert.True(t, IsRetryable(NewError(ErrCodeTransferNetwork, "down")))
	assert.False(t, IsRetryable(NewError(ErrCodeInvalidChain, "bad")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
