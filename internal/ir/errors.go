package ir

import (
	"errors"
	"fmt"
)

// SyncError is the typed error raised by the replication engine.
//
// Codes map one to one onto the failure classes a peer can act on; callers
// test them with the IsXxx helpers, which see through wrapping.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID is the affected sync or transfer session, if any.
	SessionID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeScopeViolation: a record outside the authorized scope was
	// offered or requested.
	ErrCodeScopeViolation ErrorCode = "SCOPE_VIOLATION"

	// ErrCodeInvalidChain: a certificate chain failed verification.
	ErrCodeInvalidChain ErrorCode = "INVALID_CHAIN"

	// ErrCodeFMCOverflow: the filter covers too many (partition, instance) pairs.
	ErrCodeFMCOverflow ErrorCode = "FMC_OVERFLOW"

	// ErrCodeTxIsolationConflict: the store could not serialize a transaction.
	ErrCodeTxIsolationConflict ErrorCode = "TX_ISOLATION_CONFLICT"

	// ErrCodeTransferNetwork: the peer could not be reached or answered badly.
	ErrCodeTransferNetwork ErrorCode = "TRANSFER_NETWORK"

	// ErrCodeStageConfiguration: no handler handled a stage.
	ErrCodeStageConfiguration ErrorCode = "STAGE_CONFIGURATION"

	// ErrCodeSessionBusy: another transfer in the same direction is active.
	ErrCodeSessionBusy ErrorCode = "SESSION_BUSY"

	// ErrCodeNonceInvalid: the nonce was unknown, expired or already used.
	ErrCodeNonceInvalid ErrorCode = "NONCE_INVALID"

	// ErrCodeUnauthorized: credentials were missing or rejected.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeNotFound: a referenced session, certificate or record is unknown.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeProtocol: the peer refused a malformed or unroutable request.
	// Sending it again gets the same answer.
	ErrCodeProtocol ErrorCode = "PROTOCOL"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewError creates a SyncError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a SyncError around cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithSession returns a copy of e tagged with sessionID.
func (e *SyncError) WithSession(sessionID string) *SyncError {
	cp := *e
	cp.SessionID = sessionID
	return &cp
}

// CodeOf returns the code of the first SyncError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsScopeViolation returns true if the error is a scope violation.
func IsScopeViolation(err error) bool { return CodeOf(err) == ErrCodeScopeViolation }

// IsInvalidChain returns true if a certificate chain failed verification.
func IsInvalidChain(err error) bool { return CodeOf(err) == ErrCodeInvalidChain }

// IsFMCOverflow returns true if FMC computation exceeded its bound.
func IsFMCOverflow(err error) bool { return CodeOf(err) == ErrCodeFMCOverflow }

// IsTxIsolationConflict returns true if a transaction lost a serialization race.
func IsTxIsolationConflict(err error) bool { return CodeOf(err) == ErrCodeTxIsolationConflict }

// IsTransferNetwork returns true for transport failures.
func IsTransferNetwork(err error) bool { return CodeOf(err) == ErrCodeTransferNetwork }

// IsStageConfiguration returns true if a stage had no handler.
func IsStageConfiguration(err error) bool { return CodeOf(err) == ErrCodeStageConfiguration }

// IsSessionBusy returns true if a concurrent transfer blocked this one.
func IsSessionBusy(err error) bool { return CodeOf(err) == ErrCodeSessionBusy }

// IsNonceInvalid returns true if a nonce was rejected.
func IsNonceInvalid(err error) bool { return CodeOf(err) == ErrCodeNonceInvalid }

// IsUnauthorized returns true if credentials were rejected.
func IsUnauthorized(err error) bool { return CodeOf(err) == ErrCodeUnauthorized }

// IsNotFound returns true if a referenced entity does not exist.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsProtocol returns true if the peer refused the request as malformed.
func IsProtocol(err error) bool { return CodeOf(err) == ErrCodeProtocol }

// IsRetryable reports whether retrying the same operation may succeed.
// Isolation conflicts and network failures are transient; everything else
// needs a change of input.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeTxIsolationConflict, ErrCodeTransferNetwork:
		return true
	}
	return false
}
