// Package errors provides standardized error handling for the sync engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeMalformedEvent   ErrorCode = "MALFORMED_EVENT"
	ErrCodeNetworkTimeout   ErrorCode = "NETWORK_TIMEOUT"
	ErrCodeMessageNotFound  ErrorCode = "MESSAGE_NOT_FOUND"
	ErrCodeStaleResponse    ErrorCode = "STALE_RESPONSE"
	ErrCodeAckFailed        ErrorCode = "ACK_FAILED"
	ErrCodePollFailed       ErrorCode = "POLL_FAILED"
	ErrCodePushDisconnected ErrorCode = "PUSH_DISCONNECTED"
	ErrCodeBulkDeleteFailed ErrorCode = "BULK_DELETE_FAILED"
)

// SyncError represents a structured sync-engine error.
type SyncError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("SyncError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewMalformedEventError marks a payload that could not be normalized.
// These are logged and dropped at the ingestion boundary, never surfaced.
func NewMalformedEventError(details string) *SyncError {
	return &SyncError{
		Code:      ErrCodeMalformedEvent,
		Message:   "Event payload could not be normalized",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNetworkTimeoutError creates a retryable timeout error for a named
// remote operation.
func NewNetworkTimeoutError(operation string, err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkTimeout,
		Message:   "Remote operation timed out",
		Details:   fmt.Sprintf("operation: %s, error: %v", operation, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewMessageNotFoundError signals that the remote store no longer has the
// message. Callers purge the message from all views; this is not user-facing.
func NewMessageNotFoundError(messageID string) *SyncError {
	return &SyncError{
		Code:      ErrCodeMessageNotFound,
		Message:   "Message no longer exists in the remote store",
		Details:   fmt.Sprintf("messageId: %s", messageID),
		Retryable: false,
		Metadata:  map[string]interface{}{"messageId": messageID},
		Timestamp: time.Now().UTC(),
	}
}

// NewStaleResponseError marks a poll response that belongs to a superseded
// request generation and must be discarded unapplied.
func NewStaleResponseError(responseGen, currentGen int64) *SyncError {
	return &SyncError{
		Code:      ErrCodeStaleResponse,
		Message:   "Poll response superseded by a newer request",
		Details:   fmt.Sprintf("responseGeneration: %d, currentGeneration: %d", responseGen, currentGen),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAckFailedError creates a retryable read-acknowledgment failure. The
// optimistic read state is rolled back and the error surfaces to the caller.
func NewAckFailedError(messageID string, err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeAckFailed,
		Message:   "Read acknowledgment failed",
		Details:   fmt.Sprintf("messageId: %s, error: %v", messageID, err),
		Retryable: true,
		Metadata:  map[string]interface{}{"messageId": messageID},
		Timestamp: time.Now().UTC(),
	}
}

// NewPollFailedError creates a retryable poll failure; the next scheduled
// tick retries naturally.
func NewPollFailedError(err error) *SyncError {
	return &SyncError{
		Code:      ErrCodePollFailed,
		Message:   "Message list poll failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPushDisconnectedError marks loss of the push channel. The engine
// degrades to poll-only operation.
func NewPushDisconnectedError(err error) *SyncError {
	return &SyncError{
		Code:      ErrCodePushDisconnected,
		Message:   "Push channel disconnected",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewBulkDeleteFailedError creates a retryable bulk-delete failure.
func NewBulkDeleteFailedError(err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeBulkDeleteFailed,
		Message:   "Bulk delete request failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Inspection Helpers
// ==========================

// CodeOf extracts the ErrorCode from an error chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether err carries a MESSAGE_NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeMessageNotFound
}

// IsTimeout reports whether err carries a NETWORK_TIMEOUT code.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeNetworkTimeout
}

// IsRetryable reports whether err is a SyncError flagged retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
