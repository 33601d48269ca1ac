package models

import (
	"errors"
	"fmt"
)

// Error codes used across the coordination core
const (
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeCanceled          = "CANCELED"
	CodeUnexpectedError   = "UNEXPECTED_ERROR"
	CodeRetryExhausted    = "RETRY_EXHAUSTED"
	CodeLockHeld          = "LOCK_HELD"
	CodeLockTokenMismatch = "LOCK_TOKEN_MISMATCH"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeAdmissionRejected = "ADMISSION_REJECTED"
)

// Error is the structured error carried through the coordination core.
// Retryable marks transient failures that a RetryStrategy may re-attempt.
type Error struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a structured detail and returns the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a structured error
func NewError(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// WrapError coerces an arbitrary error into a structured one. Faults
// raised outside the result channel are conservatively retryable.
func WrapError(code string, retryable bool, cause error) *Error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Message: msg, Retryable: retryable, cause: cause}
}

// Unexpected wraps a raised fault as a retryable UNEXPECTED_ERROR
func Unexpected(cause error) *Error {
	return WrapError(CodeUnexpectedError, true, cause)
}

// IsRetryable reports whether an error is marked transient. Errors that
// do not carry the structured type are not retryable by default.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the machine-readable code, or empty for foreign errors
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
