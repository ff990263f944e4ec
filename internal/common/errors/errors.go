// Package errors provides the standardized error taxonomy for the
// onboarding lifecycle engine.
package errors

import (
	goerrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
	ErrCodeExpired                ErrorCode = "EXPIRED"
	ErrCodeAlreadyConsumed        ErrorCode = "ALREADY_CONSUMED"
	ErrCodeConflict               ErrorCode = "CONFLICT"
	ErrCodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrCodeSignatureInvalid       ErrorCode = "SIGNATURE_INVALID"
	ErrCodeExternalServiceFailure ErrorCode = "EXTERNAL_SERVICE_FAILURE"
	ErrCodeDatabaseFailure        ErrorCode = "DATABASE_FAILURE"
	ErrCodeInternal               ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// IsCode reports whether err (or anything it wraps) is a StandardError
// carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	if goerrors.As(err, &stdErr) {
		return stdErr.Code == code
	}
	return false
}

// CodeOf extracts the error code from err, or ErrCodeInternal for
// unclassified errors.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if goerrors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error code to the status the public gateway returns.
// Unknown tokens, expired links and consumed links each need a distinct
// status so the client can render the right message.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeExpired:
		return http.StatusGone
	case ErrCodeAlreadyConsumed, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeSignatureInvalid:
		return http.StatusUnauthorized
	case ErrCodeExternalServiceFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewNotFoundError creates a non-retryable not-found error. The message is
// deliberately generic; internal identifiers never appear in it.
func NewNotFoundError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   "Resource not found",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExpiredError creates a non-retryable token-expiry error. Expired tokens
// must be reissued, never extended.
func NewExpiredError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeExpired,
		Message:   "Token has expired",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlreadyConsumedError creates a non-retryable replay error for
// single-use tokens.
func NewAlreadyConsumedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadyConsumed,
		Message:   "Token already used",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConflictError creates a non-retryable illegal-transition error.
func NewConflictError(message, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConflict,
		Message:   message,
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError creates a non-retryable payload validation error.
func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Payload validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSignatureInvalidError creates a non-retryable error for forged or
// tampered gateway notifications. These are rejected and logged, never
// applied.
func NewSignatureInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSignatureInvalid,
		Message:   "Notification signature invalid",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExternalServiceError creates a retryable error for an unreachable
// collaborator (payment gateway, document renderer).
func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalServiceFailure,
		Message:   fmt.Sprintf("External service '%s' error", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseError creates a retryable storage error.
func NewDatabaseError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseFailure,
		Message:   "Database operation failed",
		Details:   fmt.Sprintf("op: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInternalError wraps an unclassified error.
func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}
