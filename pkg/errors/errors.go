package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the normalized failure class of a provider or local error
type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindTokenExpired       Kind = "token_expired"
	KindNotFound           Kind = "not_found"
	KindPermissionDenied   Kind = "permission_denied"
	KindUnavailable        Kind = "unavailable"
	KindNetwork            Kind = "network"
	KindInvalidRequest     Kind = "invalid_request"
	KindSyncConflict       Kind = "sync_conflict"
	KindValidation         Kind = "validation"
	KindUnknown            Kind = "unknown"
)

// ClassifiedError is a provider failure normalized into the taxonomy with
// retry guidance attached. Retryable=false means the orchestrator must not
// attempt the operation again, regardless of remaining retry budget.
type ClassifiedError struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// RetryAfter is the server-suggested wait before the next attempt.
	// Zero means no suggestion; the caller falls back to backoff policy.
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// New creates a classified error of the given kind
func New(kind Kind, code, message string, retryable bool) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

// WithCause attaches the underlying error
func (e *ClassifiedError) WithCause(cause error) *ClassifiedError {
	e.Cause = cause
	return e
}

// WithRetryAfter attaches a server-suggested wait
func (e *ClassifiedError) WithRetryAfter(d time.Duration) *ClassifiedError {
	e.RetryAfter = d
	return e
}

// WithDetail adds a detail to the error
func (e *ClassifiedError) WithDetail(key, value string) *ClassifiedError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewRateLimited(message string) *ClassifiedError {
	return New(KindRateLimited, "RATE_LIMIT_EXCEEDED", message, true)
}

func NewQuotaExceeded(message string) *ClassifiedError {
	return New(KindQuotaExceeded, "QUOTA_EXCEEDED", message, false)
}

func NewInvalidCredentials(message string) *ClassifiedError {
	return New(KindInvalidCredentials, "UNAUTHENTICATED", message, false)
}

func NewTokenExpired(message string) *ClassifiedError {
	return New(KindTokenExpired, "TOKEN_EXPIRED", message, false)
}

func NewNotFound(resource string) *ClassifiedError {
	return New(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), false)
}

func NewPermissionDenied(message string) *ClassifiedError {
	return New(KindPermissionDenied, "PERMISSION_DENIED", message, false)
}

func NewUnavailable(message string) *ClassifiedError {
	return New(KindUnavailable, "UNAVAILABLE", message, true)
}

func NewNetworkError(message string) *ClassifiedError {
	return New(KindNetwork, "NETWORK_ERROR", message, true)
}

func NewInvalidRequest(message string) *ClassifiedError {
	return New(KindInvalidRequest, "INVALID_REQUEST", message, false)
}

func NewSyncConflict(message string) *ClassifiedError {
	return New(KindSyncConflict, "SYNC_CONFLICT", message, false)
}

func NewValidationError(message string) *ClassifiedError {
	return New(KindValidation, "VALIDATION_ERROR", message, false)
}

func NewUnknown(message string) *ClassifiedError {
	return New(KindUnknown, "UNKNOWN_ERROR", message, false)
}

// AsClassified extracts a ClassifiedError from err's chain, or nil
func AsClassified(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// IsKind checks if the error carries the given kind
func IsKind(err error, kind Kind) bool {
	if ce := AsClassified(err); ce != nil {
		return ce.Kind == kind
	}
	return false
}

// GetKind returns the kind of the error, or KindUnknown for unclassified errors
func GetKind(err error) Kind {
	if ce := AsClassified(err); ce != nil {
		return ce.Kind
	}
	return KindUnknown
}

// GetCode returns the provider code, or UNKNOWN_ERROR for unclassified errors
func GetCode(err error) string {
	if ce := AsClassified(err); ce != nil {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}

// IsRetryable reports whether the orchestrator may attempt the operation
// again. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	if ce := AsClassified(err); ce != nil {
		return ce.Retryable
	}
	return false
}

// RetryAfter returns the server-suggested wait, or zero if none
func RetryAfter(err error) time.Duration {
	if ce := AsClassified(err); ce != nil {
		return ce.RetryAfter
	}
	return 0
}
