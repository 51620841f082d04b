package profileapi

import (
	"fmt"
	"net/http"
)

// Provider error codes surfaced by the business-profile API
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeNotFound          = "NOT_FOUND"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
)

// HTTPError is a failure surfaced through the HTTP-error path: the provider
// answered with a non-2xx status. Code carries the provider code when the
// response body included one.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the raw Retry-After header value, empty when absent
	RetryAfter string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("profile API HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("profile API HTTP %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError builds an HTTPError from response parts
func NewHTTPError(statusCode int, code, message string, header http.Header) *HTTPError {
	e := &HTTPError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
	if header != nil {
		e.RetryAfter = header.Get("Retry-After")
	}
	return e
}

// ProviderError is a failure surfaced through the structured provider-error
// path: the call technically succeeded but the payload carried an error
// object with a provider code.
type ProviderError struct {
	Code    string
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("profile API error %s: %s", e.Code, e.Message)
}
