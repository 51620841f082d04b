// Package profileapi holds the error shapes of the third-party
// business-profile API and the classifier that normalizes them into the
// application taxonomy. The transport itself lives with the caller.
package profileapi

import (
	"errors"
	"net"
	"strconv"
	"time"

	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
)

// Default waits suggested when the provider signals unavailability without
// a Retry-After of its own
const (
	unavailableRetryAfter = 60 * time.Second
	serverErrorRetryAfter = 30 * time.Second
)

// Classify maps a raw failure into exactly one ClassifiedError. Every input
// produces a classification; errors that match nothing are Unknown and not
// retryable. Already-classified errors pass through unchanged.
func Classify(err error) *apperrors.ClassifiedError {
	if err == nil {
		return nil
	}

	if ce := apperrors.AsClassified(err); ce != nil {
		return ce
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return classifyProvider(provErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.NewNetworkError(err.Error()).WithCause(err)
	}

	return apperrors.NewUnknown(err.Error()).WithCause(err)
}

// classifyHTTP handles the HTTP-error path. Rules are checked in order;
// first match wins.
func classifyHTTP(e *HTTPError) *apperrors.ClassifiedError {
	switch {
	case e.StatusCode == 429 || e.Code == CodeRateLimitExceeded:
		ce := apperrors.NewRateLimited(e.Message).WithCause(e)
		if d, ok := parseRetryAfter(e.RetryAfter); ok {
			ce = ce.WithRetryAfter(d)
		}
		return ce

	case e.StatusCode == 403 && e.Code == CodeQuotaExceeded:
		return apperrors.NewQuotaExceeded(e.Message).WithCause(e)

	// A 401 on the HTTP path means the bearer token the transport sent is
	// no longer accepted; the caller must refresh out-of-band, not retry
	case e.StatusCode == 401 || e.Code == CodeUnauthenticated:
		return apperrors.NewTokenExpired(e.Message).WithCause(e)

	case e.StatusCode == 403 || e.Code == CodePermissionDenied:
		return apperrors.NewPermissionDenied(e.Message).WithCause(e)

	case e.StatusCode == 404 || e.Code == CodeNotFound:
		return apperrors.NewNotFound("profile resource").WithCause(e)

	case e.StatusCode == 400 || e.Code == CodeInvalidArgument:
		return apperrors.NewInvalidRequest(e.Message).WithCause(e)

	case e.StatusCode == 503 || e.Code == CodeUnavailable:
		return apperrors.NewUnavailable(e.Message).WithCause(e).
			WithRetryAfter(unavailableRetryAfter)

	case e.StatusCode >= 500:
		return apperrors.NewUnavailable(e.Message).WithCause(e).
			WithRetryAfter(serverErrorRetryAfter)
	}

	return apperrors.NewUnknown(e.Message).WithCause(e)
}

// classifyProvider handles the structured provider-error path. The notable
// difference from the HTTP path is 401/UNAUTHENTICATED: here it is a
// generic credential failure, not an expired token.
func classifyProvider(e *ProviderError) *apperrors.ClassifiedError {
	switch {
	case e.Code == CodeRateLimitExceeded || e.Status == 429:
		return apperrors.NewRateLimited(e.Message).WithCause(e)

	case e.Code == CodeQuotaExceeded:
		return apperrors.NewQuotaExceeded(e.Message).WithCause(e)

	case e.Code == CodeUnauthenticated || e.Status == 401:
		return apperrors.NewInvalidCredentials(e.Message).WithCause(e)

	case e.Code == CodePermissionDenied || e.Status == 403:
		return apperrors.NewPermissionDenied(e.Message).WithCause(e)

	case e.Code == CodeNotFound || e.Status == 404:
		return apperrors.NewNotFound("profile resource").WithCause(e)

	case e.Code == CodeInvalidArgument || e.Status == 400:
		return apperrors.NewInvalidRequest(e.Message).WithCause(e)

	case e.Code == CodeUnavailable || e.Status == 503:
		return apperrors.NewUnavailable(e.Message).WithCause(e).
			WithRetryAfter(unavailableRetryAfter)

	case e.Status >= 500:
		return apperrors.NewUnavailable(e.Message).WithCause(e).
			WithRetryAfter(serverErrorRetryAfter)
	}

	return apperrors.NewUnknown(e.Message).WithCause(e)
}

// parseRetryAfter understands the delay-seconds form of Retry-After
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
