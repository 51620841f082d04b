package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
	"github.com/nearbyhq/profilesync/pkg/logging"
)

// RetryPolicy holds configuration for retry logic
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter scales each delay by a uniform factor in [0.5, 1.0] to avoid
	// synchronized retry storms
	Jitter bool
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Classifier normalizes a raw operation error into the taxonomy. A nil
// return is treated as an unknown, non-retryable failure.
type Classifier func(error) *apperrors.ClassifiedError

// DefaultClassifier recognizes errors that already carry a classification
// and treats everything else as unknown and non-retryable
func DefaultClassifier(err error) *apperrors.ClassifiedError {
	if ce := apperrors.AsClassified(err); ce != nil {
		return ce
	}
	return apperrors.NewUnknown(err.Error()).WithCause(err)
}

// Orchestrator drives an operation through retry attempts using the
// classifier's retry guidance and the shared circuit breaker
type Orchestrator struct {
	breaker  *CircuitBreaker
	classify Classifier
	logger   *logging.Logger
	// OnAttempt is called after every failed attempt, before any wait
	OnAttempt func(name string, attempt int, err error, classified *apperrors.ClassifiedError, delay time.Duration)
}

// NewOrchestrator creates a retry orchestrator around the given breaker
func NewOrchestrator(breaker *CircuitBreaker, classify Classifier) *Orchestrator {
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Orchestrator{
		breaker:  breaker,
		classify: classify,
		logger:   logging.GetLogger(),
	}
}

// Breaker returns the shared circuit breaker
func (o *Orchestrator) Breaker() *CircuitBreaker {
	return o.breaker
}

// Do executes the operation with retry logic. Terminal classifications stop
// retrying immediately; exhausted retries propagate the operation's original
// error unchanged so callers can still match on it.
func (o *Orchestrator) Do(ctx context.Context, name string, policy RetryPolicy, operation func(context.Context) error) error {
	if err := o.breaker.Allow(); err != nil {
		o.logger.Warn("Operation rejected, circuit open",
			"operation", name,
			"breaker", o.breaker.Name(),
		)
		return err
	}

	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			o.breaker.RecordSuccess()
			if attempt > 0 {
				o.logger.Info("Operation succeeded after retry",
					"operation", name,
					"attempt", attempt,
				)
			}
			return nil
		}

		lastErr = err
		classified := o.classify(err)
		if classified == nil {
			classified = apperrors.NewUnknown(err.Error()).WithCause(err)
		}
		o.breaker.RecordFailure()

		retryable := classified.Retryable && attempt < policy.MaxRetries

		var delay time.Duration
		if retryable {
			delay = o.nextDelay(policy, attempt, classified)
		}

		o.logger.LogRetryAttempt(ctx, name, attempt, policy.MaxRetries, err, string(classified.Kind), classified.Retryable, delay)

		if o.OnAttempt != nil {
			o.OnAttempt(name, attempt, err, classified, delay)
		}

		if !retryable {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// DoWithResult executes the operation with retry logic and returns a result
func (o *Orchestrator) DoWithResult(ctx context.Context, name string, policy RetryPolicy, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := o.Do(ctx, name, policy, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}

// nextDelay computes the wait before the next attempt. A server-suggested
// wait takes precedence over the computed backoff.
func (o *Orchestrator) nextDelay(policy RetryPolicy, attempt int, classified *apperrors.ClassifiedError) time.Duration {
	if classified.RetryAfter > 0 {
		return classified.RetryAfter
	}

	delay := float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}
