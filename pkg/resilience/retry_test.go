package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}
}

func newTestOrchestrator() *Orchestrator {
	return NewOrchestrator(NewCircuitBreaker(DefaultCircuitBreakerConfig("test")), nil)
}

func TestOrchestrator_SuccessOnFirstAttempt(t *testing.T) {
	o := newTestOrchestrator()

	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestOrchestrator_SuccessAfterRetries(t *testing.T) {
	o := newTestOrchestrator()

	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return apperrors.NewUnavailable("temporarily down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestOrchestrator_ExhaustedRetriesReturnsOriginalError(t *testing.T) {
	o := newTestOrchestrator()

	original := apperrors.NewUnavailable("still down")
	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		return original
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial attempt + MaxRetries
	// The operation's own error comes back unchanged, not a wrapper
	assert.Same(t, error(original), err)
}

func TestOrchestrator_NonRetryableStopsImmediately(t *testing.T) {
	o := newTestOrchestrator()

	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		return apperrors.NewInvalidCredentials("bad credentials")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidCredentials))
}

func TestOrchestrator_UnclassifiedErrorNotRetried(t *testing.T) {
	o := newTestOrchestrator()

	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		return errors.New("something odd")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestOrchestrator_RetryAfterOverridesBackoff(t *testing.T) {
	o := newTestOrchestrator()

	policy := testPolicy()
	policy.BaseDelay = time.Hour // would stall the test if backoff were used

	attempts := 0
	start := time.Now()
	err := o.Do(context.Background(), "op", policy, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return apperrors.NewRateLimited("slow down").WithRetryAfter(20 * time.Millisecond)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOrchestrator_BackoffDelaysGrowAndCap(t *testing.T) {
	o := newTestOrchestrator()

	policy := RetryPolicy{
		MaxRetries:        4,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          25 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}

	var delays []time.Duration
	o.OnAttempt = func(name string, attempt int, err error, classified *apperrors.ClassifiedError, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = o.Do(context.Background(), "op", policy, func(ctx context.Context) error {
		return apperrors.NewUnavailable("down")
	})

	require.Len(t, delays, 5)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	assert.Equal(t, 25*time.Millisecond, delays[2]) // capped
	assert.Equal(t, 25*time.Millisecond, delays[3])
	assert.Equal(t, time.Duration(0), delays[4]) // final attempt, no wait follows
}

func TestOrchestrator_JitterStaysInRange(t *testing.T) {
	o := newTestOrchestrator()

	policy := testPolicy()
	policy.BaseDelay = 100 * time.Millisecond
	policy.MaxDelay = time.Second
	policy.Jitter = true

	for i := 0; i < 50; i++ {
		delay := o.nextDelay(policy, 0, apperrors.NewUnavailable("down"))
		assert.GreaterOrEqual(t, delay, 50*time.Millisecond)
		assert.LessOrEqual(t, delay, 100*time.Millisecond)
	}
}

func TestOrchestrator_ContextCancellationDuringWait(t *testing.T) {
	o := newTestOrchestrator()

	policy := testPolicy()
	policy.BaseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- o.Do(ctx, "op", policy, func(ctx context.Context) error {
			attempts++
			return apperrors.NewUnavailable("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestOrchestrator_OpenBreakerRejectsWithoutInvokingOperation(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		OpenDuration:     time.Hour,
	})
	o := NewOrchestrator(breaker, nil)

	breaker.RecordFailure()

	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 0, attempts)
}

func TestOrchestrator_CustomClassifier(t *testing.T) {
	sentinel := errors.New("flaky")
	classify := func(err error) *apperrors.ClassifiedError {
		if errors.Is(err, sentinel) {
			return apperrors.NewNetworkError("flaky network").WithCause(err)
		}
		return apperrors.NewUnknown(err.Error()).WithCause(err)
	}
	o := NewOrchestrator(NewCircuitBreaker(DefaultCircuitBreakerConfig("test")), classify)

	attempts := 0
	err := o.Do(context.Background(), "op", testPolicy(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return sentinel
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestOrchestrator_DoWithResult(t *testing.T) {
	o := newTestOrchestrator()

	result, err := o.DoWithResult(context.Background(), "op", testPolicy(), func(ctx context.Context) (interface{}, error) {
		return "payload", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "payload", result)
}
