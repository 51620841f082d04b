package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nearbyhq/profilesync/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit cooled down, the next request probes the dependency
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// OpenDuration is how long the circuit stays open before the next
	// request is allowed through as a probe
	OpenDuration time.Duration
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time copy of the breaker state
type BreakerSnapshot struct {
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenDuration        time.Duration `json:"open_duration"`
}

// CircuitBreaker short-circuits calls to a degraded dependency. It is shared
// by every concurrent sync operation, so all state access is serialized.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	openDuration     time.Duration
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex               sync.Mutex
	consecutiveFailures int
	lastFailureAt       time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 60 * time.Second
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		openDuration:     config.OpenDuration,
		onStateChange:    config.OnStateChange,
		logger:           logging.GetLogger(),
	}
}

// Allow reports whether a request may proceed. It returns a CircuitOpenError
// when the circuit is open and still inside its cooldown window. Once the
// cooldown has elapsed the next request is allowed through as a probe; a
// failing probe re-opens the circuit, a successful one closes it.
func (cb *CircuitBreaker) Allow() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.stateLocked(time.Now()) == StateOpen {
		return &CircuitOpenError{Name: cb.name, RetryAt: cb.lastFailureAt.Add(cb.openDuration)}
	}
	return nil
}

// RecordSuccess resets the consecutive failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	prev := cb.stateLocked(time.Now())
	cb.consecutiveFailures = 0
	cb.lastFailureAt = time.Time{}
	cb.mutex.Unlock()

	cb.notify(prev, StateClosed, 0)
}

// RecordFailure increments the consecutive failure count and opens the
// circuit when the threshold is reached
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	now := time.Now()
	prev := cb.stateLocked(now)
	cb.consecutiveFailures++
	cb.lastFailureAt = now
	next := cb.stateLocked(now)
	failures := cb.consecutiveFailures
	cb.mutex.Unlock()

	cb.notify(prev, next, failures)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.stateLocked(time.Now())
}

// Snapshot returns a copy of the current breaker state
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return BreakerSnapshot{
		State:               cb.stateLocked(time.Now()),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureAt:       cb.lastFailureAt,
		FailureThreshold:    cb.failureThreshold,
		OpenDuration:        cb.openDuration,
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// stateLocked derives the state from the failure count and cooldown clock.
// Callers must hold the mutex.
func (cb *CircuitBreaker) stateLocked(now time.Time) CircuitState {
	if cb.consecutiveFailures < cb.failureThreshold {
		return StateClosed
	}
	if now.Sub(cb.lastFailureAt) > cb.openDuration {
		return StateHalfOpen
	}
	return StateOpen
}

// notify runs outside the mutex so the callback may call back into the
// breaker without deadlocking
func (cb *CircuitBreaker) notify(from, to CircuitState, failures int) {
	if from == to {
		return
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", failures,
	)
}

// CircuitOpenError represents an error when the circuit breaker is open
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open, service temporarily unavailable", e.Name)
}

// IsCircuitOpen checks if an error signals an open circuit
func IsCircuitOpen(err error) bool {
	var coErr *CircuitOpenError
	return errors.As(err, &coErr)
}
