// Package resilience protects the rest of the system from the rate-limited,
// intermittently failing business-profile API.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker counts consecutive failures across all concurrent
// operations and short-circuits calls while the dependency is degraded.
// After the cooldown the next call is allowed through as a probe.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "profile-api",
//		FailureThreshold: 5,
//		OpenDuration:     60 * time.Second,
//	})
//
// # Retry with Exponential Backoff
//
// The orchestrator classifies each failure, stops immediately on terminal
// kinds, and otherwise waits with exponential backoff and jitter. A
// server-suggested Retry-After wait wins over the computed backoff, and
// the operation's original error is propagated once retries are spent.
//
//	orch := resilience.NewOrchestrator(cb, profileapi.Classify)
//	err := orch.Do(ctx, "update-location", resilience.DefaultRetryPolicy(),
//		func(ctx context.Context) error {
//			return client.UpdateLocation(ctx, loc)
//		})
//
// # Sliding-Window Rate Limiting
//
// The rate limiter keeps a per-key window of request timestamps and
// rejects calls locally before they spend provider quota. With a Redis
// client configured the window is shared across processes.
//
//	rl := resilience.NewRateLimiter(resilience.DefaultRateLimitConfig())
//	if err := rl.CheckAndRecord(ctx, scopeID); err != nil {
//		return err
//	}
//
// All shared state is mutex-serialized; the package is safe for the
// concurrent per-entity sync operations that drive it.
package resilience
