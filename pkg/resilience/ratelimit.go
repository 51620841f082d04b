package resilience

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nearbyhq/profilesync/pkg/logging"
)

// RateLimitConfig holds sliding-window rate limit configuration
type RateLimitConfig struct {
	// MaxRequests is the budget of calls admitted per window per key
	MaxRequests int
	// Window is the length of the sliding window
	Window time.Duration
	// RedisClient, when set, makes the window shared across processes.
	// Without it the limiter keeps per-key timestamps in memory.
	RedisClient *redis.Client
	KeyPrefix   string
}

// DefaultRateLimitConfig returns a default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 10,
		Window:      time.Minute,
		KeyPrefix:   "profilesync:ratelimit:",
	}
}

// RateBudgetError is a local, pre-emptive rejection. It is distinct from a
// provider-side 429 so callers can tell the two apart.
type RateBudgetError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateBudgetError) Error() string {
	return fmt.Sprintf("local rate budget exceeded for '%s', retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// IsRateBudgetExceeded checks if an error is a local rate budget rejection
func IsRateBudgetExceeded(err error) bool {
	var rbErr *RateBudgetError
	return errors.As(err, &rbErr)
}

// RateLimiter admits at most MaxRequests calls per Window for each caller
// key, tracking exact request timestamps
type RateLimiter struct {
	config      RateLimitConfig
	redisClient *redis.Client

	mutex   sync.Mutex
	windows map[string][]time.Time

	logger *logging.Logger
}

// NewRateLimiter creates a new sliding-window rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "profilesync:ratelimit:"
	}

	return &RateLimiter{
		config:      config,
		redisClient: config.RedisClient,
		windows:     make(map[string][]time.Time),
		logger:      logging.GetLogger(),
	}
}

// CheckAndRecord admits the call and records its timestamp, or rejects it
// with a RateBudgetError when the key's budget for the current window is
// spent. The check and the record are a single serialized step so
// concurrent callers sharing a key cannot overrun the budget.
func (rl *RateLimiter) CheckAndRecord(ctx context.Context, key string) error {
	if rl.redisClient != nil {
		return rl.checkAndRecordRedis(ctx, key)
	}
	return rl.checkAndRecordLocal(key)
}

func (rl *RateLimiter) checkAndRecordLocal(key string) error {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.config.Window)

	window := rl.windows[key]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= rl.config.MaxRequests {
		rl.windows[key] = pruned
		retryAfter := pruned[0].Sub(cutoff)
		rl.logger.Debug("Rate budget exceeded",
			"key", key,
			"requests", len(pruned),
			"max_requests", rl.config.MaxRequests,
		)
		return &RateBudgetError{Key: key, RetryAfter: retryAfter}
	}

	rl.windows[key] = append(pruned, now)
	return nil
}

// slidingWindowScript prunes, checks, and records in one atomic step so
// concurrent callers in any process cannot each pass the check and overrun
// the budget.
// KEYS[1] = window key
// ARGV[1] = cutoff (unix nanos, entries at or before it have left the window)
// ARGV[2] = max requests per window
// ARGV[3] = score of this request (unix nanos)
// ARGV[4] = member for this request
// ARGV[5] = key TTL in milliseconds
// Returns {1, oldest score} on rejection, {0, "0"} on admission.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
    local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
    if oldest[2] then
        return {1, oldest[2]}
    end
    return {1, "0"}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {0, "0"}
`)

func (rl *RateLimiter) checkAndRecordRedis(ctx context.Context, key string) error {
	fullKey := rl.config.KeyPrefix + key
	now := time.Now()
	cutoff := now.Add(-rl.config.Window)

	res, err := slidingWindowScript.Run(ctx, rl.redisClient, []string{fullKey},
		strconv.FormatInt(cutoff.UnixNano(), 10),
		rl.config.MaxRequests,
		strconv.FormatInt(now.UnixNano(), 10),
		uuid.NewString(),
		rl.config.Window.Milliseconds(),
	).Result()
	if err != nil {
		// Degrade to the in-memory window rather than blocking all calls
		rl.logger.Warn("Redis rate limit check failed, falling back to local window",
			"key", key,
			"error", err.Error(),
		)
		return rl.checkAndRecordLocal(key)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		rl.logger.Warn("Unexpected rate limit script reply, falling back to local window",
			"key", key,
		)
		return rl.checkAndRecordLocal(key)
	}

	if rejected, _ := vals[0].(int64); rejected == 1 {
		retryAfter := rl.config.Window
		if s, ok := vals[1].(string); ok {
			if oldestNanos, perr := strconv.ParseFloat(s, 64); perr == nil && oldestNanos > 0 {
				retryAfter = time.Unix(0, int64(oldestNanos)).Sub(cutoff)
			}
		}
		return &RateBudgetError{Key: key, RetryAfter: retryAfter}
	}
	return nil
}

// Remaining reports how many calls the key may still make in the current
// window. In-memory mode only; used by the health surface.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := time.Now().Add(-rl.config.Window)
	count := 0
	for _, ts := range rl.windows[key] {
		if ts.After(cutoff) {
			count++
		}
	}

	remaining := rl.config.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
