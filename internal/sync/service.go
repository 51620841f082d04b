package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/nearbyhq/profilesync/internal/consistency"
	"github.com/nearbyhq/profilesync/internal/profileapi"
	"github.com/nearbyhq/profilesync/internal/store"
	"github.com/nearbyhq/profilesync/pkg/config"
	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
	"github.com/nearbyhq/profilesync/pkg/logging"
	"github.com/nearbyhq/profilesync/pkg/metrics"
	"github.com/nearbyhq/profilesync/pkg/resilience"
	"github.com/nearbyhq/profilesync/pkg/security"
	"github.com/nearbyhq/profilesync/pkg/tracing"
)

// TokenSourceFactory builds a refreshing token source seeded with the
// current token. Production wires this to an oauth2.Config; tests inject
// a fake.
type TokenSourceFactory func(ctx context.Context, current *oauth2.Token) oauth2.TokenSource

// Options carries the dependencies for a sync service. Everything is
// constructed and passed in explicitly; there is no package-level state.
type Options struct {
	Config      *config.Config
	Credentials store.CredentialStoreInterface
	History     store.SyncHistoryStoreInterface
	Cipher      *security.TokenCipher
	Metrics     *metrics.Metrics
	RedisClient *redis.Client
	TokenSource TokenSourceFactory
	Tracing     *tracing.TracingService
	Logger      *logging.Logger
}

// Health is a point-in-time view of the resilience layer
type Health struct {
	Status           string                     `json:"status"`
	Breaker          resilience.BreakerSnapshot `json:"breaker"`
	RateRemaining    int                        `json:"rate_remaining"`
	RateMaxPerWindow int                        `json:"rate_max_per_window"`
}

// Service is the single entry point callers use to talk to the provider.
// It layers the rate limiter, retry orchestrator and circuit breaker in
// front of every operation and owns credential encryption.
type Service struct {
	cfg         *config.Config
	credentials store.CredentialStoreInterface
	history     store.SyncHistoryStoreInterface
	cipher      *security.TokenCipher
	metrics     *metrics.Metrics
	tokenSource TokenSourceFactory
	tracer      *tracing.TracingService
	logger      *logging.Logger

	breaker      *resilience.CircuitBreaker
	orchestrator *resilience.Orchestrator
	limiter      *resilience.RateLimiter
	policy       resilience.RetryPolicy
}

// NewService wires the resilience layer from configuration
func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Cipher == nil {
		return nil, fmt.Errorf("token cipher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	pc := opts.Config.Provider

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "provider",
		FailureThreshold: pc.FailureThreshold,
		OpenDuration:     pc.OpenDuration,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			if opts.Metrics != nil {
				opts.Metrics.RecordBreakerTransition(name, to.String())
				opts.Metrics.RecordBreakerState(name, float64(to))
			}
		},
	})

	orchestrator := resilience.NewOrchestrator(breaker, profileapi.Classify)

	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		MaxRequests: pc.RateMaxRequests,
		Window:      pc.RateWindow,
		RedisClient: opts.RedisClient,
	})

	s := &Service{
		cfg:         opts.Config,
		credentials: opts.Credentials,
		history:     opts.History,
		cipher:      opts.Cipher,
		metrics:     opts.Metrics,
		tokenSource: opts.TokenSource,
		tracer:      opts.Tracing,
		logger:      logger,

		breaker:      breaker,
		orchestrator: orchestrator,
		limiter:      limiter,
		policy: resilience.RetryPolicy{
			MaxRetries:        pc.MaxRetries,
			BaseDelay:         pc.BaseDelay,
			MaxDelay:          pc.MaxDelay,
			BackoffMultiplier: pc.BackoffMultiplier,
			Jitter:            pc.Jitter,
		},
	}

	orchestrator.OnAttempt = func(name string, attempt int, err error, classified *apperrors.ClassifiedError, delay time.Duration) {
		if s.metrics != nil {
			outcome := "retried"
			if delay == 0 {
				outcome = "failed"
			}
			s.metrics.RecordAttempt(name, outcome)
		}
	}

	return s, nil
}

// Breaker exposes the shared circuit breaker for health reporting
func (s *Service) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// Classify normalizes a raw provider error into the taxonomy
func (s *Service) Classify(err error) *apperrors.ClassifiedError {
	return profileapi.Classify(err)
}

// WithRetry runs one provider operation for a scope behind the full
// resilience stack. The local rate budget is checked first so a spent
// budget never consumes a provider call; the orchestrator then drives
// retries against the shared circuit breaker. The outcome is recorded in
// sync history either way.
func (s *Service) WithRetry(ctx context.Context, scopeID, operation string, op func(context.Context) error) error {
	if s.tracer != nil {
		spanCtx, span := s.tracer.StartSyncSpan(ctx, operation, scopeID)
		defer span.End()

		err := s.withRetry(spanCtx, scopeID, operation, op)
		if err != nil {
			s.tracer.RecordError(span, err)
		}
		return err
	}
	return s.withRetry(ctx, scopeID, operation, op)
}

func (s *Service) withRetry(ctx context.Context, scopeID, operation string, op func(context.Context) error) error {
	if err := s.limiter.CheckAndRecord(ctx, scopeID); err != nil {
		if s.metrics != nil {
			s.metrics.RecordRateLimitRejection(scopeID)
		}
		classified := apperrors.NewRateLimited("local rate budget exceeded").WithCause(err)
		if rbe, ok := err.(*resilience.RateBudgetError); ok {
			classified = classified.WithRetryAfter(rbe.RetryAfter).WithDetail("source", "local")
		}
		s.recordOutcome(ctx, scopeID, operation, 0, classified)
		return classified
	}

	start := time.Now()
	err := s.orchestrator.Do(ctx, operation, s.policy, op)
	s.recordOutcome(ctx, scopeID, operation, time.Since(start), err)

	if s.metrics != nil {
		status := store.StatusSuccess
		if err != nil {
			status = store.StatusError
		}
		s.metrics.RecordSync(operation, status, time.Since(start))
	}

	return err
}

// WithRetryResult is WithRetry for operations that return a value
func (s *Service) WithRetryResult(ctx context.Context, scopeID, operation string, op func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := s.WithRetry(ctx, scopeID, operation, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// recordOutcome persists one sync history row. History is observability,
// not control flow, so a failed write is logged and swallowed.
func (s *Service) recordOutcome(ctx context.Context, scopeID, operation string, duration time.Duration, err error) {
	if s.history == nil {
		return
	}

	entry := &store.SyncHistoryEntry{
		ScopeID:       scopeID,
		OperationType: operation,
		Status:        store.StatusSuccess,
	}
	if duration > 0 {
		entry.DurationMs = sql.NullInt64{Int64: duration.Milliseconds(), Valid: true}
	}
	if err != nil {
		entry.Status = store.StatusError
		entry.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		if code := apperrors.GetCode(err); code != "" {
			entry.ErrorCode = sql.NullString{String: code, Valid: true}
		}
	}

	if recErr := s.history.Record(ctx, entry); recErr != nil {
		s.logger.Warn("Failed to record sync history",
			"scope_id", scopeID,
			"operation", operation,
			"error", recErr.Error(),
		)
	}
}

// CheckRate checks and consumes one unit of the scope's local rate budget
func (s *Service) CheckRate(ctx context.Context, scopeID string) error {
	err := s.limiter.CheckAndRecord(ctx, scopeID)
	if err != nil && s.metrics != nil {
		s.metrics.RecordRateLimitRejection(scopeID)
	}
	return err
}

// EncryptToken encrypts a credential value in the current format
func (s *Service) EncryptToken(plaintext string) (string, error) {
	out, err := s.cipher.Encrypt(plaintext)
	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.RecordTokenOperation("encrypt", string(security.FormatV2), outcome)
	}
	return out, err
}

// DecryptToken decrypts a stored credential value in any supported format.
// Legacy-format values are re-encrypted and written back opportunistically.
func (s *Service) DecryptToken(ctx context.Context, stored, scopeID, field string) (string, error) {
	var writer security.CredentialWriter
	if s.credentials != nil {
		writer = s.credentials
	}

	plaintext, err := s.cipher.DecryptWithMigration(ctx, stored,
		&security.MigrationContext{ScopeID: scopeID, Field: field}, writer)
	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		format := "unknown"
		if f, fErr := security.DetectFormat(stored); fErr == nil {
			format = string(f)
		}
		s.metrics.RecordTokenOperation("decrypt", format, outcome)
		if err == nil && format != string(security.FormatV2) && format != "unknown" && writer != nil {
			s.metrics.RecordTokenMigration(format, outcome)
		}
	}
	return plaintext, err
}

// Token returns a valid decrypted access token for the scope, refreshing
// through the token source when the stored token has expired. A refreshed
// token is re-encrypted and persisted before it is returned.
func (s *Service) Token(ctx context.Context, scopeID string) (*oauth2.Token, error) {
	if s.credentials == nil {
		return nil, fmt.Errorf("credential store not configured")
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartCredentialSpan(ctx, "load", scopeID)
		defer span.End()
	}

	cred, err := s.credentials.Get(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.DecryptToken(ctx, cred.AccessToken, scopeID, "access_token")
	if err != nil {
		return nil, apperrors.NewInvalidCredentials("stored access token unreadable").WithCause(err)
	}

	tok := &oauth2.Token{AccessToken: accessToken}
	if cred.TokenExpiry.Valid {
		tok.Expiry = cred.TokenExpiry.Time
	}
	if cred.RefreshToken.Valid && cred.RefreshToken.String != "" {
		refreshToken, rtErr := s.DecryptToken(ctx, cred.RefreshToken.String, scopeID, "refresh_token")
		if rtErr != nil {
			return nil, apperrors.NewInvalidCredentials("stored refresh token unreadable").WithCause(rtErr)
		}
		tok.RefreshToken = refreshToken
	}

	if tok.Valid() {
		return tok, nil
	}
	if s.tokenSource == nil {
		return nil, apperrors.NewTokenExpired("stored token expired and no refresh source configured")
	}

	refreshed, err := s.tokenSource(ctx, tok).Token()
	if err != nil {
		return nil, apperrors.NewTokenExpired("token refresh failed").WithCause(err)
	}

	if err := s.SaveToken(ctx, scopeID, refreshed); err != nil {
		// The caller still gets a working token; the next read refreshes again
		s.logger.Warn("Failed to persist refreshed token",
			"scope_id", scopeID,
			"error", err.Error(),
		)
	}
	s.logger.LogCredentialEvent(ctx, "token_refresh", scopeID, true, nil)

	return refreshed, nil
}

// SaveToken encrypts and persists a token for the scope
func (s *Service) SaveToken(ctx context.Context, scopeID string, tok *oauth2.Token) error {
	if s.credentials == nil {
		return fmt.Errorf("credential store not configured")
	}

	encAccess, err := s.EncryptToken(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	cred := &store.Credential{
		ScopeID:     scopeID,
		AccessToken: encAccess,
	}
	if tok.RefreshToken != "" {
		encRefresh, err := s.EncryptToken(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		cred.RefreshToken = sql.NullString{String: encRefresh, Valid: true}
	}
	if !tok.Expiry.IsZero() {
		cred.TokenExpiry = sql.NullTime{Time: tok.Expiry, Valid: true}
	}

	return s.credentials.Upsert(ctx, cred)
}

// CompareConsistency reports field-level conflicts between the local and
// remote views of a profile
func (s *Service) CompareConsistency(local, remote map[string]string) consistency.Result {
	return consistency.Compare(local, remote, consistency.DefaultFieldSeverity())
}

// Health reports the resilience layer's current state for one scope key
func (s *Service) Health(scopeID string) Health {
	snap := s.breaker.Snapshot()

	// An open or probing breaker degrades the scope; unhealthy is reserved
	// for store failures, surfaced by the health endpoint's checkers.
	status := "healthy"
	if snap.State != resilience.StateClosed {
		status = "degraded"
	}

	return Health{
		Status:           status,
		Breaker:          snap,
		RateRemaining:    s.limiter.Remaining(scopeID),
		RateMaxPerWindow: s.cfg.Provider.RateMaxRequests,
	}
}
