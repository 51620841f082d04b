package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nearbyhq/profilesync/internal/profileapi"
	"github.com/nearbyhq/profilesync/internal/store"
	"github.com/nearbyhq/profilesync/pkg/config"
	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
	"github.com/nearbyhq/profilesync/pkg/resilience"
	"github.com/nearbyhq/profilesync/pkg/security"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeCredentialStore keeps credentials in memory
type fakeCredentialStore struct {
	creds   map[string]*store.Credential
	updates int
	upserts int
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{creds: make(map[string]*store.Credential)}
}

func (f *fakeCredentialStore) Get(ctx context.Context, scopeID string) (*store.Credential, error) {
	cred, ok := f.creds[scopeID]
	if !ok {
		return nil, apperrors.NewNotFound("credential")
	}
	copied := *cred
	return &copied, nil
}

func (f *fakeCredentialStore) Upsert(ctx context.Context, cred *store.Credential) error {
	f.upserts++
	copied := *cred
	f.creds[cred.ScopeID] = &copied
	return nil
}

func (f *fakeCredentialStore) Update(ctx context.Context, scopeID string, fields map[string]string) error {
	cred, ok := f.creds[scopeID]
	if !ok {
		return apperrors.NewNotFound("credential")
	}
	f.updates++
	if v, ok := fields["access_token"]; ok {
		cred.AccessToken = v
	}
	if v, ok := fields["refresh_token"]; ok {
		cred.RefreshToken = sql.NullString{String: v, Valid: true}
	}
	return nil
}

func (f *fakeCredentialStore) UpdateCredentialField(ctx context.Context, scopeID, field, value string) error {
	return f.Update(ctx, scopeID, map[string]string{field: value})
}

// fakeHistoryStore records entries in memory
type fakeHistoryStore struct {
	entries []*store.SyncHistoryEntry
}

func (f *fakeHistoryStore) Record(ctx context.Context, entry *store.SyncHistoryEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistoryStore) ListByScope(ctx context.Context, scopeID string, limit int) ([]*store.SyncHistoryEntry, error) {
	return f.entries, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{
			MaxRetries:        2,
			BaseDelay:         time.Millisecond,
			MaxDelay:          10 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            false,
			FailureThreshold:  5,
			OpenDuration:      time.Minute,
			RateMaxRequests:   100,
			RateWindow:        time.Minute,
		},
		Security: config.SecurityConfig{TokenKey: testKey},
	}
}

func newTestService(t *testing.T, cfg *config.Config, creds *fakeCredentialStore, history *fakeHistoryStore, tsf TokenSourceFactory) *Service {
	t.Helper()

	cipher, err := security.NewTokenCipher(testKey, "test-passphrase")
	require.NoError(t, err)

	svc, err := NewService(Options{
		Config:      cfg,
		Credentials: creds,
		History:     history,
		Cipher:      cipher,
		TokenSource: tsf,
	})
	require.NoError(t, err)
	return svc
}

func TestService_WithRetrySuccessRecordsHistory(t *testing.T) {
	history := &fakeHistoryStore{}
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), history, nil)

	calls := 0
	err := svc.WithRetry(context.Background(), "scope-1", "update_profile", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, history.entries, 1)
	assert.Equal(t, "scope-1", history.entries[0].ScopeID)
	assert.Equal(t, "update_profile", history.entries[0].OperationType)
	assert.Equal(t, store.StatusSuccess, history.entries[0].Status)
}

func TestService_WithRetryRetriesRetryableProviderError(t *testing.T) {
	history := &fakeHistoryStore{}
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), history, nil)

	calls := 0
	err := svc.WithRetry(context.Background(), "scope-1", "update_profile", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &profileapi.HTTPError{StatusCode: 429, Message: "slow down", RetryAfter: "0"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestService_WithRetryFailureRecordsErrorCode(t *testing.T) {
	history := &fakeHistoryStore{}
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), history, nil)

	err := svc.WithRetry(context.Background(), "scope-1", "update_profile", func(ctx context.Context) error {
		return &profileapi.ProviderError{Code: profileapi.CodeQuotaExceeded, Message: "quota spent"}
	})

	require.Error(t, err)
	require.Len(t, history.entries, 1)
	assert.Equal(t, store.StatusError, history.entries[0].Status)
	assert.Equal(t, "QUOTA_EXCEEDED", history.entries[0].ErrorCode.String)
}

func TestService_WithRetryLocalBudgetRejectsBeforeOperation(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.RateMaxRequests = 1
	history := &fakeHistoryStore{}
	svc := newTestService(t, cfg, newFakeCredentialStore(), history, nil)

	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, svc.WithRetry(context.Background(), "scope-1", "update_profile", op))

	err := svc.WithRetry(context.Background(), "scope-1", "update_profile", op)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.IsKind(err, apperrors.KindRateLimited))

	ce := apperrors.AsClassified(err)
	require.NotNil(t, ce)
	assert.Equal(t, "local", ce.Details["source"])
	assert.Greater(t, ce.RetryAfter, time.Duration(0))
	assert.True(t, resilience.IsRateBudgetExceeded(ce.Cause))
}

func TestService_TokenRoundTrip(t *testing.T) {
	creds := newFakeCredentialStore()
	svc := newTestService(t, testConfig(), creds, &fakeHistoryStore{}, nil)

	ctx := context.Background()
	require.NoError(t, svc.SaveToken(ctx, "scope-1", &oauth2.Token{
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		Expiry:       time.Now().Add(time.Hour),
	}))

	// Stored values are ciphertext, not the plaintext tokens
	stored := creds.creds["scope-1"]
	assert.NotEqual(t, "access-plain", stored.AccessToken)
	assert.NotEqual(t, "refresh-plain", stored.RefreshToken.String)

	tok, err := svc.Token(ctx, "scope-1")
	require.NoError(t, err)
	assert.Equal(t, "access-plain", tok.AccessToken)
	assert.Equal(t, "refresh-plain", tok.RefreshToken)
}

func TestService_TokenMigratesLegacyFormat(t *testing.T) {
	creds := newFakeCredentialStore()
	svc := newTestService(t, testConfig(), creds, &fakeHistoryStore{}, nil)

	cipher, err := security.NewTokenCipher(testKey, "test-passphrase")
	require.NoError(t, err)
	legacy, err := cipher.EncryptLegacyIV("old-access-token")
	require.NoError(t, err)

	creds.creds["scope-1"] = &store.Credential{
		ScopeID:     "scope-1",
		AccessToken: legacy,
		TokenExpiry: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
	}

	tok, err := svc.Token(context.Background(), "scope-1")
	require.NoError(t, err)
	assert.Equal(t, "old-access-token", tok.AccessToken)

	// The stored value was rewritten to the current format on read
	assert.Equal(t, 1, creds.updates)
	format, err := security.DetectFormat(creds.creds["scope-1"].AccessToken)
	require.NoError(t, err)
	assert.Equal(t, security.FormatV2, format)
}

func TestService_TokenRefreshesExpiredToken(t *testing.T) {
	creds := newFakeCredentialStore()
	fresh := &oauth2.Token{
		AccessToken: "fresh-access",
		Expiry:      time.Now().Add(time.Hour),
	}
	tsf := func(ctx context.Context, current *oauth2.Token) oauth2.TokenSource {
		return oauth2.StaticTokenSource(fresh)
	}
	svc := newTestService(t, testConfig(), creds, &fakeHistoryStore{}, tsf)

	ctx := context.Background()
	require.NoError(t, svc.SaveToken(ctx, "scope-1", &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-plain",
		Expiry:       time.Now().Add(-time.Hour),
	}))
	upsertsBefore := creds.upserts

	tok, err := svc.Token(ctx, "scope-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)

	// The refreshed token was re-encrypted and persisted
	assert.Equal(t, upsertsBefore+1, creds.upserts)
}

func TestService_TokenExpiredWithoutRefreshSource(t *testing.T) {
	creds := newFakeCredentialStore()
	svc := newTestService(t, testConfig(), creds, &fakeHistoryStore{}, nil)

	ctx := context.Background()
	require.NoError(t, svc.SaveToken(ctx, "scope-1", &oauth2.Token{
		AccessToken: "stale-access",
		Expiry:      time.Now().Add(-time.Hour),
	}))

	_, err := svc.Token(ctx, "scope-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenExpired))
}

func TestService_TokenUnknownScope(t *testing.T) {
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), &fakeHistoryStore{}, nil)

	_, err := svc.Token(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestService_ClassifyDelegates(t *testing.T) {
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), &fakeHistoryStore{}, nil)

	ce := svc.Classify(&profileapi.HTTPError{StatusCode: 429, Message: "slow down"})
	require.NotNil(t, ce)
	assert.Equal(t, apperrors.KindRateLimited, ce.Kind)
}

func TestService_CompareConsistency(t *testing.T) {
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), &fakeHistoryStore{}, nil)

	result := svc.CompareConsistency(
		map[string]string{"name": "A"},
		map[string]string{"name": "B"},
	)

	assert.False(t, result.IsConsistent)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "name", result.Conflicts[0].Field)
}

func TestService_HealthReflectsBreakerState(t *testing.T) {
	svc := newTestService(t, testConfig(), newFakeCredentialStore(), &fakeHistoryStore{}, nil)

	h := svc.Health("scope-1")
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, resilience.StateClosed, h.Breaker.State)
	assert.Equal(t, 100, h.RateMaxPerWindow)

	for i := 0; i < 5; i++ {
		svc.Breaker().RecordFailure()
	}

	h = svc.Health("scope-1")
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, resilience.StateOpen, h.Breaker.State)
}
