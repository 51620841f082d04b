package security

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	otherKey     = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
	testPassword = "legacy-test-passphrase"
)

func newTestCipher(t *testing.T) *TokenCipher {
	t.Helper()
	c, err := NewTokenCipher(testKey, testPassword)
	require.NoError(t, err)
	return c
}

// fakeWriter records write-backs from the migration path
type fakeWriter struct {
	scopeID string
	field   string
	value   string
	calls   int
	err     error
}

func (w *fakeWriter) UpdateCredentialField(ctx context.Context, scopeID, field, value string) error {
	w.calls++
	w.scopeID = scopeID
	w.field = field
	w.value = value
	return w.err
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid 64 hex chars", testKey, false},
		{"too short", "abcd1234", true},
		{"too long", testKey + "00", true},
		{"right length, not hex", strings.Repeat("g", 64), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, 32)
		})
	}
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	plaintexts := []string{
		"ya29.a0AfB_byDummyAccessToken",
		"",
		"short",
		strings.Repeat("long-token-", 100),
		"unicode: héllo wörld 東京",
	}

	for _, plaintext := range plaintexts {
		encrypted, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(encrypted, "v2:"))

		decrypted, format, err := c.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, FormatV2, format)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestTokenCipher_FreshIVPerEncryption(t *testing.T) {
	c := newTestCipher(t)

	first, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestTokenCipher_TamperedCiphertextRejected(t *testing.T) {
	c := newTestCipher(t)

	encrypted, err := c.Encrypt("secret token")
	require.NoError(t, err)

	fields := strings.Split(encrypted, ":")
	require.Len(t, fields, 4)

	// Flip one hex digit of the ciphertext
	ct := []byte(fields[2])
	if ct[0] == '0' {
		ct[0] = '1'
	} else {
		ct[0] = '0'
	}
	tampered := strings.Join([]string{fields[0], fields[1], string(ct), fields[3]}, ":")

	_, _, err = c.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestTokenCipher_WrongKeyRejected(t *testing.T) {
	c := newTestCipher(t)
	encrypted, err := c.Encrypt("secret token")
	require.NoError(t, err)

	other, err := NewTokenCipher(otherKey, "")
	require.NoError(t, err)

	_, _, err = other.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		want    Format
		wantErr bool
	}{
		{"v2", "v2:aabb:ccdd:eeff", FormatV2, false},
		{"legacy iv", "aabbccdd:eeff0011", FormatLegacyIV, false},
		{"legacy kdf", "aabbccddeeff0011", FormatLegacyKDF, false},
		{"v2 with missing field", "v2:aabb:ccdd", "", true},
		{"v2 with non-hex field", "v2:aabb:zzzz:eeff", "", true},
		{"three bare fields", "aa:bb:cc", "", true},
		{"non-hex blob", "not-hex-at-all", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, err := DetectFormat(tt.stored)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, format)
		})
	}
}

func TestTokenCipher_DecryptLegacyIV(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.EncryptLegacyIV("legacy token value")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(stored, ":")+1)

	plaintext, format, err := c.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, FormatLegacyIV, format)
	assert.Equal(t, "legacy token value", plaintext)
}

func TestTokenCipher_DecryptLegacyKDF(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.EncryptLegacyKDF("oldest token value")
	require.NoError(t, err)
	assert.NotContains(t, stored, ":")

	plaintext, format, err := c.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, FormatLegacyKDF, format)
	assert.Equal(t, "oldest token value", plaintext)
}

func TestTokenCipher_LegacyKDFWithoutPassphrase(t *testing.T) {
	withPass := newTestCipher(t)
	stored, err := withPass.EncryptLegacyKDF("oldest token value")
	require.NoError(t, err)

	noPass, err := NewTokenCipher(testKey, "")
	require.NoError(t, err)

	_, _, err = noPass.Decrypt(stored)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestTokenCipher_MigrationRewritesLegacyValue(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.EncryptLegacyIV("migrate me")
	require.NoError(t, err)

	writer := &fakeWriter{}
	plaintext, err := c.DecryptWithMigration(context.Background(), stored,
		&MigrationContext{ScopeID: "scope-1", Field: "access_token"}, writer)

	require.NoError(t, err)
	assert.Equal(t, "migrate me", plaintext)
	require.Equal(t, 1, writer.calls)
	assert.Equal(t, "scope-1", writer.scopeID)
	assert.Equal(t, "access_token", writer.field)
	assert.True(t, strings.HasPrefix(writer.value, "v2:"))

	// The written value decrypts to the same plaintext
	roundTrip, format, err := c.Decrypt(writer.value)
	require.NoError(t, err)
	assert.Equal(t, FormatV2, format)
	assert.Equal(t, "migrate me", roundTrip)
}

func TestTokenCipher_MigrationSkipsCurrentFormat(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.Encrypt("already current")
	require.NoError(t, err)

	writer := &fakeWriter{}
	plaintext, err := c.DecryptWithMigration(context.Background(), stored,
		&MigrationContext{ScopeID: "scope-1", Field: "access_token"}, writer)

	require.NoError(t, err)
	assert.Equal(t, "already current", plaintext)
	assert.Equal(t, 0, writer.calls)
}

func TestTokenCipher_MigrationWriteFailureStillReturnsPlaintext(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.EncryptLegacyKDF("resilient read")
	require.NoError(t, err)

	writer := &fakeWriter{err: errors.New("db unavailable")}
	plaintext, err := c.DecryptWithMigration(context.Background(), stored,
		&MigrationContext{ScopeID: "scope-1", Field: "access_token"}, writer)

	require.NoError(t, err)
	assert.Equal(t, "resilient read", plaintext)
	assert.Equal(t, 1, writer.calls)
}

func TestTokenCipher_MigrationWithoutWriter(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.EncryptLegacyIV("no writer")
	require.NoError(t, err)

	plaintext, err := c.DecryptWithMigration(context.Background(), stored, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "no writer", plaintext)
}

func TestTokenCipher_MalformedInputs(t *testing.T) {
	c := newTestCipher(t)

	tests := []struct {
		name   string
		stored string
		want   error
	}{
		{"garbage", "!!!not encrypted!!!", ErrInvalidFormat},
		{"v2 wrong iv size", "v2:aabb:ccdd:" + strings.Repeat("00", 16), ErrInvalidFormat},
		{"v2 wrong tag size", "v2:" + strings.Repeat("00", 12) + ":ccdd:aabb", ErrInvalidFormat},
		{"legacy iv wrong size", "aabb:ccddeeff", ErrInvalidFormat},
		{"kdf blob not block aligned", "aabbcc", ErrDecrypt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Decrypt(tt.stored)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
