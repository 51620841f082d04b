package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/nearbyhq/profilesync/pkg/logging"
)

// Format identifies the on-disk shape of an encrypted credential
type Format string

const (
	// FormatV2 is the current format: "v2:<iv>:<ciphertext>:<tag>", all
	// hex, AES-256-GCM with the tag verified on decrypt
	FormatV2 Format = "v2"
	// FormatLegacyIV is "<iv>:<ciphertext>", AES-256-CBC, no auth tag
	FormatLegacyIV Format = "legacy-iv"
	// FormatLegacyKDF is a single hex blob, AES-256-CBC with key and IV
	// derived from a passphrase
	FormatLegacyKDF Format = "legacy-kdf"
)

const (
	v2Prefix    = "v2:"
	gcmIVSize   = 12
	gcmTagSize  = 16
	cbcIVSize   = aes.BlockSize
	kdfIters    = 10000
	kdfKeyBytes = 32
)

// kdfSalt is fixed so the oldest stored blobs stay decryptable
var kdfSalt = []byte("profilesync-token-kdf")

// ErrDecrypt is returned for any decryption failure. It deliberately does
// not distinguish a wrong key from corrupted data.
var ErrDecrypt = errors.New("token decrypt failed")

// ErrInvalidFormat is returned when a stored value matches none of the
// known credential formats
var ErrInvalidFormat = errors.New("invalid encrypted token format")

// ParseKey decodes a 64-hex-character string into a 256-bit key. The key is
// never truncated or padded to fit.
func ParseKey(hexKey string) ([]byte, error) {
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("token encryption key must be 64 hex characters, got %d", len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key must be valid hex: %w", err)
	}
	return key, nil
}

// CredentialWriter persists a migrated credential value back to storage
type CredentialWriter interface {
	UpdateCredentialField(ctx context.Context, scopeID, field, value string) error
}

// MigrationContext identifies which stored field a decrypted value came
// from so a legacy-format value can be re-encrypted and written back
type MigrationContext struct {
	ScopeID string
	Field   string
}

// TokenCipher encrypts and decrypts long-lived credential strings. New
// values are always written in the v2 AEAD format; two historical formats
// remain readable and are migrated forward opportunistically.
type TokenCipher struct {
	key        []byte
	passphrase string
	logger     *logging.Logger
}

// NewTokenCipher creates a token cipher from a 64-hex-character key. The
// legacy passphrase may be empty when no passphrase-derived rows remain.
func NewTokenCipher(hexKey, legacyPassphrase string) (*TokenCipher, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}

	return &TokenCipher{
		key:        key,
		passphrase: legacyPassphrase,
		logger:     logging.GetLogger(),
	}, nil
}

// Encrypt encrypts plaintext into the v2 format with a fresh random IV
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return fmt.Sprintf("%s%s:%s:%s", v2Prefix,
		hex.EncodeToString(iv),
		hex.EncodeToString(ciphertext),
		hex.EncodeToString(tag),
	), nil
}

// DetectFormat inspects a stored value's shape and reports which of the
// three credential formats it carries
func DetectFormat(stored string) (Format, error) {
	if strings.HasPrefix(stored, v2Prefix) {
		fields := strings.Split(stored[len(v2Prefix):], ":")
		if len(fields) != 3 || !allHex(fields) {
			return "", ErrInvalidFormat
		}
		return FormatV2, nil
	}

	fields := strings.Split(stored, ":")
	switch {
	case len(fields) == 2 && allHex(fields):
		return FormatLegacyIV, nil
	case len(fields) == 1 && fields[0] != "" && isHex(fields[0]):
		return FormatLegacyKDF, nil
	}
	return "", ErrInvalidFormat
}

// Decrypt decrypts a stored value in any of the supported formats and
// reports which format it was stored in
func (c *TokenCipher) Decrypt(stored string) (string, Format, error) {
	format, err := DetectFormat(stored)
	if err != nil {
		return "", "", err
	}

	var plaintext string
	switch format {
	case FormatV2:
		plaintext, err = c.decryptV2(stored)
	case FormatLegacyIV:
		plaintext, err = c.decryptLegacyIV(stored)
	case FormatLegacyKDF:
		plaintext, err = c.decryptLegacyKDF(stored)
	}
	if err != nil {
		return "", "", err
	}
	return plaintext, format, nil
}

// DecryptWithMigration decrypts a stored value and, when it was in a legacy
// format and a migration context is supplied, re-encrypts it to v2 and
// writes it back. The write-back is best effort: a failure is logged and
// the decrypted plaintext is returned regardless.
func (c *TokenCipher) DecryptWithMigration(ctx context.Context, stored string, mc *MigrationContext, writer CredentialWriter) (string, error) {
	plaintext, format, err := c.Decrypt(stored)
	if err != nil {
		return "", err
	}

	if format != FormatV2 && mc != nil && writer != nil {
		migrated, encErr := c.Encrypt(plaintext)
		if encErr != nil {
			c.logger.LogCredentialEvent(ctx, "token_migration", mc.ScopeID, false, map[string]interface{}{
				"field":       mc.Field,
				"from_format": string(format),
				"error":       encErr.Error(),
			})
			return plaintext, nil
		}

		if updErr := writer.UpdateCredentialField(ctx, mc.ScopeID, mc.Field, migrated); updErr != nil {
			c.logger.LogCredentialEvent(ctx, "token_migration", mc.ScopeID, false, map[string]interface{}{
				"field":       mc.Field,
				"from_format": string(format),
				"error":       updErr.Error(),
			})
		} else {
			c.logger.LogCredentialEvent(ctx, "token_migration", mc.ScopeID, true, map[string]interface{}{
				"field":       mc.Field,
				"from_format": string(format),
			})
		}
	}

	return plaintext, nil
}

func (c *TokenCipher) decryptV2(stored string) (string, error) {
	fields := strings.Split(stored[len(v2Prefix):], ":")

	iv, err1 := hex.DecodeString(fields[0])
	ciphertext, err2 := hex.DecodeString(fields[1])
	tag, err3 := hex.DecodeString(fields[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != gcmIVSize || len(tag) != gcmTagSize {
		return "", ErrInvalidFormat
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

func (c *TokenCipher) decryptLegacyIV(stored string) (string, error) {
	fields := strings.Split(stored, ":")

	iv, err1 := hex.DecodeString(fields[0])
	ciphertext, err2 := hex.DecodeString(fields[1])
	if err1 != nil || err2 != nil || len(iv) != cbcIVSize {
		return "", ErrInvalidFormat
	}

	return decryptCBC(c.key, iv, ciphertext)
}

func (c *TokenCipher) decryptLegacyKDF(stored string) (string, error) {
	if c.passphrase == "" {
		return "", fmt.Errorf("legacy passphrase not configured: %w", ErrDecrypt)
	}

	blob, err := hex.DecodeString(stored)
	if err != nil {
		return "", ErrInvalidFormat
	}

	derived := pbkdf2.Key([]byte(c.passphrase), kdfSalt, kdfIters, kdfKeyBytes+cbcIVSize, sha256.New)
	key := derived[:kdfKeyBytes]
	iv := derived[kdfKeyBytes:]

	return decryptCBC(key, iv, blob)
}

// EncryptLegacyKDF produces a blob in the oldest format. Kept for fixtures
// and migration tests; production writes are always v2.
func (c *TokenCipher) EncryptLegacyKDF(plaintext string) (string, error) {
	if c.passphrase == "" {
		return "", errors.New("legacy passphrase not configured")
	}

	derived := pbkdf2.Key([]byte(c.passphrase), kdfSalt, kdfIters, kdfKeyBytes+cbcIVSize, sha256.New)
	blob, err := encryptCBC(derived[:kdfKeyBytes], derived[kdfKeyBytes:], plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(blob), nil
}

// EncryptLegacyIV produces a value in the iv:ciphertext format. Kept for
// fixtures and migration tests; production writes are always v2.
func (c *TokenCipher) EncryptLegacyIV(plaintext string) (string, error) {
	iv := make([]byte, cbcIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	blob, err := encryptCBC(c.key, iv, plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(blob), nil
}

func encryptCBC(key, iv []byte, plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key, iv, ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}

func allHex(fields []string) bool {
	for _, f := range fields {
		if !isHex(f) {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
