package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/nearbyhq/profilesync/pkg/errors"
)

// Credential is an encrypted credential row for one business scope. Token
// columns hold ciphertext in any of the supported cipher formats; the
// cipher, not the store, decides how to read them.
type Credential struct {
	ScopeID      string         `db:"scope_id"`
	AccessToken  string         `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// CredentialStoreInterface defines the interface for credential operations
type CredentialStoreInterface interface {
	Get(ctx context.Context, scopeID string) (*Credential, error)
	Upsert(ctx context.Context, cred *Credential) error
	Update(ctx context.Context, scopeID string, fields map[string]string) error
	UpdateCredentialField(ctx context.Context, scopeID, field, value string) error
}

// credentialColumns whitelists the columns Update may touch
var credentialColumns = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
}

// CredentialStore handles credential database operations
type CredentialStore struct {
	db *DB
}

// NewCredentialStore creates a new credential store
func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Get retrieves the credential for a scope
func (s *CredentialStore) Get(ctx context.Context, scopeID string) (*Credential, error) {
	var cred Credential
	query := `SELECT * FROM credentials WHERE scope_id = $1`

	err := s.db.GetContext(ctx, &cred, query, scopeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFound("credential")
		}
		return nil, storageError("failed to get credential", err)
	}

	return &cred, nil
}

// Upsert inserts or replaces the credential for a scope
func (s *CredentialStore) Upsert(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (scope_id, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (:scope_id, :access_token, :refresh_token, :token_expiry, NOW(), NOW())
		ON CONFLICT (scope_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    token_expiry = EXCLUDED.token_expiry,
		    updated_at = NOW()`

	if _, err := s.db.NamedExecContext(ctx, query, cred); err != nil {
		return storageError("failed to upsert credential", err)
	}
	return nil
}

// Update sets the given token columns for a scope
func (s *CredentialStore) Update(ctx context.Context, scopeID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	assignments := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	args = append(args, scopeID)

	for column, value := range fields {
		if !credentialColumns[column] {
			return apperrors.NewValidationError(fmt.Sprintf("unknown credential column %q", column))
		}
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	query := fmt.Sprintf(
		`UPDATE credentials SET %s, updated_at = NOW() WHERE scope_id = $1`,
		strings.Join(assignments, ", "),
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError("failed to update credential", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storageError("failed to check update result", err)
	}
	if rows == 0 {
		return apperrors.NewNotFound("credential")
	}

	return nil
}

// UpdateCredentialField writes one migrated token column back to storage.
// This is the write-back hook the token cipher uses after reading a
// legacy-format value.
func (s *CredentialStore) UpdateCredentialField(ctx context.Context, scopeID, field, value string) error {
	return s.Update(ctx, scopeID, map[string]string{field: value})
}
