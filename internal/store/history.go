package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Sync outcome statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SyncHistoryEntry is one structured sync outcome handed to the history
// store by the resilience layer
type SyncHistoryEntry struct {
	ID             uuid.UUID      `db:"id"`
	ScopeID        string         `db:"scope_id"`
	OperationType  string         `db:"operation_type"`
	Status         string         `db:"status"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ErrorCode      sql.NullString `db:"error_code"`
	ItemsProcessed int            `db:"items_processed"`
	ItemsUpdated   int            `db:"items_updated"`
	ItemsErrors    int            `db:"items_errors"`
	DurationMs     sql.NullInt64  `db:"duration_ms"`
	Timestamp      time.Time      `db:"timestamp"`
}

// SyncHistoryStoreInterface defines the interface for sync history operations
type SyncHistoryStoreInterface interface {
	Record(ctx context.Context, entry *SyncHistoryEntry) error
	ListByScope(ctx context.Context, scopeID string, limit int) ([]*SyncHistoryEntry, error)
}

// SyncHistoryStore handles sync history database operations
type SyncHistoryStore struct {
	db *DB
}

// NewSyncHistoryStore creates a new sync history store
func NewSyncHistoryStore(db *DB) *SyncHistoryStore {
	return &SyncHistoryStore{db: db}
}

// Record persists one sync outcome
func (s *SyncHistoryStore) Record(ctx context.Context, entry *SyncHistoryEntry) error {
	query := `
		INSERT INTO sync_history (id, scope_id, operation_type, status, error_message, error_code,
		                          items_processed, items_updated, items_errors, duration_ms, timestamp)
		VALUES (:id, :scope_id, :operation_type, :status, :error_message, :error_code,
		        :items_processed, :items_updated, :items_errors, :duration_ms, :timestamp)`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if _, err := s.db.NamedExecContext(ctx, query, entry); err != nil {
		return storageError("failed to record sync history entry", err)
	}
	return nil
}

// ListByScope retrieves the most recent entries for a scope
func (s *SyncHistoryStore) ListByScope(ctx context.Context, scopeID string, limit int) ([]*SyncHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []*SyncHistoryEntry
	query := `SELECT * FROM sync_history WHERE scope_id = $1 ORDER BY timestamp DESC LIMIT $2`

	if err := s.db.SelectContext(ctx, &entries, query, scopeID, limit); err != nil {
		return nil, storageError("failed to list sync history", err)
	}
	return entries, nil
}
