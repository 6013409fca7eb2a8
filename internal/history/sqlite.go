package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SQLiteRepository implements Repository using SQLite.
//
// Field snapshots are stored as JSON in the state_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordChange inserts a new history entry for an instance.
func (r *SQLiteRepository) RecordChange(ctx context.Context, entityType, instanceID string, fields map[string]any, source string) error {
	if instanceID == "" {
		return fmt.Errorf("instance id is required")
	}
	if source == "" {
		source = SourcePush
	}
	if fields == nil {
		fields = map[string]any{}
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO state_history (entity_type, instance_id, fields, source, recorded_at) VALUES (?, ?, ?, ?, ?)",
		entityType,
		instanceID,
		string(fieldsJSON),
		source,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent history entries for an instance, ordered
// newest first. Limit defaults to 50 and is clamped to 200.
func (r *SQLiteRepository) GetHistory(ctx context.Context, entityType, instanceID string, limit int) ([]Entry, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entity_type, instance_id, fields, source, recorded_at
		 FROM state_history
		 WHERE entity_type = ? AND instance_id = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		entityType,
		instanceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var fieldsJSON string
		var recordedAt string

		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.InstanceID, &fieldsJSON, &entry.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}

		if err := json.Unmarshal([]byte(fieldsJSON), &entry.Fields); err != nil {
			return nil, fmt.Errorf("unmarshalling fields: %w", err)
		}

		entry.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at %q: %w", recordedAt, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the retention window.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return n, nil
}
