package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	historyTimeLayout = "2006-01-02T15:04:05.000Z"
)

// SQLiteHistoryRepository implements HistoryRepository on the
// field_history table. Values are stored as JSON text.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a repository over an open database
// on which the field_history migration has been applied.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// RecordTransition inserts one row.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - t: Transition as emitted by the Store
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteHistoryRepository) RecordTransition(ctx context.Context, t Transition) error {
	if t.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if t.Field == "" {
		return fmt.Errorf("field is required")
	}

	valueJSON, err := json.Marshal(t.Value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO field_history (device_id, field, value, status, source, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.DeviceID,
		string(t.Field),
		string(valueJSON),
		string(t.Status),
		t.Source,
		t.Reason,
		at.UTC().Format(historyTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting field history: %w", err)
	}
	return nil
}

// GetHistory returns entries ordered newest first.
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, deviceID string, field Field, limit int) ([]HistoryEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `SELECT id, device_id, field, value, status, source, reason, created_at
		 FROM field_history
		 WHERE device_id = ?`
	args := []any{deviceID}
	if field != "" {
		query += " AND field = ?"
		args = append(args, string(field))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying field history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry     HistoryEntry
			fieldName string
			status    string
			valueJSON sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &fieldName, &valueJSON, &status, &entry.Source, &entry.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning field history: %w", err)
		}
		entry.Field = Field(fieldName)
		entry.Status = FieldStatus(status)

		if valueJSON.Valid && valueJSON.String != "" {
			if err := json.Unmarshal([]byte(valueJSON.String), &entry.Value); err != nil {
				return nil, fmt.Errorf("unmarshalling value: %w", err)
			}
		}

		ts, err := parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = ts

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating field history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes entries created before now-olderThan.
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM field_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting field history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// parseHistoryTimestamp accepts both the millisecond layout written by
// RecordTransition and the second-precision column default.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	if ts, err := time.Parse(historyTimeLayout, value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, nil
}
