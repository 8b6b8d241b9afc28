package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	logTimeLayout = "2006-01-02T15:04:05.000Z"

	defaultLogLimit = 50
	maxLogLimit     = 500
)

// CommandLogEntry is one row of command_log.
type CommandLogEntry struct {
	ID        int64     `json:"id"`
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Field     string    `json:"field"`
	Outcome   string    `json:"outcome"`
	Attempts  int       `json:"attempts"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandLog stores command outcomes in the command_log table.
type CommandLog struct {
	db *sql.DB
}

// NewCommandLog creates a command log over a migrated database.
func NewCommandLog(db *sql.DB) *CommandLog {
	return &CommandLog{db: db}
}

// Append inserts one entry. ID is ignored.
func (l *CommandLog) Append(ctx context.Context, e CommandLogEntry) error {
	if e.CommandID == "" || e.DeviceID == "" {
		return fmt.Errorf("command id and device id are required")
	}
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO command_log (command_id, device_id, field, outcome, attempts, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CommandID, e.DeviceID, e.Field, e.Outcome, e.Attempts, e.LatencyMS,
		at.UTC().Format(logTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command log: %w", err)
	}
	return nil
}

// Recent returns the latest entries for a device, newest first.
func (l *CommandLog) Recent(ctx context.Context, deviceID string, limit int) ([]CommandLogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, command_id, device_id, field, outcome, attempts, latency_ms, created_at
		 FROM command_log
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	var entries []CommandLogEntry
	for rows.Next() {
		var (
			e       CommandLogEntry
			created string
		)
		if err := rows.Scan(&e.ID, &e.CommandID, &e.DeviceID, &e.Field, &e.Outcome, &e.Attempts, &e.LatencyMS, &created); err != nil {
			return nil, fmt.Errorf("scanning command log: %w", err)
		}
		e.CreatedAt, err = time.Parse(logTimeLayout, created)
		if err != nil {
			// Rows written by the column default have no milliseconds.
			e.CreatedAt, err = time.Parse(time.RFC3339, created)
			if err != nil {
				return nil, fmt.Errorf("parsing created_at %q: %w", created, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan.
func (l *CommandLog) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(logTimeLayout)
	res, err := l.db.ExecContext(ctx, `DELETE FROM command_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	return res.RowsAffected()
}
