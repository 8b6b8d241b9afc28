package device

import (
	"context"
	"time"
)

// HistoryEntry is one recorded field transition.
//
// History is an audit trail. It is never read back into the Store, so a
// restart always begins from whatever the headsets report.
type HistoryEntry struct {
	ID        int64       `json:"id"`
	DeviceID  string      `json:"device_id"`
	Field     Field       `json:"field"`
	Value     any         `json:"value"`
	Status    FieldStatus `json:"status"`
	Source    string      `json:"source"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// HistoryRepository stores and retrieves field transitions.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// RecordTransition appends a transition.
	RecordTransition(ctx context.Context, t Transition) error

	// GetHistory returns the most recent entries for a device, newest first.
	// A non-empty field restricts the result to that field. Limit is
	// clamped to a sane range.
	GetHistory(ctx context.Context, deviceID string, field Field, limit int) ([]HistoryEntry, error)

	// PruneHistory deletes entries older than olderThan and reports how
	// many rows went.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
