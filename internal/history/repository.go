package history

import (
	"context"
	"time"
)

// Change source values.
const (
	// SourcePush marks a change applied from a push delta.
	SourcePush = "push"

	// SourcePoll marks a snapshot taken during a full poll.
	SourcePoll = "poll"

	// SourceCorrelation marks a change from derived history correlation.
	SourceCorrelation = "correlation"
)

// Entry represents a single recorded state change.
//
// Each entry stores the full canonical field snapshot at the time the
// change was observed, giving a local audit trail even when the
// time-series database is unavailable.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// EntityType and InstanceID identify the changed record.
	EntityType string `json:"entity_type"`
	InstanceID string `json:"instance_id"`

	// Fields is the canonical field snapshot after the change.
	Fields map[string]any `json:"fields"`

	// Source identifies how the change was observed (push, poll,
	// correlation).
	Source string `json:"source"`

	// RecordedAt is the timestamp of the change (UTC).
	RecordedAt time.Time `json:"recorded_at"`
}

// Repository stores and retrieves state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type Repository interface {
	// RecordChange records one state change.
	RecordChange(ctx context.Context, entityType, instanceID string, fields map[string]any, source string) error

	// GetHistory returns recent changes for one instance, newest first.
	// The limit may be clamped by the implementation.
	GetHistory(ctx context.Context, entityType, instanceID string, limit int) ([]Entry, error)

	// Prune deletes entries older than the retention window and returns
	// the number removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
