package fan

import (
	"context"
	"time"
)

// Source identifies how the bridge learnt of a state change.
type Source string

// Source values recorded against history entries.
const (
	// SourceCommand marks optimistic state applied when a command was
	// accepted, before the cloud confirmed it.
	SourceCommand Source = "command"

	// SourceAck marks state read back from the cloud after a write.
	SourceAck Source = "ack"

	// SourcePoll marks state adopted from a scheduled poll, including
	// changes made outside the bridge (physical remote, vendor app).
	SourcePoll Source = "poll"

	// SourceRollback marks optimistic state reverted after a write
	// permanently failed.
	SourceRollback Source = "rollback"
)

// HistoryEntry is one recorded state change.
//
// Each entry stores the full state snapshot at the time of the change,
// so history remains interpretable even if a fan is later removed.
type HistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the cloud appliance identifier.
	DeviceID string `json:"device_id"`

	// State is the snapshot after the change.
	State State `json:"state"`

	// Source identifies how the change was observed.
	Source Source `json:"source"`

	// CreatedAt is when the bridge recorded the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves fan state change history.
//
// Implementations must be safe for concurrent use and store UTC
// timestamps.
type HistoryRepository interface {
	// Record persists a state change.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Cloud appliance identifier
	//   - state: State snapshot after the change
	//   - source: Origin of the change
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	Record(ctx context.Context, deviceID string, state State, source Source) error

	// GetHistory returns recent entries for a fan, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Cloud appliance identifier
	//   - limit: Maximum entries to return (implementation may clamp)
	//
	// Returns:
	//   - []HistoryEntry: Entries ordered by created_at DESC (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error)
}
