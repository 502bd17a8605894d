package fan

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

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
//
// State snapshots are stored as JSON in the state_history table. After
// each insert the repository trims the fan's history to the retention
// limit. Insert and trim run in one transaction, so the table never
// holds more than the retained rows per fan.
type SQLiteHistoryRepository struct {
	db     *sql.DB
	retain int
}

// NewSQLiteHistoryRepository creates a SQLite-backed history repository.
//
// Parameters:
//   - db: Open SQLite connection
//   - retain: Rows kept per fan; values < 1 disable trimming
//
// Returns:
//   - *SQLiteHistoryRepository: Repository ready for use
func NewSQLiteHistoryRepository(db *sql.DB, retain int) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db, retain: retain}
}

// Record inserts a state history entry and trims the fan's history to
// the retention limit.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Cloud appliance identifier
//   - state: State snapshot to persist
//   - source: Origin of the change
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteHistoryRepository) Record(ctx context.Context, deviceID string, state State, source Source) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if source == "" {
		source = SourcePoll
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO state_history (device_id, state, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID,
		string(stateJSON),
		string(source),
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}

	if r.retain > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM state_history
			 WHERE device_id = ?
			   AND id NOT IN (
			       SELECT id FROM state_history
			       WHERE device_id = ?
			       ORDER BY created_at DESC, id DESC
			       LIMIT ?
			   )`,
			deviceID, deviceID, r.retain,
		); err != nil {
			return fmt.Errorf("trimming state history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state history: %w", err)
	}
	return nil
}

// GetHistory returns recent history entries for a fan, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Cloud appliance identifier
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []HistoryEntry: Entries ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, state, source, created_at
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var entry HistoryEntry
		var stateJSON string
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.DeviceID, &stateJSON, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}

		if err := json.Unmarshal([]byte(stateJSON), &entry.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}

		timestamp, err := parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// parseHistoryTimestamp parses a timestamp stored in SQLite. The column
// default writes second precision without an offset, so fall back to
// that layout when RFC3339 parsing fails.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
}
