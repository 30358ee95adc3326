package store

import (
	"database/sql"
	"fmt"
	"time"
)

// HistoryEntry records the outcome of one sync pass.
type HistoryEntry struct {
	ID        string
	Timestamp time.Time
	Success   bool
	Duration  time.Duration
	Error     string
}

// AppendHistory inserts an entry and trims the log to maxEntries,
// dropping the oldest rows first.
func (d *DB) AppendHistory(entry HistoryEntry, maxEntries int) error {
	success := 0
	if entry.Success {
		success = 1
	}

	var errText any
	if entry.Error != "" {
		errText = entry.Error
	}

	query := `
	INSERT INTO sync_history (entry_id, timestamp, success, duration_ms, error)
	VALUES (?, ?, ?, ?, ?)
	`
	if _, err := d.db.Exec(query,
		entry.ID,
		float64(entry.Timestamp.UnixMilli())/1000.0,
		success,
		entry.Duration.Milliseconds(),
		errText,
	); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	trim := `
	DELETE FROM sync_history
	WHERE entry_id NOT IN (
		SELECT entry_id FROM sync_history
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	)
	`
	if _, err := d.db.Exec(trim, maxEntries); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return nil
}

// ListHistory returns up to limit entries, newest first.
func (d *DB) ListHistory(limit int) ([]HistoryEntry, error) {
	query := `
	SELECT entry_id, timestamp, success, duration_ms, error
	FROM sync_history
	ORDER BY timestamp DESC, rowid DESC
	LIMIT ?
	`

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var ts float64
		var success int
		var durationMS int64
		var errText sql.NullString

		if err := rows.Scan(&entry.ID, &ts, &success, &durationMS, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		entry.Timestamp = time.UnixMilli(int64(ts * 1000))
		entry.Success = success != 0
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		if errText.Valid {
			entry.Error = errText.String
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return entries, nil
}

// ClearHistory drops the entire sync history log.
func (d *DB) ClearHistory() error {
	if _, err := d.db.Exec(`DELETE FROM sync_history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
