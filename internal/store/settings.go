package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Settings keys used by the engine.
const (
	KeyLastSync      = "last_sync"
	KeyConfiguration = "configuration"
)

// SetSetting stores a scalar value under key.
func (d *DB) SetSetting(key, value string) error {
	query := `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, unixepoch())
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = unixepoch()
	`
	if _, err := d.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the value for key; found is false when unset.
func (d *DB) GetSetting(key string) (value string, found bool, err error) {
	row := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteSetting removes key.
func (d *DB) DeleteSetting(key string) error {
	if _, err := d.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// SetLastSync records the timestamp of the last successful sync.
func (d *DB) SetLastSync(ts time.Time) error {
	return d.SetSetting(KeyLastSync, strconv.FormatInt(ts.UnixMilli(), 10))
}

// GetLastSync returns the last successful sync timestamp, or zero time
// when no sync has completed yet.
func (d *DB) GetLastSync() (time.Time, error) {
	value, found, err := d.GetSetting(KeyLastSync)
	if err != nil || !found {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last_sync value %q: %w", value, err)
	}
	return time.UnixMilli(ms), nil
}

// ClearLastSync forgets the last successful sync, forcing the next pass
// to be a full sync.
func (d *DB) ClearLastSync() error {
	return d.DeleteSetting(KeyLastSync)
}
