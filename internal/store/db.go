package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database used for durable sync state: the offline
// pending-operation queue, scalar settings and the sync history log.
type DB struct {
	db *sql.DB
}

// NewDB opens (creating if needed) the sync state database.
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{db: db}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initSchema() error {
	schema := `
	-- Offline-queued operations, stored with enough data to rebuild a
	-- runnable operation after a process restart
	CREATE TABLE IF NOT EXISTS pending_operations (
		operation_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL DEFAULT '',
		created_at REAL NOT NULL,
		enqueued_at REAL DEFAULT (unixepoch())
	);

	-- Scalar key/value settings (last-sync timestamp, configuration)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at REAL DEFAULT (unixepoch())
	);

	-- Rolling log of sync pass outcomes
	CREATE TABLE IF NOT EXISTS sync_history (
		entry_id TEXT PRIMARY KEY,
		timestamp REAL NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT
	);

	-- Local copies of entity records; dirty rows await upload
	CREATE TABLE IF NOT EXISTS entity_records (
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at REAL NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_type, record_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_operations(entity_type);
	CREATE INDEX IF NOT EXISTS idx_history_timestamp ON sync_history(timestamp);
	CREATE INDEX IF NOT EXISTS idx_records_dirty ON entity_records(entity_type, dirty);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
