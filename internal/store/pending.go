package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PendingOperation is the durable record of an operation queued while
// offline. It carries everything needed to rebuild a runnable operation
// after a restart.
type PendingOperation struct {
	ID         string
	Kind       string
	EntityType string
	RecordID   string
	CreatedAt  time.Time
}

// SavePendingOperation persists one offline-queued operation.
func (d *DB) SavePendingOperation(op PendingOperation) error {
	query := `
	INSERT OR REPLACE INTO pending_operations (operation_id, kind, entity_type, record_id, created_at)
	VALUES (?, ?, ?, ?, ?)
	`

	_, err := d.db.Exec(query, op.ID, op.Kind, op.EntityType, op.RecordID, float64(op.CreatedAt.UnixMilli())/1000.0)
	if err != nil {
		return fmt.Errorf("failed to save pending operation: %w", err)
	}
	return nil
}

// DeletePendingOperation removes one persisted entry, called after the
// operation has been dispatched (not after it completes).
func (d *DB) DeletePendingOperation(operationID string) error {
	_, err := d.db.Exec(`DELETE FROM pending_operations WHERE operation_id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	return nil
}

// DeletePendingForEntity drops persisted entries for one entity type.
func (d *DB) DeletePendingForEntity(entityType string) error {
	_, err := d.db.Exec(`DELETE FROM pending_operations WHERE entity_type = ?`, entityType)
	if err != nil {
		return fmt.Errorf("failed to delete pending operations for entity: %w", err)
	}
	return nil
}

// ClearPendingOperations drops every persisted entry.
func (d *DB) ClearPendingOperations() error {
	_, err := d.db.Exec(`DELETE FROM pending_operations`)
	if err != nil {
		return fmt.Errorf("failed to clear pending operations: %w", err)
	}
	return nil
}

// ListPendingOperations returns persisted entries in enqueue order.
func (d *DB) ListPendingOperations() ([]PendingOperation, error) {
	query := `
	SELECT operation_id, kind, entity_type, record_id, created_at
	FROM pending_operations
	ORDER BY enqueued_at ASC, rowid ASC
	`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	return scanPendingOperations(rows)
}

func scanPendingOperations(rows *sql.Rows) ([]PendingOperation, error) {
	var ops []PendingOperation

	for rows.Next() {
		var op PendingOperation
		var createdAt float64

		if err := rows.Scan(&op.ID, &op.Kind, &op.EntityType, &op.RecordID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}

		op.CreatedAt = time.UnixMilli(int64(createdAt * 1000))
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}

	return ops, nil
}
