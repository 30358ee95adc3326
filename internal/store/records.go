package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/craneworks/fieldsync/internal/entity"
)

// RecordStore is the SQLite-backed local copy of entity records. Rows
// written by the sync engine are clean; rows written through SaveLocal
// are dirty and await upload.
type RecordStore struct {
	db *DB
}

// NewRecordStore wraps the shared database.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// Get returns the local copy of one record.
func (s *RecordStore) Get(ctx context.Context, entityType entity.Type, recordID string) (entity.Record, bool, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT payload FROM entity_records WHERE entity_type = ? AND record_id = ?`,
		string(entityType), recordID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get record: %w", err)
	}

	var record entity.Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, false, fmt.Errorf("corrupt record %s/%s: %w", entityType, recordID, err)
	}
	return record, true, nil
}

// Save stores a record as clean, overwriting any local copy. Used by
// the sync engine after reconciliation.
func (s *RecordStore) Save(ctx context.Context, entityType entity.Type, recordID string, record entity.Record) error {
	return s.save(ctx, entityType, recordID, record, false)
}

// SaveLocal stores a locally modified record as dirty so the next
// upload pass pushes it.
func (s *RecordStore) SaveLocal(ctx context.Context, entityType entity.Type, recordID string, record entity.Record) error {
	return s.save(ctx, entityType, recordID, record, true)
}

func (s *RecordStore) save(ctx context.Context, entityType entity.Type, recordID string, record entity.Record, dirty bool) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	dirtyFlag := 0
	if dirty {
		dirtyFlag = 1
	}

	query := `
	INSERT INTO entity_records (entity_type, record_id, payload, updated_at, dirty)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, record_id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		dirty = excluded.dirty
	`
	if _, err := s.db.db.ExecContext(ctx, query,
		string(entityType), recordID, string(payload),
		float64(time.Now().UnixMilli())/1000.0, dirtyFlag,
	); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Delete removes the local copy of one record.
func (s *RecordStore) Delete(ctx context.Context, entityType entity.Type, recordID string) error {
	if _, err := s.db.db.ExecContext(ctx,
		`DELETE FROM entity_records WHERE entity_type = ? AND record_id = ?`,
		string(entityType), recordID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Dirty returns the locally modified records of one type, ready for
// upload.
func (s *RecordStore) Dirty(ctx context.Context, entityType entity.Type) ([]entity.Record, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT payload FROM entity_records WHERE entity_type = ? AND dirty = 1 ORDER BY updated_at ASC`,
		string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty records: %w", err)
	}
	defer rows.Close()

	var records []entity.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		var record entity.Record
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("corrupt dirty record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dirty records: %w", err)
	}
	return records, nil
}

// MarkClean clears the dirty flag for the given records after a
// successful upload. Records dirtied after the upload snapshot was
// taken are untouched and go out with the next pass.
func (s *RecordStore) MarkClean(ctx context.Context, entityType entity.Type, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recordIDs)), ", ")
	args := make([]any, 0, len(recordIDs)+1)
	args = append(args, string(entityType))
	for _, id := range recordIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`UPDATE entity_records SET dirty = 0 WHERE entity_type = ? AND record_id IN (%s)`,
		placeholders)
	if _, err := s.db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark records clean: %w", err)
	}
	return nil
}
