package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPendingOperationRoundTrip(t *testing.T) {
	db := newTestDB(t)

	created := time.Now().Truncate(time.Millisecond)
	require.NoError(t, db.SavePendingOperation(store.PendingOperation{
		ID:         "op-1",
		Kind:       "upload",
		EntityType: "WorkEntry",
		RecordID:   "w1",
		CreatedAt:  created,
	}))

	ops, err := db.ListPendingOperations()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)
	assert.Equal(t, "upload", ops[0].Kind)
	assert.Equal(t, "WorkEntry", ops[0].EntityType)
	assert.Equal(t, "w1", ops[0].RecordID)
	assert.WithinDuration(t, created, ops[0].CreatedAt, time.Millisecond)
}

func TestPendingOperationsPreserveEnqueueOrder(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, db.SavePendingOperation(store.PendingOperation{
			ID:         fmt.Sprintf("op-%d", i),
			Kind:       "upload",
			EntityType: "Task",
			CreatedAt:  time.Now(),
		}))
	}

	ops, err := db.ListPendingOperations()
	require.NoError(t, err)
	require.Len(t, ops, 4)
	for i, op := range ops {
		assert.Equal(t, fmt.Sprintf("op-%d", i), op.ID)
	}
}

func TestDeletePendingForEntity(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.SavePendingOperation(store.PendingOperation{
		ID: "a", Kind: "upload", EntityType: "Task", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.SavePendingOperation(store.PendingOperation{
		ID: "b", Kind: "upload", EntityType: "Project", CreatedAt: time.Now(),
	}))

	require.NoError(t, db.DeletePendingForEntity("Task"))

	ops, err := db.ListPendingOperations()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "b", ops[0].ID)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	_, found, err := db.GetSetting("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SetSetting("theme", "dark"))
	require.NoError(t, db.SetSetting("theme", "light"))

	value, found, err := db.GetSetting("theme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "light", value)
}

func TestLastSyncRoundTrip(t *testing.T) {
	db := newTestDB(t)

	ts, err := db.GetLastSync()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, db.SetLastSync(now))

	ts, err = db.GetLastSync()
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), ts.UnixMilli())

	require.NoError(t, db.ClearLastSync())
	ts, err = db.GetLastSync()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestHistoryTrimsToLimit(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		require.NoError(t, db.AppendHistory(store.HistoryEntry{
			ID:        fmt.Sprintf("h-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Success:   true,
			Duration:  time.Second,
		}, 5))
	}

	entries, err := db.ListHistory(100)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// Newest first, oldest trimmed away.
	assert.Equal(t, "h-9", entries[0].ID)
	assert.Equal(t, "h-5", entries[4].ID)
}

func TestHistoryStoresFailureDetail(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.AppendHistory(store.HistoryEntry{
		ID:        "h-1",
		Timestamp: time.Now(),
		Success:   false,
		Duration:  3 * time.Second,
		Error:     "server error 503: maintenance",
	}, 100))

	entries, err := db.ListHistory(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "server error 503: maintenance", entries[0].Error)
	assert.Equal(t, 3*time.Second, entries[0].Duration)
}

func TestRecordStoreDirtyFlow(t *testing.T) {
	db := newTestDB(t)
	records := store.NewRecordStore(db)
	ctx := context.Background()

	// Engine-written records are clean.
	require.NoError(t, records.Save(ctx, entity.Task, "t1", entity.Record{"id": "t1", "title": "inspect"}))
	// User-written records are dirty.
	require.NoError(t, records.SaveLocal(ctx, entity.Task, "t2", entity.Record{"id": "t2", "title": "repair"}))
	require.NoError(t, records.SaveLocal(ctx, entity.Task, "t3", entity.Record{"id": "t3", "title": "grease"}))

	dirty, err := records.Dirty(ctx, entity.Task)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	ids := []string{dirty[0]["id"].(string), dirty[1]["id"].(string)}
	assert.ElementsMatch(t, []string{"t2", "t3"}, ids)

	// Only the named records come clean; the rest stay dirty for the
	// next upload.
	require.NoError(t, records.MarkClean(ctx, entity.Task, []string{"t2"}))
	dirty, err = records.Dirty(ctx, entity.Task)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "t3", dirty[0]["id"])

	require.NoError(t, records.MarkClean(ctx, entity.Task, []string{"t3"}))
	dirty, err = records.Dirty(ctx, entity.Task)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestRecordStoreGetAndDelete(t *testing.T) {
	db := newTestDB(t)
	records := store.NewRecordStore(db)
	ctx := context.Background()

	_, found, err := records.Get(ctx, entity.Employee, "e1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, records.Save(ctx, entity.Employee, "e1", entity.Record{"id": "e1", "name": "Sofie"}))

	record, found, err := records.Get(ctx, entity.Employee, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Sofie", record["name"])

	require.NoError(t, records.Delete(ctx, entity.Employee, "e1"))
	_, found, err = records.Get(ctx, entity.Employee, "e1")
	require.NoError(t, err)
	assert.False(t, found)
}
