package entity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/craneworks/fieldsync/internal/entity"
)

func TestSyncOrderIsFixed(t *testing.T) {
	assert.Equal(t, []entity.Type{
		entity.Employee,
		entity.Project,
		entity.Task,
		entity.WorkEntry,
		entity.LeaveRequest,
		entity.Notification,
	}, entity.SyncOrder())
}

func TestTypeValid(t *testing.T) {
	for _, entityType := range entity.SyncOrder() {
		assert.True(t, entityType.Valid())
	}
	assert.False(t, entity.Type("Invoice").Valid())
}

func TestDisplayNames(t *testing.T) {
	assert.Equal(t, "Work Entries", entity.WorkEntry.DisplayName())
	assert.Equal(t, "Leave Requests", entity.LeaveRequest.DisplayName())
}

func TestRecordCloneIsIndependent(t *testing.T) {
	original := entity.Record{"id": "1", "name": "A"}
	clone := original.Clone()
	clone["name"] = "B"

	assert.Equal(t, "A", original["name"])
	assert.Equal(t, "B", clone["name"])
}
