package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craneworks/fieldsync/internal/conflict"
	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/observability"
)

func newResolver(t *testing.T, defaultStrategy conflict.Strategy) *conflict.Resolver {
	t.Helper()
	return conflict.NewResolver(defaultStrategy, observability.NewNopLogger())
}

func TestDetectReturnsExactFieldSet(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	local := entity.Record{
		"id":     "42",
		"name":   "Crane West",
		"status": "active",
		"hours":  7.5,
	}
	server := entity.Record{
		"id":     "42",
		"name":   "Crane West",
		"status": "archived",
		"hours":  8.0,
	}

	conf := r.Detect(entity.Project, "42", local, server, time.Now(), time.Now())
	require.NotNil(t, conf)
	assert.Equal(t, map[string]struct{}{
		"status": {},
		"hours":  {},
	}, conf.Fields)
}

func TestDetectNoConflictWhenEqual(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	record := entity.Record{"id": "1", "name": "Anna"}
	conf := r.Detect(entity.Employee, "1", record, record.Clone(), time.Now(), time.Now())
	assert.Nil(t, conf)
}

func TestDetectIgnoresMetadataFields(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	local := entity.Record{
		"id":            "1",
		"syncVersion":   3,
		"syncTimestamp": "2026-01-01T00:00:00Z",
		"lastSyncedAt":  "2026-01-01T00:00:00Z",
		"syncId":        "a",
		"_etag":         "x",
		"_version":      1,
	}
	server := entity.Record{
		"id":            "1",
		"syncVersion":   9,
		"syncTimestamp": "2026-02-02T00:00:00Z",
		"lastSyncedAt":  "2026-02-02T00:00:00Z",
		"syncId":        "b",
		"_etag":         "y",
		"_version":      2,
	}

	assert.Nil(t, r.Detect(entity.Task, "1", local, server, time.Now(), time.Now()))
}

func TestDetectPresenceMismatch(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	local := entity.Record{"id": "1", "notes": "on site"}
	server := entity.Record{"id": "1"}

	conf := r.Detect(entity.WorkEntry, "1", local, server, time.Now(), time.Now())
	require.NotNil(t, conf)
	assert.Equal(t, map[string]struct{}{"notes": {}}, conf.Fields)
}

func TestDetectCrossFamilyNumericEquality(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	local := entity.Record{"id": "1", "hours": 8}
	server := entity.Record{"id": "1", "hours": 8.0}

	assert.Nil(t, r.Detect(entity.WorkEntry, "1", local, server, time.Now(), time.Now()))
}

func makeConflict(localTS, serverTS time.Time) *conflict.Conflict {
	local := entity.Record{"id": "1", "status": "pending", "notes": "local note"}
	server := entity.Record{"id": "1", "status": "approved", "notes": "server note"}
	return &conflict.Conflict{
		EntityType:      entity.LeaveRequest,
		EntityID:        "1",
		Local:           local,
		Server:          server,
		LocalTimestamp:  localTS,
		ServerTimestamp: serverTS,
		Fields:          map[string]struct{}{"status": {}, "notes": {}},
	}
}

func TestResolveClientWins(t *testing.T) {
	r := newResolver(t, conflict.ClientWins)

	conf := makeConflict(time.Now(), time.Now())
	result := r.Resolve(conf)

	assert.Equal(t, conflict.ClientWins, result.Strategy)
	assert.Equal(t, conf.Local, result.Resolved)
	assert.Equal(t, entity.Record{"status": "approved", "notes": "server note"}, result.Discarded)
}

func TestResolveServerWins(t *testing.T) {
	r := newResolver(t, conflict.ServerWins)

	conf := makeConflict(time.Now(), time.Now())
	result := r.Resolve(conf)

	assert.Equal(t, conflict.ServerWins, result.Strategy)
	assert.Equal(t, conf.Server, result.Resolved)
	assert.Equal(t, entity.Record{"status": "pending", "notes": "local note"}, result.Discarded)
}

func TestResolveLatestWinsLocalNewer(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	now := time.Now()
	conf := makeConflict(now, now.Add(-time.Hour))
	result := r.Resolve(conf)

	assert.Equal(t, conf.Local, result.Resolved)
}

func TestResolveLatestWinsServerNewer(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	now := time.Now()
	conf := makeConflict(now.Add(-time.Hour), now)
	result := r.Resolve(conf)

	assert.Equal(t, conf.Server, result.Resolved)
}

func TestResolveLatestWinsTieFavorsServer(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)

	now := time.Now()
	conf := makeConflict(now, now)
	result := r.Resolve(conf)

	assert.Equal(t, conf.Server, result.Resolved)
}

func TestMergePreservesCleanFields(t *testing.T) {
	r := newResolver(t, conflict.Merge)

	now := time.Now()
	conf := &conflict.Conflict{
		EntityType: entity.Employee,
		EntityID:   "7",
		Local: entity.Record{
			"id":        "7",
			"name":      "Bo",
			"phone":     "+45 12 34 56 78", // local only
			"status":    "active",
		},
		Server: entity.Record{
			"id":        "7",
			"name":      "Bo",
			"email":     "bo@example.com", // server only
			"status":    "inactive",
		},
		LocalTimestamp:  now,
		ServerTimestamp: now.Add(-time.Hour),
		Fields:          map[string]struct{}{"status": {}},
	}

	result := r.Resolve(conf)

	assert.Equal(t, conflict.Merge, result.Strategy)
	// Local-only and server-only fields both survive.
	assert.Equal(t, "+45 12 34 56 78", result.Resolved["phone"])
	assert.Equal(t, "bo@example.com", result.Resolved["email"])
	// Conflicting field with no field override falls back to latest-wins;
	// local is newer here.
	assert.Equal(t, "active", result.Resolved["status"])
	assert.Contains(t, result.MergedFields, "status")
	assert.Equal(t, "inactive", result.Discarded["status"])
}

func TestMergeHonorsFieldStrategies(t *testing.T) {
	r := newResolver(t, conflict.Merge)
	r.SetEntityStrategy(entity.Employee, conflict.Merge)
	r.SetFieldStrategy("status", conflict.ServerWins)
	r.SetFieldStrategy("notes", conflict.ClientWins)

	now := time.Now()
	conf := &conflict.Conflict{
		EntityType:      entity.Employee,
		EntityID:        "7",
		Local:           entity.Record{"id": "7", "status": "active", "notes": "local"},
		Server:          entity.Record{"id": "7", "status": "inactive", "notes": "server"},
		LocalTimestamp:  now,
		ServerTimestamp: now.Add(-time.Hour),
	}
	conf.Fields = map[string]struct{}{"status": {}, "notes": {}}

	result := r.Resolve(conf)

	assert.Equal(t, "inactive", result.Resolved["status"])
	assert.Equal(t, "local", result.Resolved["notes"])
}

type captureSink struct {
	conflicts []*conflict.Conflict
}

func (s *captureSink) Submit(c *conflict.Conflict) {
	s.conflicts = append(s.conflicts, c)
}

func TestManualDefersToServerAndPublishes(t *testing.T) {
	r := newResolver(t, conflict.Manual)
	sink := &captureSink{}
	r.SetManualSink(sink)

	conf := makeConflict(time.Now(), time.Now())
	result := r.Resolve(conf)

	assert.Equal(t, conflict.Manual, result.Strategy)
	assert.Equal(t, conf.Server, result.Resolved)
	require.Len(t, sink.conflicts, 1)
	assert.Same(t, conf, sink.conflicts[0])
}

func TestEntityOverrideBeatsFieldOverride(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)
	r.SetEntityStrategy(entity.LeaveRequest, conflict.ClientWins)
	r.SetFieldStrategy("status", conflict.ServerWins)

	conf := makeConflict(time.Now().Add(-time.Hour), time.Now())
	result := r.Resolve(conf)

	assert.Equal(t, conflict.ClientWins, result.Strategy)
	assert.Equal(t, conf.Local, result.Resolved)
}

func TestFieldOverrideLookupIsDeterministic(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)
	// Two overrides match; sorted order means "notes" is consulted first.
	r.SetFieldStrategy("notes", conflict.ClientWins)
	r.SetFieldStrategy("status", conflict.ServerWins)

	for i := 0; i < 50; i++ { _ = i
		conf := makeConflict(time.Now().Add(-time.Hour), time.Now())
		result := r.Resolve(conf)
		assert.Equal(t, conflict.ClientWins, result.Strategy)
	}
}

func TestConfigureDefaultRules(t *testing.T) {
	r := newResolver(t, conflict.LatestWins)
	r.ConfigureDefaultRules()

	now := time.Now()
	conf := &conflict.Conflict{
		EntityType:      entity.WorkEntry,
		EntityID:        "1",
		Local:           entity.Record{"id": "1", "hours": 8.0},
		Server:          entity.Record{"id": "1", "hours": 7.0},
		LocalTimestamp:  now.Add(-time.Hour),
		ServerTimestamp: now,
		Fields:          map[string]struct{}{"hours": {}},
	}

	// Recorded time stays local even when the server copy is newer.
	result := r.Resolve(conf)
	assert.Equal(t, conflict.ClientWins, result.Strategy)
	assert.Equal(t, 8.0, result.Resolved["hours"])
}

func TestParseStrategy(t *testing.T) {
	s, err := conflict.ParseStrategy("merge")
	require.NoError(t, err)
	assert.Equal(t, conflict.Merge, s)

	_, err = conflict.ParseStrategy("coin_flip")
	assert.Error(t, err)
}
