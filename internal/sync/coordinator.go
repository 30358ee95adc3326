package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/conflict"
	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/observability"
	"github.com/craneworks/fieldsync/internal/syncerrors"
)

// ChangeKind classifies one remote change reported by the server.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one remote-side mutation since a given timestamp. Record is
// nil for deletions.
type Change struct {
	Kind       ChangeKind
	EntityType entity.Type
	RecordID   string
	Record     entity.Record
}

// RemoteAPI is the server-side collaborator. Implementations perform
// the actual HTTP calls and translate failures into the syncerrors
// taxonomy so retry classification works.
type RemoteAPI interface {
	Download(ctx context.Context, entityType entity.Type) ([]entity.Record, error)
	Upload(ctx context.Context, entityType entity.Type, records []entity.Record) error
	Update(ctx context.Context, entityType entity.Type, record entity.Record) error
	Delete(ctx context.Context, entityType entity.Type, recordID string) error
	FetchRecord(ctx context.Context, entityType entity.Type, recordID string) (entity.Record, error)
	ChangesSince(ctx context.Context, since time.Time) ([]Change, error)
}

// LocalStore is the device-side collaborator holding entity records.
// Dirty returns records modified locally since the last successful
// sync, ready for upload.
type LocalStore interface {
	Get(ctx context.Context, entityType entity.Type, recordID string) (entity.Record, bool, error)
	Save(ctx context.Context, entityType entity.Type, recordID string, record entity.Record) error
	Delete(ctx context.Context, entityType entity.Type, recordID string) error
	Dirty(ctx context.Context, entityType entity.Type) ([]entity.Record, error)
	MarkClean(ctx context.Context, entityType entity.Type, recordIDs []string) error
}

// SettingsStore persists the last successful sync timestamp. Satisfied
// by *store.DB.
type SettingsStore interface {
	SetLastSync(ts time.Time) error
	GetLastSync() (time.Time, error)
	ClearLastSync() error
}

// ProgressFunc receives pass progress as a fraction in [0, 1] with a
// short human-readable description.
type ProgressFunc func(fraction float64, description string)

// Coordinator orchestrates sync passes across entity types: it builds
// operations, dispatches them through the queue, and reconciles
// downloaded records against the local store through the conflict
// resolver.
type Coordinator struct {
	api      RemoteAPI
	local    LocalStore
	queue    *Queue
	resolver *conflict.Resolver
	settings SettingsStore
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	mu       gosync.Mutex
	progress ProgressFunc
	autoStop chan struct{}
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(
	api RemoteAPI,
	local LocalStore,
	queue *Queue,
	resolver *conflict.Resolver,
	settings SettingsStore,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracerProvider trace.TracerProvider,
) *Coordinator {
	return &Coordinator{
		api:      api,
		local:    local,
		queue:    queue,
		resolver: resolver,
		settings: settings,
		logger:   logger.WithComponent("coordinator"),
		metrics:  metrics,
		tracer:   tracerProvider.Tracer("fieldsync/sync"),
	}
}

// SetProgressFunc installs the progress callback. Pass nil to remove.
func (c *Coordinator) SetProgressFunc(fn ProgressFunc) {
	c.mu.Lock()
	c.progress = fn
	c.mu.Unlock()
}

func (c *Coordinator) reportProgress(fraction float64, description string) {
	c.mu.Lock()
	fn := c.progress
	c.mu.Unlock()
	if fn != nil {
		fn(fraction, description)
	}
}

// PerformFullSync downloads then uploads every entity type in the fixed
// cross-entity order. Within one type the upload waits for the download
// to finish; a failing type is recorded and the remaining types still
// run. Completed types stay synced (no rollback).
func (c *Coordinator) PerformFullSync(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "sync.full")
	defer span.End()

	started := time.Now()
	order := entity.SyncOrder()
	total := len(order)

	c.logger.Info("starting full sync", zap.Int("entity_types", total))

	var errs []error
	for i, entityType := range order {
		c.reportProgress(float64(i)/float64(total),
			fmt.Sprintf("Syncing %s (%d/%d)", entityType.DisplayName(), i+1, total))

		if err := c.syncEntityPair(ctx, entityType); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entityType, err))
			span.SetAttributes(attribute.String("failed_entity_type", string(entityType)))
			c.logger.Error("entity sync failed, continuing with remaining types",
				zap.String("entity_type", string(entityType)), zap.Error(err))

			// Lost authentication fails every remaining call the same way.
			if errors.Is(err, syncerrors.ErrAuthenticationRequired) {
				break
			}
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "full sync had failures")
		return fmt.Errorf("full sync: %w", err)
	}

	if err := c.settings.SetLastSync(time.Now()); err != nil {
		c.logger.Error("failed to record last sync timestamp", zap.Error(err))
	}

	c.reportProgress(1.0, "Sync complete")
	c.metrics.SyncPassesTotal.Add(ctx, 1)
	c.metrics.SyncPassDuration.Record(ctx, time.Since(started).Seconds())
	c.logger.Info("full sync completed", zap.Duration("duration", time.Since(started)))
	return nil
}

// syncEntityPair runs the download/upload pair for one entity type,
// upload strictly after download so the upload cannot race a
// conflicting download result.
func (c *Coordinator) syncEntityPair(ctx context.Context, entityType entity.Type) error {
	download := NewOperation(KindDownload, entityType, "", func(ctx context.Context) error {
		return c.downloadEntity(ctx, entityType)
	})
	c.queue.Add(download)
	if err := download.Wait(ctx); err != nil {
		return err
	}

	upload := NewOperation(KindUpload, entityType, "", func(ctx context.Context) error {
		return c.uploadEntity(ctx, entityType)
	})
	c.queue.Add(upload)
	return upload.Wait(ctx)
}

// downloadEntity pulls every server record of one type and reconciles
// each into the local store.
func (c *Coordinator) downloadEntity(ctx context.Context, entityType entity.Type) error {
	records, err := c.api.Download(ctx, entityType)
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := c.reconcileRecord(ctx, entityType, record); err != nil {
			return err
		}
	}
	return nil
}

// uploadEntity pushes locally modified records of one type. Only the
// records actually uploaded are marked clean, so an edit made while the
// upload is in flight stays dirty for the next pass.
func (c *Coordinator) uploadEntity(ctx context.Context, entityType entity.Type) error {
	dirty, err := c.local.Dirty(ctx, entityType)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := c.api.Upload(ctx, entityType, dirty); err != nil {
		return err
	}

	ids := make([]string, 0, len(dirty))
	for _, record := range dirty {
		if id := recordID(record); id != "" {
			ids = append(ids, id)
		}
	}
	return c.local.MarkClean(ctx, entityType, ids)
}

// reconcileRecord merges one server record into the local store. When
// the local copy diverges the conflict resolver decides; resolutions
// that keep local values are pushed back to the server.
func (c *Coordinator) reconcileRecord(ctx context.Context, entityType entity.Type, server entity.Record) error {
	id := recordID(server)
	if id == "" {
		return &syncerrors.InvalidDataError{Detail: fmt.Sprintf("%s record without id", entityType)}
	}

	local, found, err := c.local.Get(ctx, entityType, id)
	if err != nil {
		return err
	}
	if !found {
		return c.local.Save(ctx, entityType, id, server)
	}

	conf := c.resolver.Detect(entityType, id, local, server,
		recordTimestamp(local), recordTimestamp(server))
	if conf == nil {
		return c.local.Save(ctx, entityType, id, server)
	}

	c.metrics.ConflictsDetected.Add(ctx, 1)
	result := c.resolver.Resolve(conf)
	c.metrics.ConflictsResolved.Add(ctx, 1)

	if err := c.local.Save(ctx, entityType, id, result.Resolved); err != nil {
		return err
	}

	// A resolution that kept any local value leaves the server stale.
	if result.Strategy == conflict.ClientWins || len(result.MergedFields) > 0 ||
		(result.Strategy == conflict.LatestWins && recordTimestamp(local).After(recordTimestamp(server))) {
		if err := c.api.Update(ctx, entityType, result.Resolved); err != nil {
			return err
		}
	}
	return nil
}

// PerformIncrementalSync processes remote changes since the given
// timestamp. Each change runs as its own operation; a failing record is
// skipped and reported without aborting the rest of the pass.
func (c *Coordinator) PerformIncrementalSync(ctx context.Context, since time.Time) error {
	ctx, span := c.tracer.Start(ctx, "sync.incremental")
	defer span.End()

	started := time.Now()

	changes, err := c.api.ChangesSince(ctx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to fetch changes: %w", err)
	}

	if len(changes) == 0 {
		c.reportProgress(1.0, "No changes")
		c.logger.Info("incremental sync found no changes", zap.Time("since", since))
		return nil
	}

	span.SetAttributes(attribute.Int("changes", len(changes)))
	c.logger.Info("starting incremental sync",
		zap.Time("since", since), zap.Int("changes", len(changes)))

	ops := make([]*Operation, 0, len(changes))
	for _, change := range changes {
		op := c.buildChangeOperation(change)
		if op == nil {
			c.logger.Warn("skipping change with unknown kind",
				zap.String("kind", string(change.Kind)),
				zap.String("record_id", change.RecordID))
			continue
		}
		ops = append(ops, op)
		c.queue.Add(op)
	}

	var errs []error
	for i, op := range ops {
		c.reportProgress(float64(i)/float64(len(ops)),
			fmt.Sprintf("Applying %s %s (%d/%d)", op.Kind, op.Entity.DisplayName(), i+1, len(ops)))
		if err := op.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s %s/%s: %w", op.Kind, op.Entity, op.RecordID, err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "incremental sync had failures")
		return err
	}

	if err := c.settings.SetLastSync(time.Now()); err != nil {
		c.logger.Error("failed to record last sync timestamp", zap.Error(err))
	}

	c.reportProgress(1.0, "Sync complete")
	c.metrics.SyncPassesTotal.Add(ctx, 1)
	c.metrics.SyncPassDuration.Record(ctx, time.Since(started).Seconds())
	return nil
}

// buildChangeOperation maps a remote change onto an operation. The kind
// follows the change kind so queue priorities apply (deletions first).
func (c *Coordinator) buildChangeOperation(change Change) *Operation {
	switch change.Kind {
	case ChangeCreated:
		record := change.Record
		return NewOperation(KindUpload, change.EntityType, change.RecordID, func(ctx context.Context) error {
			return c.reconcileRecord(ctx, change.EntityType, record)
		})
	case ChangeUpdated:
		record := change.Record
		return NewOperation(KindUpdate, change.EntityType, change.RecordID, func(ctx context.Context) error {
			return c.reconcileRecord(ctx, change.EntityType, record)
		})
	case ChangeDeleted:
		return NewOperation(KindDelete, change.EntityType, change.RecordID, func(ctx context.Context) error {
			return c.local.Delete(ctx, change.EntityType, change.RecordID)
		})
	}
	return nil
}

// BuildOperation constructs a runnable operation for a kind and target,
// used to rebuild persisted pending work after a restart. Actions run
// directly against the collaborators so a restored operation never
// nests queue dispatches inside a worker slot.
func (c *Coordinator) BuildOperation(kind Kind, entityType entity.Type, recordID string) *Operation {
	switch kind {
	case KindDownload:
		if recordID != "" {
			return NewOperation(kind, entityType, recordID, func(ctx context.Context) error {
				record, err := c.api.FetchRecord(ctx, entityType, recordID)
				if err != nil {
					return err
				}
				return c.reconcileRecord(ctx, entityType, record)
			})
		}
		return NewOperation(kind, entityType, "", func(ctx context.Context) error {
			return c.downloadEntity(ctx, entityType)
		})
	case KindUpload:
		return NewOperation(kind, entityType, recordID, func(ctx context.Context) error {
			return c.uploadEntity(ctx, entityType)
		})
	case KindUpdate:
		return NewOperation(kind, entityType, recordID, func(ctx context.Context) error {
			record, found, err := c.local.Get(ctx, entityType, recordID)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			return c.api.Update(ctx, entityType, record)
		})
	case KindDelete:
		return NewOperation(kind, entityType, recordID, func(ctx context.Context) error {
			if err := c.api.Delete(ctx, entityType, recordID); err != nil {
				return err
			}
			return c.local.Delete(ctx, entityType, recordID)
		})
	case KindFullSync:
		return NewOperation(kind, entityType, "", func(ctx context.Context) error {
			for _, t := range entity.SyncOrder() {
				if err := c.downloadEntity(ctx, t); err != nil {
					return err
				}
				if err := c.uploadEntity(ctx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return nil
}

// SyncEntity synchronously runs the download/upload pair for one entity
// type.
func (c *Coordinator) SyncEntity(ctx context.Context, entityType entity.Type) error {
	ctx, span := c.tracer.Start(ctx, "sync.entity",
		trace.WithAttributes(attribute.String("entity_type", string(entityType))))
	defer span.End()

	if err := c.syncEntityPair(ctx, entityType); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// SyncRecord synchronously fetches and reconciles a single record.
func (c *Coordinator) SyncRecord(ctx context.Context, entityType entity.Type, recordID string) error {
	op := NewOperation(KindDownload, entityType, recordID, func(ctx context.Context) error {
		record, err := c.api.FetchRecord(ctx, entityType, recordID)
		if err != nil {
			return err
		}
		return c.reconcileRecord(ctx, entityType, record)
	})
	c.queue.Add(op)
	return op.Wait(ctx)
}

// StartAutoSync fires trigger at the given interval until StopAutoSync.
// Starting twice restarts the timer.
func (c *Coordinator) StartAutoSync(interval time.Duration, trigger func()) {
	c.mu.Lock()
	if c.autoStop != nil {
		close(c.autoStop)
	}
	stop := make(chan struct{})
	c.autoStop = stop
	c.mu.Unlock()

	c.logger.Info("auto-sync enabled", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				trigger()
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoSync halts the auto-sync timer. Safe to call when not
// running.
func (c *Coordinator) StopAutoSync() {
	c.mu.Lock()
	if c.autoStop != nil {
		close(c.autoStop)
		c.autoStop = nil
	}
	c.mu.Unlock()
}

// HandleAuthFailure reacts to an authentication failure: auto-sync
// stops, outstanding operations are cancelled, and the last-sync
// timestamp is cleared so the next pass is a full one.
func (c *Coordinator) HandleAuthFailure() {
	c.logger.Warn("authentication failure, cancelling outstanding sync work")
	c.StopAutoSync()
	c.queue.CancelAll()
	if err := c.settings.ClearLastSync(); err != nil {
		c.logger.Error("failed to clear last sync timestamp", zap.Error(err))
	}
}

// CancelAll drops every queued and active operation.
func (c *Coordinator) CancelAll() {
	c.queue.CancelAll()
}

// recordID extracts the record identifier, accepting the common key
// spellings used by the backend.
func recordID(record entity.Record) string {
	for _, key := range []string{"id", "employee_id", "project_id", "task_id"} {
		if v, ok := record[key]; ok {
			switch id := v.(type) {
			case string:
				return id
			case int:
				return fmt.Sprintf("%d", id)
			case int64:
				return fmt.Sprintf("%d", id)
			case float64:
				return fmt.Sprintf("%.0f", id)
			}
		}
	}
	return ""
}

// recordTimestamp extracts the record's modification time, zero when
// absent.
func recordTimestamp(record entity.Record) time.Time {
	for _, key := range []string{"updatedAt", "updated_at", "modifiedAt"} {
		v, ok := record[key]
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case time.Time:
			return ts
		case string:
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				return parsed
			}
		case float64:
			return time.UnixMilli(int64(ts * 1000))
		case int64:
			return time.Unix(ts, 0)
		}
	}
	return time.Time{}
}
