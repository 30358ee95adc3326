package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/syncerrors"
)

// Kind identifies the direction of a sync operation.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindFullSync Kind = "fullSync"
)

// Priority orders execution within the bounded-concurrency queue.
// Deletes run first so tombstones propagate before new writes.
func (k Kind) Priority() int {
	switch k {
	case KindDelete:
		return 4
	case KindUpdate:
		return 3
	case KindUpload:
		return 2
	case KindDownload:
		return 1
	default:
		return 0
	}
}

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUpload, KindDownload, KindUpdate, KindDelete, KindFullSync:
		return true
	}
	return false
}

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the operation has finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Action performs the operation's actual work against the remote API
// or local store. It returns nil on success.
type Action func(ctx context.Context) error

// defaultMaxRetries bounds the syncing -> retrying self-loop.
const defaultMaxRetries = 3

// Operation is one retryable unit of sync work for one entity type in
// one direction. Owned by the queue that dispatched it; discarded after
// its done channel closes.
type Operation struct {
	ID         string
	Kind       Kind
	Entity     entity.Type
	RecordID   string
	CreatedAt  time.Time
	MaxRetries int

	action Action

	mu         gosync.Mutex
	status     Status
	retryCount int
	lastErr    error
	progress   float64
	cancelled  bool
	done       chan struct{}
}

// NewOperation creates a pending operation around an action.
func NewOperation(kind Kind, entityType entity.Type, recordID string, action Action) *Operation {
	return &Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Entity:     entityType,
		RecordID:   recordID,
		CreatedAt:  time.Now(),
		MaxRetries: defaultMaxRetries,
		action:     action,
		status:     StatusPending,
		done:       make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// RetryCount returns the number of retry attempts so far.
func (o *Operation) RetryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryCount
}

// LastError returns the most recent failure, nil if none.
func (o *Operation) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Progress returns the completion fraction in [0, 1].
func (o *Operation) Progress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// SetProgress clamps and records the completion fraction. Actions call
// this as they advance.
func (o *Operation) SetProgress(value float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = min(max(value, 0.0), 1.0)
}

// Cancel requests cooperative cancellation. An attempt already inside
// its action completes that call before the flag is observed.
func (o *Operation) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}

// Done returns a channel closed when the operation reaches a terminal
// state.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation finishes or ctx is cancelled, then
// returns the final error (nil on success).
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.finalError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) finalError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusCompleted {
		return nil
	}
	if o.lastErr != nil {
		return o.lastErr
	}
	return syncerrors.ErrCancelled
}

// Attempt executes one attempt of the operation's action. When the
// failure is retryable and retries remain it transitions to retrying
// and returns (backoff, true); the caller schedules the next attempt
// after backoff without holding a worker slot. Any other outcome is
// terminal and returns (0, false).
func (o *Operation) Attempt(ctx context.Context) (backoff time.Duration, retry bool) {
	o.mu.Lock()
	if o.cancelled || o.status.IsTerminal() {
		terminal := o.status.IsTerminal()
		if !terminal {
			o.status = StatusCancelled
			o.lastErr = syncerrors.ErrCancelled
		}
		o.mu.Unlock()
		if !terminal {
			close(o.done)
		}
		return 0, false
	}
	o.status = StatusSyncing
	o.mu.Unlock()

	err := o.action(ctx)

	o.mu.Lock()
	if err == nil {
		if o.cancelled {
			o.status = StatusCancelled
			o.lastErr = syncerrors.ErrCancelled
		} else {
			o.status = StatusCompleted
			o.lastErr = nil
			o.progress = 1.0
		}
		o.mu.Unlock()
		close(o.done)
		return 0, false
	}

	o.lastErr = err

	if o.cancelled || ctx.Err() != nil {
		o.status = StatusCancelled
		o.mu.Unlock()
		close(o.done)
		return 0, false
	}

	if !syncerrors.Retryable(err) || o.retryCount >= o.MaxRetries {
		o.status = StatusFailed
		o.mu.Unlock()
		close(o.done)
		return 0, false
	}

	o.retryCount++
	o.status = StatusRetrying
	backoff = time.Duration(1<<o.retryCount) * time.Second
	o.mu.Unlock()
	return backoff, true
}

// Run drives the operation to completion, sleeping through backoff on a
// timer select so cancellation stays responsive. Used when an operation
// executes outside a queue.
func (o *Operation) Run(ctx context.Context) {
	for {
		backoff, retry := o.Attempt(ctx)
		if !retry {
			return
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			o.Cancel()
		}
	}
}
