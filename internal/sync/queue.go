package sync

import (
	"container/heap"
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/netmon"
	"github.com/craneworks/fieldsync/internal/observability"
	"github.com/craneworks/fieldsync/internal/store"
)

// PendingStore persists offline-queued operations so they survive a
// process restart. Satisfied by *store.DB.
type PendingStore interface {
	SavePendingOperation(op store.PendingOperation) error
	DeletePendingOperation(operationID string) error
	DeletePendingForEntity(entityType string) error
	ClearPendingOperations() error
	ListPendingOperations() ([]store.PendingOperation, error)
}

// OperationBuilder rebuilds a runnable operation from its persisted
// record. It returns false when the record can no longer be honored
// (for example an unknown kind after a downgrade).
type OperationBuilder func(p store.PendingOperation) (*Operation, bool)

// Statistics is a snapshot of queue counters.
type Statistics struct {
	TotalOperations   int
	ActiveOperations  int
	PendingOperations int

	UploadCount   int
	DownloadCount int
	UpdateCount   int
	DeleteCount   int

	CompletedOperations int
	FailedOperations    int
}

// SuccessRate returns completed / (completed + failed), 0 when no
// operation has finished.
func (s Statistics) SuccessRate() float64 {
	total := s.CompletedOperations + s.FailedOperations
	if total == 0 {
		return 0
	}
	return float64(s.CompletedOperations) / float64(total)
}

// waitingItem orders queued operations by kind priority, FIFO within a
// priority class. boost lifts one entity type ahead of its class.
type waitingItem struct {
	op    *Operation
	seq   uint64
	boost int
}

type waitingHeap []*waitingItem

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	pi := h[i].op.Kind.Priority() + h[i].boost
	pj := h[j].op.Kind.Priority() + h[j].boost
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x any) { *h = append(*h, x.(*waitingItem)) }

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue executes sync operations with bounded concurrency and buffers
// them durably while the network is unavailable.
type Queue struct {
	monitor *netmon.Monitor
	pending PendingStore
	logger  *observability.Logger
	metrics *observability.Metrics

	maxConcurrent int

	mu        gosync.Mutex
	paused    bool
	closed    bool
	seq       uint64
	slots     int
	waiting   waitingHeap
	active    map[string]*Operation
	deferred  []*Operation // buffered while offline
	boosts    map[entity.Type]int
	completed int
	failed    int

	ctx       context.Context
	cancelCtx context.CancelFunc
	netCancel func()
}

// NewQueue creates a queue dispatching at most maxConcurrent operations
// at a time. The queue drains its offline buffer whenever the monitor
// reports a transition to connected.
func NewQueue(monitor *netmon.Monitor, pending PendingStore, maxConcurrent int, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		monitor:       monitor,
		pending:       pending,
		logger:        logger.WithComponent("queue"),
		metrics:       metrics,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]*Operation),
		boosts:        make(map[entity.Type]int),
		ctx:           ctx,
		cancelCtx:     cancel,
	}

	statusCh, netCancel := monitor.Subscribe()
	q.netCancel = netCancel
	go q.watchConnectivity(statusCh)

	return q
}

// Close stops the queue. In-flight operations keep running; nothing new
// is dispatched.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.netCancel()
	q.cancelCtx()
}

// Add submits an operation. When the network admits sync traffic the
// operation enters the bounded-concurrency executor ordered by kind
// priority; otherwise it lands in the durable offline buffer.
func (q *Queue) Add(op *Operation) {
	if q.monitor.ShouldAllowSync() {
		q.enqueue(op)
		return
	}

	// Persist and buffer under one critical section: a reconnect drain
	// that wins the race would otherwise dispatch the operation and
	// clear its row before the row exists, leaving an orphan for the
	// next restart.
	q.mu.Lock()
	if err := q.pending.SavePendingOperation(store.PendingOperation{
		ID:         op.ID,
		Kind:       string(op.Kind),
		EntityType: string(op.Entity),
		RecordID:   op.RecordID,
		CreatedAt:  op.CreatedAt,
	}); err != nil {
		q.logger.Error("failed to persist pending operation",
			zap.String("operation_id", op.ID), zap.Error(err))
	}
	q.deferred = append(q.deferred, op)
	q.mu.Unlock()

	q.metrics.PendingOperations.Add(q.ctx, 1)
	q.logger.Info("operation buffered offline",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("entity_type", string(op.Entity)))
}

// AddAll submits several operations in order.
func (q *Queue) AddAll(ops []*Operation) {
	for _, op := range ops {
		q.Add(op)
	}
}

func (q *Queue) enqueue(op *Operation) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		op.Cancel()
		// Drive the cancellation to a terminal state so waiters wake up.
		go op.Run(context.Background())
		return
	}
	q.seq++
	heap.Push(&q.waiting, &waitingItem{op: op, seq: q.seq, boost: q.boosts[op.Entity]})
	q.mu.Unlock()

	q.pump()
}

// pump starts waiting operations while worker slots are free.
func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if q.paused || q.closed || q.slots >= q.maxConcurrent || q.waiting.Len() == 0 {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.waiting).(*waitingItem)
		q.slots++
		q.active[item.op.ID] = item.op
		q.mu.Unlock()

		q.metrics.ActiveOperations.Add(q.ctx, 1)
		go q.runAttempt(item.op)
	}
}

// runAttempt executes one attempt. A retrying operation releases its
// worker slot during backoff and re-enters the queue on a timer, so a
// backed-off operation never starves other queued work.
func (q *Queue) runAttempt(op *Operation) {
	started := time.Now()
	backoff, retry := op.Attempt(q.ctx)

	q.mu.Lock()
	q.slots--
	delete(q.active, op.ID)
	q.mu.Unlock()
	q.metrics.ActiveOperations.Add(q.ctx, -1)

	if retry {
		q.metrics.OperationRetries.Add(q.ctx, 1)
		q.logger.Warn("operation retrying",
			zap.String("operation_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("entity_type", string(op.Entity)),
			zap.Int("retry", op.RetryCount()),
			zap.Duration("backoff", backoff),
			zap.Error(op.LastError()))

		time.AfterFunc(backoff, func() { q.enqueue(op) })
		q.pump()
		return
	}

	q.metrics.OperationsTotal.Add(q.ctx, 1)
	q.metrics.OperationDuration.Record(q.ctx, time.Since(started).Seconds())

	switch op.Status() {
	case StatusCompleted:
		q.mu.Lock()
		q.completed++
		q.mu.Unlock()
		q.logger.Info("operation completed",
			zap.String("operation_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("entity_type", string(op.Entity)))
	case StatusFailed:
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		q.metrics.OperationFailures.Add(q.ctx, 1)
		q.logger.Error("operation failed",
			zap.String("operation_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("entity_type", string(op.Entity)),
			zap.Error(op.LastError()))
	default:
		q.logger.Info("operation cancelled",
			zap.String("operation_id", op.ID),
			zap.String("kind", string(op.Kind)))
	}

	q.pump()
}

// watchConnectivity drains the offline buffer whenever connectivity
// returns.
func (q *Queue) watchConnectivity(statusCh <-chan netmon.Status) {
	for {
		select {
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			if status.Connected {
				q.drainDeferred()
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// drainDeferred atomically takes the offline buffer and dispatches each
// entry in FIFO order within its priority class. The persisted record
// is cleared after dispatch acknowledgment, not completion: once an
// operation is in the executor its own retry loop owns recovery.
func (q *Queue) drainDeferred() {
	if !q.monitor.ShouldAllowSync() {
		return
	}

	q.mu.Lock()
	ops := q.deferred
	q.deferred = nil
	q.mu.Unlock()

	if len(ops) == 0 {
		return
	}

	q.logger.Info("draining offline buffer", zap.Int("operations", len(ops)))

	for _, op := range ops {
		q.enqueue(op)
		if err := q.pending.DeletePendingOperation(op.ID); err != nil {
			q.logger.Error("failed to clear persisted pending operation",
				zap.String("operation_id", op.ID), zap.Error(err))
		}
		q.metrics.PendingOperations.Add(q.ctx, -1)
	}
}

// RestorePending rebuilds the offline buffer from persisted records,
// called once on startup. Records the builder cannot honor are dropped
// from persistence.
func (q *Queue) RestorePending(build OperationBuilder) error {
	records, err := q.pending.ListPendingOperations()
	if err != nil {
		return err
	}

	restored := 0
	for _, record := range records {
		op, ok := build(record)
		if !ok {
			q.logger.Warn("dropping unreconstructable pending operation",
				zap.String("operation_id", record.ID),
				zap.String("kind", record.Kind))
			if err := q.pending.DeletePendingOperation(record.ID); err != nil {
				q.logger.Error("failed to drop pending operation", zap.Error(err))
			}
			continue
		}
		// Keep the persisted identity so dispatch clears the original
		// row instead of a freshly minted id.
		op.ID = record.ID

		q.mu.Lock()
		q.deferred = append(q.deferred, op)
		q.mu.Unlock()
		q.metrics.PendingOperations.Add(q.ctx, 1)
		restored++
	}

	if restored > 0 {
		q.logger.Info("restored pending operations", zap.Int("count", restored))
		if q.monitor.ShouldAllowSync() {
			q.drainDeferred()
		}
	}

	return nil
}

// CancelAll cancels every active operation and clears the offline
// buffer, including its persisted records.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	for _, op := range q.active {
		op.Cancel()
	}
	for _, item := range q.waiting {
		item.op.Cancel()
	}
	q.waiting = nil
	dropped := len(q.deferred)
	q.deferred = nil
	q.mu.Unlock()

	if err := q.pending.ClearPendingOperations(); err != nil {
		q.logger.Error("failed to clear pending operations", zap.Error(err))
	}
	if dropped > 0 {
		q.metrics.PendingOperations.Add(q.ctx, int64(-dropped))
	}

	q.logger.Info("cancelled all operations")
}

// CancelEntity cancels active operations for one entity type and drops
// its buffered entries.
func (q *Queue) CancelEntity(entityType entity.Type) {
	q.mu.Lock()
	for _, op := range q.active {
		if op.Entity == entityType {
			op.Cancel()
		}
	}

	kept := q.waiting[:0]
	for _, item := range q.waiting {
		if item.op.Entity == entityType {
			item.op.Cancel()
		} else {
			kept = append(kept, item)
		}
	}
	q.waiting = kept
	heap.Init(&q.waiting)

	keptDeferred := q.deferred[:0]
	dropped := 0
	for _, op := range q.deferred {
		if op.Entity == entityType {
			dropped++
		} else {
			keptDeferred = append(keptDeferred, op)
		}
	}
	q.deferred = keptDeferred
	q.mu.Unlock()

	if err := q.pending.DeletePendingForEntity(string(entityType)); err != nil {
		q.logger.Error("failed to drop pending operations for entity",
			zap.String("entity_type", string(entityType)), zap.Error(err))
	}
	if dropped > 0 {
		q.metrics.PendingOperations.Add(q.ctx, int64(-dropped))
	}
}

// Pause suspends new dispatches without cancelling in-flight work.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume continues dispatching and drains any offline buffer.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")

	q.pump()
	q.drainDeferred()
}

// Prioritize lifts queued operations of one entity type ahead of their
// priority class.
func (q *Queue) Prioritize(entityType entity.Type) {
	q.mu.Lock()
	q.boosts[entityType] = len(q.boosts) + 10
	for _, item := range q.waiting {
		if item.op.Entity == entityType {
			item.boost = q.boosts[entityType]
		}
	}
	heap.Init(&q.waiting)
	q.mu.Unlock()
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{
		ActiveOperations:    len(q.active),
		PendingOperations:   len(q.deferred),
		CompletedOperations: q.completed,
		FailedOperations:    q.failed,
	}

	countKind := func(op *Operation) {
		switch op.Kind {
		case KindUpload:
			stats.UploadCount++
		case KindDownload:
			stats.DownloadCount++
		case KindUpdate:
			stats.UpdateCount++
		case KindDelete:
			stats.DeleteCount++
		}
	}

	for _, op := range q.active {
		countKind(op)
	}
	for _, item := range q.waiting {
		countKind(item.op)
	}
	for _, op := range q.deferred {
		countKind(op)
	}

	stats.TotalOperations = len(q.active) + q.waiting.Len() + len(q.deferred)
	return stats
}
