package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/netmon"
	"github.com/craneworks/fieldsync/internal/observability"
	"github.com/craneworks/fieldsync/internal/store"
	"github.com/craneworks/fieldsync/internal/syncerrors"
)

// State is the engine's top-level lifecycle state.
type State string

const (
	StateIdle                   State = "idle"
	StateStarting               State = "starting"
	StateSyncing                State = "syncing"
	StateStopping               State = "stopping"
	StateStopped                State = "stopped"
	StateAuthenticationRequired State = "authentication_required"
	StateWaitingForNetwork      State = "waiting_for_network"
	StateWaitingForWiFi         State = "waiting_for_wifi"
	StateError                  State = "error"
)

// EventType classifies engine events delivered to subscribers.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventProgress      EventType = "progress"
	EventSyncCompleted EventType = "sync_completed"
)

// Event is one discrete engine notification. State fields are set for
// state_changed, Fraction/Description for progress, Err for
// sync_completed failures.
type Event struct {
	Type        EventType
	State       State
	Previous    State
	Fraction    float64
	Description string
	Err         error
	Timestamp   time.Time
}

// Configuration is the user-tunable engine behavior, persisted as JSON
// in the settings store.
type Configuration struct {
	Enabled                 bool   `json:"enabled"`
	AutoSyncEnabled         bool   `json:"autoSyncEnabled"`
	AllowCellular           bool   `json:"allowCellular"`
	BackgroundSyncEnabled   bool   `json:"backgroundSyncEnabled"`
	SyncIntervalSeconds     int    `json:"syncIntervalSeconds"`
	DefaultConflictStrategy string `json:"defaultConflictStrategy"`
}

// DefaultConfiguration matches the workforce app defaults.
func DefaultConfiguration() Configuration {
	return Configuration{
		Enabled:                 true,
		AutoSyncEnabled:         true,
		AllowCellular:           true,
		BackgroundSyncEnabled:   true,
		SyncIntervalSeconds:     300,
		DefaultConflictStrategy: "latest_wins",
	}
}

func (c Configuration) interval() time.Duration {
	if c.SyncIntervalSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// AuthProvider answers whether a valid session exists.
type AuthProvider interface {
	IsAuthenticated() bool
}

// BackgroundScheduler grants a bounded execution window while the host
// app is suspended. BeginWindow invokes onExpiry when the platform
// revokes the window; the returned func ends it explicitly.
type BackgroundScheduler interface {
	BeginWindow(onExpiry func()) (end func())
}

// EngineStore is the persistence the engine needs: last-sync timestamp,
// configuration blob, and the bounded history log. Satisfied by
// *store.DB.
type EngineStore interface {
	SettingsStore
	SetSetting(key, value string) error
	GetSetting(key string) (value string, found bool, err error)
	AppendHistory(entry store.HistoryEntry, maxEntries int) error
	ListHistory(limit int) ([]store.HistoryEntry, error)
	ClearHistory() error
}

// EngineStatistics summarizes past sync passes plus the live queue.
type EngineStatistics struct {
	TotalSyncs         int
	SuccessfulSyncs    int
	FailedSyncs        int
	SuccessRate        float64
	AverageDuration    time.Duration
	LastSuccessfulSync time.Time
	Queue              Statistics
}

// historyLimit bounds the rolling sync-history log.
const historyLimit = 100

// EngineOptions carries the engine's injected collaborators. Scheduler
// and Clock are optional.
type EngineOptions struct {
	Coordinator *Coordinator
	Queue       *Queue
	Monitor     *netmon.Monitor
	Auth        AuthProvider
	Store       EngineStore
	Scheduler   BackgroundScheduler
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Clock       func() time.Time
}

// Engine is the top-level sync state machine. One engine exists per
// authenticated session: construct on login, Close on logout.
type Engine struct {
	coordinator *Coordinator
	queue       *Queue
	monitor     *netmon.Monitor
	auth        AuthProvider
	store       EngineStore
	scheduler   BackgroundScheduler
	logger      *observability.Logger
	metrics     *observability.Metrics
	clock       func() time.Time

	mu        gosync.Mutex
	cfg       Configuration
	state     State
	syncing   bool
	closed    bool
	endWindow func()
	subs      map[uint64]chan Event
	nextSubID uint64
	netCancel func()
	done      chan struct{}
}

// NewEngine builds an engine around its collaborators and loads any
// persisted configuration over cfg.
func NewEngine(cfg Configuration, opts EngineOptions) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		coordinator: opts.Coordinator,
		queue:       opts.Queue,
		monitor:     opts.Monitor,
		auth:        opts.Auth,
		store:       opts.Store,
		scheduler:   opts.Scheduler,
		logger:      opts.Logger.WithComponent("engine"),
		metrics:     opts.Metrics,
		clock:       clock,
		cfg:         cfg,
		state:       StateStopped,
		subs:        make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}

	if persisted, ok := e.loadConfiguration(); ok {
		e.cfg = persisted
	}

	e.coordinator.SetProgressFunc(func(fraction float64, description string) {
		e.publish(Event{
			Type:        EventProgress,
			Fraction:    fraction,
			Description: description,
			Timestamp:   e.clock(),
		})
	})

	statusCh, cancel := e.monitor.Subscribe()
	e.netCancel = cancel
	go e.watchConnectivity(statusCh)

	return e
}

// Subscribe returns a buffered channel of engine events. Events are
// dropped rather than blocking the engine when the subscriber lags.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Event, 32)
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// publish sends non-blocking, so holding mu across the fan-out is safe
// and keeps Close from closing a channel mid-send.
func (e *Engine) publish(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(next State) {
	e.mu.Lock()
	prev := e.state
	if prev == next {
		e.mu.Unlock()
		return
	}
	e.state = next
	e.mu.Unlock()

	e.logger.Info("state changed",
		zap.String("from", string(prev)), zap.String("to", string(next)))
	e.publish(Event{
		Type:      EventStateChanged,
		State:     next,
		Previous:  prev,
		Timestamp: e.clock(),
	})
}

// Configuration returns the live configuration.
func (e *Engine) Configuration() Configuration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfiguration applies and persists new configuration. A running
// auto-sync timer is restarted with the new interval.
func (e *Engine) UpdateConfiguration(cfg Configuration) error {
	e.mu.Lock()
	autoWasOn := e.cfg.AutoSyncEnabled && e.state != StateStopped && e.state != StateAuthenticationRequired
	e.cfg = cfg
	e.mu.Unlock()

	if err := e.persistConfiguration(cfg); err != nil {
		return err
	}

	e.coordinator.StopAutoSync()
	if autoWasOn && cfg.AutoSyncEnabled {
		e.coordinator.StartAutoSync(cfg.interval(), e.autoSyncTick)
	}
	return nil
}

func (e *Engine) persistConfiguration(cfg Configuration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return e.store.SetSetting(store.KeyConfiguration, string(data))
}

func (e *Engine) loadConfiguration() (Configuration, bool) {
	value, found, err := e.store.GetSetting(store.KeyConfiguration)
	if err != nil || !found {
		if err != nil {
			e.logger.Error("failed to load configuration", zap.Error(err))
		}
		return Configuration{}, false
	}

	var cfg Configuration
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		e.logger.Error("corrupt persisted configuration, using defaults", zap.Error(err))
		return Configuration{}, false
	}
	return cfg, true
}

// Start brings the engine up: authentication check, auto-sync timer,
// and an immediate first pass. A missing session parks the engine in
// authentication_required without syncing.
func (e *Engine) Start(ctx context.Context) error {
	cfg := e.Configuration()
	if !cfg.Enabled {
		e.logger.Info("engine disabled, not starting")
		return nil
	}

	e.setState(StateStarting)

	if !e.auth.IsAuthenticated() {
		e.setState(StateAuthenticationRequired)
		return syncerrors.ErrAuthenticationRequired
	}

	if cfg.AutoSyncEnabled {
		e.coordinator.StartAutoSync(cfg.interval(), e.autoSyncTick)
	}

	status := e.monitor.Status()
	switch {
	case !status.Connected:
		e.setState(StateWaitingForNetwork)
		return nil
	case status.Type == netmon.ConnectionCellular && !cfg.AllowCellular:
		e.setState(StateWaitingForWiFi)
		return nil
	}

	e.setState(StateIdle)
	return e.SyncNow(ctx)
}

// Stop halts auto-sync scheduling. In-flight operations run to
// completion or failure on their own.
func (e *Engine) Stop() {
	e.setState(StateStopping)
	e.coordinator.StopAutoSync()
	e.endBackgroundWindow()
	e.setState(StateStopped)
}

// Close releases the engine's subscriptions. Call after Stop. Safe to
// call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()

	e.netCancel()
	close(e.done)
}

func (e *Engine) autoSyncTick() {
	if err := e.SyncNow(context.Background()); err != nil {
		e.logger.Warn("scheduled sync failed", zap.Error(err))
	}
}

// canSync is the admission gate for a new pass: engine enabled,
// authenticated, connected, cellular permitted when on cellular, and no
// pass already in flight.
func (e *Engine) canSync() bool {
	e.mu.Lock()
	cfg := e.cfg
	syncing := e.syncing
	e.mu.Unlock()

	if !cfg.Enabled || syncing {
		return false
	}
	if !e.auth.IsAuthenticated() {
		return false
	}

	status := e.monitor.Status()
	if !status.Connected {
		return false
	}
	if status.Type == netmon.ConnectionCellular && !cfg.AllowCellular {
		return false
	}
	return true
}

// SyncNow runs one sync pass: full when no successful sync has ever
// completed, incremental otherwise. Returns nil without syncing when
// the admission gate fails. Every completed pass lands in history.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.canSync() {
		e.logger.Debug("sync skipped, admission gate closed")
		return nil
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	e.setState(StateSyncing)
	started := e.clock()

	lastSync, err := e.store.GetLastSync()
	if err != nil {
		e.logger.Error("failed to read last sync timestamp", zap.Error(err))
	}

	var passErr error
	if lastSync.IsZero() {
		passErr = e.coordinator.PerformFullSync(ctx)
	} else {
		passErr = e.coordinator.PerformIncrementalSync(ctx, lastSync)
	}

	duration := e.clock().Sub(started)
	e.recordHistory(started, duration, passErr)

	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()

	e.publish(Event{
		Type:      EventSyncCompleted,
		Err:       passErr,
		Timestamp: e.clock(),
	})

	switch {
	case passErr == nil:
		e.setState(StateIdle)
	case errors.Is(passErr, syncerrors.ErrAuthenticationRequired):
		e.coordinator.HandleAuthFailure()
		e.setState(StateAuthenticationRequired)
	case !e.monitor.Status().Connected:
		e.metrics.NetworkWaits.Add(ctx, 1)
		e.setState(StateWaitingForNetwork)
	default:
		e.setState(StateError)
	}

	return passErr
}

func (e *Engine) recordHistory(started time.Time, duration time.Duration, passErr error) {
	entry := store.HistoryEntry{
		ID:        uuid.NewString(),
		Timestamp: started,
		Success:   passErr == nil,
		Duration:  duration,
	}
	if passErr != nil {
		entry.Error = passErr.Error()
	}

	if err := e.store.AppendHistory(entry, historyLimit); err != nil {
		e.logger.Error("failed to record sync history", zap.Error(err))
	}
}

// SyncEntity synchronously syncs one entity type under the admission
// gate.
func (e *Engine) SyncEntity(ctx context.Context, entityType entity.Type) error {
	if !e.canSync() {
		return syncerrors.ErrNoNetwork
	}
	return e.coordinator.SyncEntity(ctx, entityType)
}

// SyncRecord synchronously syncs one record under the admission gate.
func (e *Engine) SyncRecord(ctx context.Context, entityType entity.Type, recordID string) error {
	if !e.canSync() {
		return syncerrors.ErrNoNetwork
	}
	return e.coordinator.SyncRecord(ctx, entityType, recordID)
}

// Reset wipes sync state for logout: engine stopped, timestamp and
// history cleared, queued work dropped.
func (e *Engine) Reset() error {
	e.Stop()
	e.coordinator.CancelAll()

	var errs []error
	if err := e.store.ClearLastSync(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.ClearHistory(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// History returns the most recent sync passes, newest first.
func (e *Engine) History() ([]store.HistoryEntry, error) {
	return e.store.ListHistory(historyLimit)
}

// LastSuccessfulSync returns the timestamp of the last completed pass,
// zero when none.
func (e *Engine) LastSuccessfulSync() (time.Time, error) {
	return e.store.GetLastSync()
}

// Statistics aggregates history and live queue counters.
func (e *Engine) Statistics() (EngineStatistics, error) {
	entries, err := e.store.ListHistory(historyLimit)
	if err != nil {
		return EngineStatistics{}, err
	}

	stats := EngineStatistics{Queue: e.queue.Stats()}

	var totalDuration time.Duration
	for _, entry := range entries {
		stats.TotalSyncs++
		if entry.Success {
			stats.SuccessfulSyncs++
		} else {
			stats.FailedSyncs++
		}
		totalDuration += entry.Duration
	}

	if stats.TotalSyncs > 0 {
		stats.SuccessRate = float64(stats.SuccessfulSyncs) / float64(stats.TotalSyncs)
		stats.AverageDuration = totalDuration / time.Duration(stats.TotalSyncs)
	}

	if lastSync, err := e.store.GetLastSync(); err == nil {
		stats.LastSuccessfulSync = lastSync
	}

	return stats, nil
}

// EnterBackground runs one incremental pass inside a bounded platform
// window when background sync is enabled and the interval has elapsed.
func (e *Engine) EnterBackground() {
	cfg := e.Configuration()
	if !cfg.BackgroundSyncEnabled || e.scheduler == nil {
		return
	}

	lastSync, err := e.store.GetLastSync()
	if err != nil {
		e.logger.Error("failed to read last sync timestamp", zap.Error(err))
		return
	}
	if !lastSync.IsZero() && e.clock().Sub(lastSync) < cfg.interval() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	end := e.scheduler.BeginWindow(cancel)

	e.mu.Lock()
	e.endWindow = func() {
		cancel()
		end()
	}
	e.mu.Unlock()

	go func() {
		defer e.endBackgroundWindow()
		since := lastSync
		if since.IsZero() {
			since = e.clock().Add(-cfg.interval())
		}
		if err := e.coordinator.PerformIncrementalSync(ctx, since); err != nil {
			e.logger.Warn("background sync failed", zap.Error(err))
		}
	}()
}

// EnterForeground ends any open background window and triggers a pass
// when auto-sync is on.
func (e *Engine) EnterForeground() {
	e.endBackgroundWindow()
	if e.Configuration().AutoSyncEnabled {
		go e.autoSyncTick()
	}
}

func (e *Engine) endBackgroundWindow() {
	e.mu.Lock()
	end := e.endWindow
	e.endWindow = nil
	e.mu.Unlock()
	if end != nil {
		end()
	}
}

// watchConnectivity reacts to network transitions: regaining
// connectivity while waiting resumes the engine, losing it mid-pass
// parks the engine while in-flight operations retry on their own.
func (e *Engine) watchConnectivity(statusCh <-chan netmon.Status) {
	for {
		var status netmon.Status
		select {
		case status = <-statusCh:
		case <-e.done:
			return
		}

		state := e.State()
		cfg := e.Configuration()

		switch {
		case status.Connected && state == StateWaitingForNetwork:
			if status.Type == netmon.ConnectionCellular && !cfg.AllowCellular {
				e.setState(StateWaitingForWiFi)
				continue
			}
			e.setState(StateIdle)
			if cfg.AutoSyncEnabled {
				go e.autoSyncTick()
			}
		case status.Connected && state == StateWaitingForWiFi:
			if status.Type == netmon.ConnectionCellular && !cfg.AllowCellular {
				continue
			}
			e.setState(StateIdle)
			if cfg.AutoSyncEnabled {
				go e.autoSyncTick()
			}
		case !status.Connected && state == StateSyncing:
			e.setState(StateWaitingForNetwork)
		}
	}
}
