package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/observability"
)

// ConnectionType identifies the active network interface class.
type ConnectionType string

const (
	ConnectionNone     ConnectionType = "none"
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionOther    ConnectionType = "other"
)

// Status is a snapshot of current connectivity.
type Status struct {
	Connected   bool
	Expensive   bool
	Constrained bool
	Type        ConnectionType
}

// Quality is a coarse connectivity score. UX only; admission decisions
// use the predicates, never the score.
type Quality int

const (
	QualityNone Quality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
	QualityUnknown Quality = -1
)

func (q Quality) String() string {
	switch q {
	case QualityNone:
		return "No Connection"
	case QualityPoor:
		return "Poor"
	case QualityFair:
		return "Fair"
	case QualityGood:
		return "Good"
	case QualityExcellent:
		return "Excellent"
	default:
		return "Unknown"
	}
}

// Monitor tracks connectivity state fed by an external connectivity
// source and fans out de-duplicated change notifications.
type Monitor struct {
	mu     sync.Mutex
	status Status
	subs   map[uint64]chan Status
	nextID uint64
	logger *observability.Logger
}

// NewMonitor creates a monitor in the disconnected state.
func NewMonitor(logger *observability.Logger) *Monitor {
	return &Monitor{
		status: Status{Type: ConnectionNone},
		subs:   make(map[uint64]chan Status),
		logger: logger.WithComponent("netmon"),
	}
}

// Status returns the current connectivity snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus applies a connectivity update from the external source.
// Unchanged state emits no notification.
func (m *Monitor) SetStatus(status Status) {
	m.mu.Lock()
	if status == m.status {
		m.mu.Unlock()
		return
	}
	m.status = status

	subs := make([]chan Status, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.logger.Info("network status changed",
		zap.Bool("connected", status.Connected),
		zap.String("type", string(status.Type)),
		zap.Bool("expensive", status.Expensive),
		zap.Bool("constrained", status.Constrained))

	// Synchronous fan-out; a slow subscriber drops the event rather than
	// blocking the connectivity source.
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// ShouldAllowSync reports whether sync operations may be dispatched.
func (m *Monitor) ShouldAllowSync() bool {
	s := m.Status()
	return s.Connected && !s.Constrained
}

// ShouldAllowLargeDownloads reports whether bulk downloads may run.
func (m *Monitor) ShouldAllowLargeDownloads() bool {
	s := m.Status()
	return s.Connected && !s.Expensive && !s.Constrained
}

// Quality returns the current connectivity score.
func (m *Monitor) Quality() Quality {
	s := m.Status()
	if !s.Connected {
		return QualityNone
	}

	switch s.Type {
	case ConnectionWiFi:
		if s.Constrained {
			return QualityFair
		}
		return QualityExcellent
	case ConnectionCellular:
		if s.Expensive {
			return QualityPoor
		}
		return QualityGood
	case ConnectionEthernet:
		return QualityExcellent
	default:
		return QualityUnknown
	}
}

// Subscribe registers for status-change notifications. The returned
// cancel func must be called to release the subscription.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	ch := make(chan Status, 16)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}

	return ch, cancel
}

// WaitForConnection blocks until connectivity is established or the
// timeout elapses. Returns true immediately when already connected.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	ch, cancel := m.Subscribe()
	defer cancel()

	// Check after subscribing so a transition during setup is not missed.
	if m.Status().Connected {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case status := <-ch:
			if status.Connected {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
