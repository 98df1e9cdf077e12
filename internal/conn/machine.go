// Package conn tracks whether this client believes it can reach the
// durable store. The belief gates the outbound fast path and, on every
// offline-to-online transition, triggers a queue drain.
package conn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
)

// State is a connectivity state.
type State string

const (
	Starting State = "STARTING"
	Online   State = "ONLINE"
	Offline  State = "OFFLINE"
	Closed   State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting: {Online, Offline, Closed},
	Online:   {Offline, Closed},
	Offline:  {Online, Closed},
	Closed:   {},
}

// StatusChange is the payload of conn.status_changed events.
type StatusChange struct {
	From State
	To   State
}

// Pinger probes the durable store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Machine tracks connectivity, probing the store on an interval.
type Machine struct {
	mu      sync.RWMutex
	current State

	pinger   Pinger
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	kick     chan struct{}
	cancel   context.CancelFunc
}

// NewMachine creates a machine in the Starting state.
func NewMachine(pinger Pinger, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Machine {
	return &Machine{
		current:  Starting,
		pinger:   pinger,
		bus:      b,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// BelievesOnline reports whether the send fast path should be taken.
func (m *Machine) BelievesOnline() bool {
	return m.Current() == Online
}

// Transition attempts to move to a new state, publishing a
// conn.status_changed event on success. Self-transitions are no-ops.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// Start probes immediately and then on every interval tick.
func (m *Machine) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probe(ctx)
			case <-m.kick:
				m.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Recheck requests an immediate probe without waiting for the next
// tick. Used when an external signal, like the relay link flapping,
// suggests connectivity just changed.
func (m *Machine) Recheck() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Stop halts probing and closes the machine.
func (m *Machine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	_ = m.Transition(Closed)
}

// ReportFailure records an observed network failure without waiting for
// the next probe; the outbound pipeline calls this when a persist fails.
func (m *Machine) ReportFailure() {
	_ = m.Transition(Offline)
}

func (m *Machine) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.pinger.Ping(probeCtx); err != nil {
		if m.Current() != Offline {
			m.logger.Warn("store unreachable", zap.Error(err))
		}
		_ = m.Transition(Offline)
		return
	}
	_ = m.Transition(Online)
}
