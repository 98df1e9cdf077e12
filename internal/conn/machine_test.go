package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
)

// flakyPinger fails until told otherwise.
type flakyPinger struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (p *flakyPinger) setFail(f bool) {
	p.mu.Lock()
	p.fail = f
	p.mu.Unlock()
}

func TestInitialState(t *testing.T) {
	m := NewMachine(&flakyPinger{}, nil, time.Second, zap.NewNop())
	if m.Current() != Starting {
		t.Errorf("initial state = %s, want STARTING", m.Current())
	}
	if m.BelievesOnline() {
		t.Error("BelievesOnline() = true before first probe")
	}
}

func TestTransitions(t *testing.T) {
	m := NewMachine(&flakyPinger{}, nil, time.Second, zap.NewNop())

	if err := m.Transition(Online); err != nil {
		t.Fatalf("STARTING -> ONLINE: %v", err)
	}
	if err := m.Transition(Offline); err != nil {
		t.Fatalf("ONLINE -> OFFLINE: %v", err)
	}
	if err := m.Transition(Online); err != nil {
		t.Fatalf("OFFLINE -> ONLINE: %v", err)
	}
	if err := m.Transition(Closed); err != nil {
		t.Fatalf("ONLINE -> CLOSED: %v", err)
	}
	if err := m.Transition(Online); err == nil {
		t.Error("CLOSED -> ONLINE should fail")
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(&flakyPinger{}, b, time.Second, zap.NewNop())
	if err := m.Transition(Online); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Online); err != nil {
		t.Fatal(err)
	}

	// Exactly one event for the one real change.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first status event")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(&flakyPinger{}, b, time.Second, zap.NewNop())
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Starting || change.To != Offline {
			t.Errorf("change = %v -> %v, want STARTING -> OFFLINE", change.From, change.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

func TestProbeDrivesState(t *testing.T) {
	p := &flakyPinger{fail: true}
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 32)
	defer unsub()

	m := NewMachine(p, b, 20*time.Millisecond, zap.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	waitFor := func(want State) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case evt := <-ch:
				if evt.Payload.(StatusChange).To == want {
					return
				}
			case <-deadline:
				t.Fatalf("timeout waiting for %s (current %s)", want, m.Current())
			}
		}
	}

	waitFor(Offline)
	p.setFail(false)
	waitFor(Online)
	if !m.BelievesOnline() {
		t.Error("BelievesOnline() = false after successful probe")
	}
}

func TestReportFailure(t *testing.T) {
	m := NewMachine(&flakyPinger{}, nil, time.Second, zap.NewNop())
	if err := m.Transition(Online); err != nil {
		t.Fatal(err)
	}
	m.ReportFailure()
	if m.Current() != Offline {
		t.Errorf("state = %s after ReportFailure, want OFFLINE", m.Current())
	}
}

func TestRecheckProbesWithoutWaiting(t *testing.T) {
	p := &flakyPinger{fail: true}
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 32)
	defer unsub()

	// Interval long enough that only Recheck can flip the state in time.
	m := NewMachine(p, b, time.Hour, zap.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	select {
	case evt := <-ch:
		if evt.Payload.(StatusChange).To != Offline {
			t.Fatalf("first transition = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial probe")
	}

	p.setFail(false)
	m.Recheck()

	select {
	case evt := <-ch:
		if evt.Payload.(StatusChange).To != Online {
			t.Errorf("transition after Recheck = %v, want ONLINE", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recheck never triggered a probe")
	}
}
