// Package presence announces this user's liveness to the durable store
// and derives peers' online state from their announcements. Liveness is
// a heartbeat, not a session: a peer is online only while its record is
// both flagged online and fresh, so a crashed client that never wrote
// its final offline record goes dark within the staleness window.
package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/model"
)

// VisibilityState is the tracker's announcement state.
type VisibilityState string

const (
	Starting VisibilityState = "STARTING"
	Active   VisibilityState = "ACTIVE"
	Hidden   VisibilityState = "HIDDEN"
	Stopped  VisibilityState = "STOPPED"
)

var validTransitions = map[VisibilityState][]VisibilityState{
	Starting: {Active, Hidden, Stopped},
	Active:   {Hidden, Stopped},
	Hidden:   {Active, Stopped},
	Stopped:  {},
}

// PresenceStore persists presence announcements.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, rec model.PresenceRecord) error
}

// writeTimeout bounds each announcement. Stop in particular must never
// hold up shutdown waiting on a dead store.
const writeTimeout = 2 * time.Second

// Tracker announces this user's presence: an immediate record on every
// visibility change plus a heartbeat while active.
type Tracker struct {
	userID    string
	store     PresenceStore
	logger    *zap.Logger
	heartbeat time.Duration

	mu     sync.Mutex
	state  VisibilityState
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() int64
}

// NewTracker creates a tracker in the Starting state.
func NewTracker(userID string, store PresenceStore, heartbeat time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		userID:    userID,
		store:     store,
		logger:    logger,
		heartbeat: heartbeat,
		state:     Starting,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Current returns the tracker's state.
func (t *Tracker) Current() VisibilityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start announces online and begins the heartbeat.
func (t *Tracker) Start(ctx context.Context) error {
	return t.transition(ctx, Active)
}

// Background announces offline and pauses the heartbeat. The client is
// still running; it is just not visible.
func (t *Tracker) Background(ctx context.Context) error {
	return t.transition(ctx, Hidden)
}

// Foreground announces online and resumes the heartbeat.
func (t *Tracker) Foreground(ctx context.Context) error {
	return t.transition(ctx, Active)
}

// Stop announces offline and halts the tracker for good. The final
// write is fired without waiting: if it never lands, peers see this
// user drop off after the staleness window anyway.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return
	}
	t.state = Stopped
	t.stopHeartbeatLocked()
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := t.announce(ctx, false); err != nil {
			t.logger.Debug("final offline announcement lost", zap.Error(err))
		}
	}()
}

func (t *Tracker) transition(ctx context.Context, to VisibilityState) error {
	t.mu.Lock()
	from := t.state
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		t.mu.Unlock()
		return fmt.Errorf("invalid visibility transition %s -> %s", from, to)
	}
	t.state = to
	if to == Active {
		t.startHeartbeatLocked(ctx)
	} else {
		t.stopHeartbeatLocked()
	}
	t.mu.Unlock()

	t.logger.Info("visibility changed",
		zap.String("from", string(from)), zap.String("to", string(to)))

	actx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := t.announce(actx, to == Active); err != nil {
		// State already moved; the next heartbeat repairs the record.
		t.logger.Warn("presence announcement failed", zap.Error(err))
		return err
	}
	return nil
}

func (t *Tracker) startHeartbeatLocked(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				actx, acancel := context.WithTimeout(hbCtx, writeTimeout)
				err := t.announce(actx, true)
				acancel()
				if err != nil && !errors.Is(err, context.Canceled) {
					t.logger.Debug("heartbeat skipped", zap.Error(err))
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()
}

func (t *Tracker) stopHeartbeatLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) announce(ctx context.Context, online bool) error {
	return t.store.UpsertPresence(ctx, model.PresenceRecord{
		UserID:    t.userID,
		IsOnline:  online,
		UpdatedAt: t.now(),
	})
}
