package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/model"
)

// UpdatedPayload is the bus payload for presence.updated events.
type UpdatedPayload struct {
	UserID string
	Online bool
}

// Feed streams presence records for a user from the durable store.
type Feed interface {
	WatchPresence(ctx context.Context, userID string) (<-chan model.PresenceRecord, error)
}

// Observer derives peers' effective online state. A peer counts as
// online only while its latest record is flagged online AND younger
// than the staleness threshold; the periodic sweep catches records
// that go stale with no new announcement arriving.
type Observer struct {
	feed      Feed
	eventBus  *bus.Bus
	logger    *zap.Logger
	staleness time.Duration

	mu      sync.Mutex
	records map[string]model.PresenceRecord
	derived map[string]bool
	watches map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() int64
}

// NewObserver creates an observer with no watched peers.
func NewObserver(feed Feed, b *bus.Bus, staleness time.Duration, logger *zap.Logger) *Observer {
	return &Observer{
		feed:      feed,
		eventBus:  b,
		logger:    logger,
		staleness: staleness,
		records:   make(map[string]model.PresenceRecord),
		derived:   make(map[string]bool),
		watches:   make(map[string]context.CancelFunc),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Start launches the staleness sweep.
func (o *Observer) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Sweep at half the threshold so a record is never considered
		// fresh for more than staleness + staleness/2.
		ticker := time.NewTicker(o.staleness / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep and every per-peer watch.
func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Lock()
	for _, cancel := range o.watches {
		cancel()
	}
	o.watches = make(map[string]context.CancelFunc)
	o.mu.Unlock()
	o.wg.Wait()
}

// Watch subscribes to a peer's presence feed. Watching an already
// watched peer is a no-op.
func (o *Observer) Watch(ctx context.Context, userID string) error {
	o.mu.Lock()
	if _, ok := o.watches[userID]; ok {
		o.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.watches[userID] = cancel
	o.mu.Unlock()

	ch, err := o.feed.WatchPresence(wctx, userID)
	if err != nil {
		cancel()
		o.mu.Lock()
		delete(o.watches, userID)
		o.mu.Unlock()
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for rec := range ch {
			o.apply(rec)
		}
	}()
	return nil
}

// Unwatch drops a peer's presence feed.
func (o *Observer) Unwatch(userID string) {
	o.mu.Lock()
	if cancel, ok := o.watches[userID]; ok {
		cancel()
		delete(o.watches, userID)
	}
	delete(o.records, userID)
	delete(o.derived, userID)
	o.mu.Unlock()
}

// Online reports a peer's effective online state. Unknown peers are
// offline.
func (o *Observer) Online(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[userID]
	if !ok {
		return false
	}
	return o.effective(rec)
}

func (o *Observer) apply(rec model.PresenceRecord) {
	o.mu.Lock()
	o.records[rec.UserID] = rec
	online := o.effective(rec)
	changed := o.derived[rec.UserID] != online
	o.derived[rec.UserID] = online
	o.mu.Unlock()

	if changed {
		o.publish(rec.UserID, online)
	}
}

// sweep downgrades peers whose record went stale without any new
// announcement, the crashed-client case.
func (o *Observer) sweep() {
	type flip struct {
		userID string
		online bool
	}
	var flips []flip

	o.mu.Lock()
	for userID, rec := range o.records {
		online := o.effective(rec)
		if o.derived[userID] != online {
			o.derived[userID] = online
			flips = append(flips, flip{userID, online})
		}
	}
	o.mu.Unlock()

	for _, f := range flips {
		o.logger.Debug("presence staled out", zap.String("user_id", f.userID))
		o.publish(f.userID, f.online)
	}
}

func (o *Observer) effective(rec model.PresenceRecord) bool {
	return rec.IsOnline && o.now()-rec.UpdatedAt < o.staleness.Milliseconds()
}

func (o *Observer) publish(userID string, online bool) {
	o.eventBus.Publish(bus.Event{
		Kind:      bus.KindPresenceUpdated,
		Timestamp: time.Now(),
		Payload:   UpdatedPayload{UserID: userID, Online: online},
	})
}
