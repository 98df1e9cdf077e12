package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/broadcast"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/conn"
	"github.com/courier-im/courier/internal/model"
)

// DrainedPayload is the bus payload for queue.drained events.
type DrainedPayload struct {
	Delivered int
	Remaining int
}

// PendingQueue is the queue surface the drainer works against.
type PendingQueue interface {
	Pending() ([]model.QueuedMessage, error)
	Remove(localID string) error
	Bump(localID string) error
	Length() (int, error)
}

// Drainer flushes the offline queue in FIFO order whenever
// connectivity returns, and periodically as a safety net. Only one
// drain runs at a time; triggers during a drain are no-ops.
type Drainer struct {
	store     MessageStore
	queue     PendingQueue
	conn      Connectivity
	views     ViewBinder
	transport broadcast.Transport
	eventBus  *bus.Bus
	logger    *zap.Logger
	interval  time.Duration

	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDrainer wires the drain loop. interval is the periodic safety-net
// cadence; the primary trigger is the offline-to-online transition.
func NewDrainer(store MessageStore, queue PendingQueue, conn Connectivity, views ViewBinder, transport broadcast.Transport, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Drainer {
	return &Drainer{
		store:     store,
		queue:     queue,
		conn:      conn,
		views:     views,
		transport: transport,
		eventBus:  b,
		logger:    logger,
		interval:  interval,
	}
}

// Start launches the trigger loop. An immediate drain runs at startup
// to flush anything left over from a previous session.
func (d *Drainer) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	events, unsub := d.eventBus.Subscribe("conn.", 16)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsub()

		d.Drain(ctx)

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case evt := <-events:
				change, ok := evt.Payload.(conn.StatusChange)
				if ok && change.To == conn.Online {
					d.Drain(ctx)
				}
			case <-ticker.C:
				if d.conn.BelievesOnline() {
					d.Drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the trigger loop and waits for a running drain to finish.
func (d *Drainer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Drain flushes pending entries oldest-first until the queue is empty
// or a persist fails. Reentrant calls return immediately. Each entry
// is persisted under its queue local ID, so an entry that was stored
// but not yet removed before a crash resolves as a duplicate insert on
// the next pass.
func (d *Drainer) Drain(ctx context.Context) {
	if !d.draining.CompareAndSwap(false, true) {
		return
	}
	defer d.draining.Store(false)

	pending, err := d.queue.Pending()
	if err != nil {
		d.logger.Error("read pending queue", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	d.logger.Info("draining queue", zap.Int("pending", len(pending)))

	delivered := 0
	for _, qm := range pending {
		if ctx.Err() != nil {
			break
		}
		m := model.Message{
			ID:             qm.LocalID,
			ConversationID: qm.ConversationID,
			SenderID:       qm.SenderID,
			Content:        qm.Content,
			CreatedAt:      qm.CreatedAt,
		}

		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		_, err := d.store.CreateMessage(pctx, &m)
		cancel()
		if err != nil {
			// Connectivity is gone again; stop here, FIFO order must
			// hold across attempts.
			d.logger.Warn("drain halted",
				zap.String("local_id", qm.LocalID), zap.Error(err))
			if bumpErr := d.queue.Bump(qm.LocalID); bumpErr != nil {
				d.logger.Error("bump attempt count", zap.Error(bumpErr))
			}
			d.conn.ReportFailure()
			break
		}

		if err := d.queue.Remove(qm.LocalID); err != nil {
			d.logger.Error("remove drained entry",
				zap.String("local_id", qm.LocalID), zap.Error(err))
			break
		}
		delivered++

		if view := d.views.ViewFor(qm.ConversationID); view != nil {
			view.Confirm(m)
		}
		d.eventBus.Publish(bus.Event{
			Kind:      bus.KindMessageDelivered,
			Timestamp: time.Now(),
			Payload:   DeliveredPayload{ConversationID: m.ConversationID, MessageID: m.ID},
		})
		channel := broadcast.ConversationChannel(m.ConversationID)
		if err := d.transport.Publish(channel, broadcast.EventMessageNew, m); err != nil {
			d.logger.Debug("broadcast publish skipped", zap.Error(err))
		}
	}

	if delivered > 0 {
		remaining, err := d.queue.Length()
		if err != nil {
			remaining = len(pending) - delivered
		}
		d.eventBus.Publish(bus.Event{
			Kind:      bus.KindQueueDrained,
			Timestamp: time.Now(),
			Payload:   DrainedPayload{Delivered: delivered, Remaining: remaining},
		})
	}
}
