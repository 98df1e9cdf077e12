// Package outbound sends messages: optimistic display first, then the
// durable store, falling back to the local offline queue when the
// store is unreachable. A send never blocks on connectivity and never
// loses a message once Send has returned.
package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/broadcast"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/inbound"
	"github.com/courier-im/courier/internal/model"
)

// Outcome is the terminal result of a send attempt.
type Outcome string

const (
	// Delivered: the durable store accepted the message.
	Delivered Outcome = "delivered"
	// Queued: the store was unreachable; the message is in the offline
	// queue and will drain later.
	Queued Outcome = "queued"
	// Failed: neither the store nor the queue would take the message.
	Failed Outcome = "failed"
)

// QueuedPayload is the bus payload for message.queued events.
type QueuedPayload struct {
	ConversationID string
	LocalID        string
}

// DeliveredPayload is the bus payload for message.delivered events.
type DeliveredPayload struct {
	ConversationID string
	MessageID      string
}

// MessageStore persists messages idempotently by ID.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) (inserted bool, err error)
}

// Queue is the durable local fallback for offline sends.
type Queue interface {
	Enqueue(conversationID, senderID, content string, createdAt int64) (localID string, err error)
}

// Connectivity is the pipeline's view of the store's reachability.
type Connectivity interface {
	BelievesOnline() bool
	ReportFailure()
}

// ViewBinder resolves the active view for a conversation, or nil when
// the conversation is not on screen.
type ViewBinder interface {
	ViewFor(conversationID string) *inbound.View
}

// persistTimeout bounds the synchronous store write inside Send. A
// hung store must degrade to the queue path, not freeze the caller.
const persistTimeout = 10 * time.Second

// Pipeline is the outbound send path for one user.
type Pipeline struct {
	userID    string
	store     MessageStore
	queue     Queue
	conn      Connectivity
	views     ViewBinder
	transport broadcast.Transport
	eventBus  *bus.Bus
	logger    *zap.Logger

	now func() int64
}

// NewPipeline wires the send path.
func NewPipeline(userID string, store MessageStore, queue Queue, conn Connectivity, views ViewBinder, transport broadcast.Transport, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		userID:    userID,
		store:     store,
		queue:     queue,
		conn:      conn,
		views:     views,
		transport: transport,
		eventBus:  b,
		logger:    logger,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Send dispatches content to conversationID. The message appears in the
// active view immediately; the returned outcome says where it ended up.
// Queued is a success from the caller's point of view.
func (p *Pipeline) Send(ctx context.Context, conversationID, content string) (Outcome, error) {
	m := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.userID,
		Content:        content,
		CreatedAt:      p.now(),
	}

	view := p.views.ViewFor(conversationID)
	if view != nil {
		view.AddLocal(m)
	}

	if p.conn.BelievesOnline() {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		_, err := p.store.CreateMessage(pctx, &m)
		cancel()
		if err == nil {
			if view != nil {
				view.Confirm(m)
			}
			p.publish(bus.KindMessageDelivered, DeliveredPayload{ConversationID: conversationID, MessageID: m.ID})
			go p.announce(m)
			return Delivered, nil
		}
		p.logger.Warn("persist failed, falling back to queue",
			zap.String("message_id", m.ID), zap.Error(err))
		p.conn.ReportFailure()
	}

	localID, err := p.queue.Enqueue(m.ConversationID, m.SenderID, m.Content, m.CreatedAt)
	if err != nil {
		if view != nil {
			view.Drop(m.ID)
		}
		p.logger.Error("enqueue failed, message lost",
			zap.String("conversation_id", conversationID), zap.Error(err))
		p.publish(bus.KindMessageFailed, QueuedPayload{ConversationID: conversationID, LocalID: m.ID})
		return Failed, err
	}

	if view != nil {
		view.Requeue(m.ID, localID)
	}
	p.publish(bus.KindMessageQueued, QueuedPayload{ConversationID: conversationID, LocalID: localID})
	return Queued, nil
}

// announce pushes the persisted message over the broadcast transport.
// Best effort: a lost frame is recovered by the peer's change-feed.
func (p *Pipeline) announce(m model.Message) {
	channel := broadcast.ConversationChannel(m.ConversationID)
	if err := p.transport.Publish(channel, broadcast.EventMessageNew, m); err != nil {
		p.logger.Debug("broadcast publish skipped",
			zap.String("message_id", m.ID), zap.Error(err))
	}
}

func (p *Pipeline) publish(kind string, payload any) {
	p.eventBus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
