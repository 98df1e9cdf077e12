// Package engine is the façade over the delivery machinery: sending,
// reading, conversation selection, and the roster, behind one type the
// daemon's surfaces call into.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/broadcast"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/inbound"
	"github.com/courier-im/courier/internal/model"
	"github.com/courier-im/courier/internal/outbound"
	"github.com/courier-im/courier/internal/presence"
	"github.com/courier-im/courier/internal/roster"
)

// ConversationStore is the store surface the engine drives directly.
// Message persistence goes through the outbound pipeline, not here.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, id, participantA, participantB string) (string, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	MarkRead(ctx context.Context, ids []string, readAt int64) error
}

// QueueInfo exposes the offline queue's depth.
type QueueInfo interface {
	Length() (int, error)
}

// Engine coordinates the delivery machinery for one signed-in user.
type Engine struct {
	userID    string
	store     ConversationStore
	queue     QueueInfo
	pipeline  *outbound.Pipeline
	manager   *inbound.Manager
	tracker   *presence.Tracker
	observer  *presence.Observer
	roster    *roster.Service
	transport broadcast.Transport
	eventBus  *bus.Bus
	logger    *zap.Logger

	mu         sync.Mutex
	activePeer string
}

// New wires the engine.
func New(userID string, store ConversationStore, queue QueueInfo, pipeline *outbound.Pipeline, manager *inbound.Manager, tracker *presence.Tracker, observer *presence.Observer, rosterSvc *roster.Service, transport broadcast.Transport, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		userID:    userID,
		store:     store,
		queue:     queue,
		pipeline:  pipeline,
		manager:   manager,
		tracker:   tracker,
		observer:  observer,
		roster:    rosterSvc,
		transport: transport,
		eventBus:  b,
		logger:    logger,
	}
}

// UserID returns the signed-in user.
func (e *Engine) UserID() string { return e.userID }

// StartConversation ensures a conversation with peerID exists and
// returns its ID. Safe to call from both sides concurrently; both get
// the same ID back.
func (e *Engine) StartConversation(ctx context.Context, peerID string) (string, error) {
	if peerID == e.userID {
		return "", fmt.Errorf("cannot start a conversation with yourself")
	}
	return e.store.EnsureConversation(ctx, uuid.NewString(), e.userID, peerID)
}

// SelectConversation makes conversationID the active conversation:
// its view opens, both delivery paths attach, and the peer's presence
// feed starts. Returns the live view.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) (*inbound.View, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	peer := conv.Other(e.userID)

	view, err := e.manager.Select(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	previous := e.activePeer
	e.activePeer = peer
	e.mu.Unlock()
	if previous != "" && previous != peer {
		e.observer.Unwatch(previous)
	}
	if err := e.observer.Watch(ctx, peer); err != nil {
		e.logger.Warn("presence watch failed", zap.String("peer", peer), zap.Error(err))
	}
	return view, nil
}

// Send dispatches content to a conversation. Queued counts as success.
func (e *Engine) Send(ctx context.Context, conversationID, content string) (outbound.Outcome, error) {
	if content == "" {
		return outbound.Failed, fmt.Errorf("empty message")
	}
	return e.pipeline.Send(ctx, conversationID, content)
}

// MarkRead records read receipts for the given messages, announces them
// to the peer over broadcast, and updates the active view.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	readAt := time.Now().UnixMilli()
	if err := e.store.MarkRead(ctx, messageIDs, readAt); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	notice := broadcast.ReadNotice{MessageIDs: messageIDs, ReadAt: readAt}
	channel := broadcast.ConversationChannel(conversationID)
	if err := e.transport.Publish(channel, broadcast.EventMessageRead, notice); err != nil {
		// Best effort; the peer's change-feed carries the receipts too.
		e.logger.Debug("read notice broadcast skipped", zap.Error(err))
	}

	if view := e.manager.ViewFor(conversationID); view != nil {
		view.ApplyRead(messageIDs, readAt)
	} else {
		e.eventBus.Publish(bus.Event{Kind: bus.KindMessageRead, Timestamp: time.Now()})
	}
	return nil
}

// Messages returns the rendered entries of the active view, or nil when
// conversationID is not selected.
func (e *Engine) Messages(conversationID string) []inbound.Entry {
	view := e.manager.ViewFor(conversationID)
	if view == nil {
		return nil
	}
	return view.Snapshot()
}

// Roster computes the conversation list.
func (e *Engine) Roster(ctx context.Context) ([]model.ConversationSummary, error) {
	return e.roster.Snapshot(ctx)
}

// QueueLength reports how many sends are waiting in the offline queue.
func (e *Engine) QueueLength() (int, error) {
	return e.queue.Length()
}

// PeerOnline reports a peer's effective online state.
func (e *Engine) PeerOnline(userID string) bool {
	return e.observer.Online(userID)
}

// Background announces this user offline while the client keeps
// running hidden.
func (e *Engine) Background(ctx context.Context) error {
	return e.tracker.Background(ctx)
}

// Foreground announces this user online again.
func (e *Engine) Foreground(ctx context.Context) error {
	return e.tracker.Foreground(ctx)
}

// Events subscribes to engine events by kind prefix.
func (e *Engine) Events(prefix string, buf int) (<-chan bus.Event, func()) {
	return e.eventBus.Subscribe(prefix, buf)
}
