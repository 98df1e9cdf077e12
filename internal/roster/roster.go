// Package roster derives the conversation list: one row per peer with
// the last message, the unread count, and the peer's effective online
// state. Rows are never stored; every refresh recomputes them from the
// durable store and overlays live presence.
package roster

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/model"
	"github.com/courier-im/courier/internal/store"
)

// Directory is the store surface the roster reads. Stores that cannot
// run the aggregate query return store.ErrAggregateUnsupported from
// ListConversationSummaries and the roster falls back to per-row reads.
type Directory interface {
	ListConversationSummaries(ctx context.Context, viewerID string) ([]model.ConversationSummary, error)
	ListConversations(ctx context.Context, viewerID string) ([]model.Conversation, error)
	LastMessage(ctx context.Context, conversationID string) (*model.Message, error)
	UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error)
}

// PresenceSource resolves a peer's effective online state.
type PresenceSource interface {
	Online(userID string) bool
}

// debounce coalesces event bursts into one roster.changed. A drain of
// fifty queued messages is one refresh, not fifty.
const debounce = 250 * time.Millisecond

// Service recomputes the roster on demand and announces staleness on
// the bus whenever an underlying event invalidates the current rows.
type Service struct {
	viewerID string
	dir      Directory
	presence PresenceSource
	eventBus *bus.Bus
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires a roster for one viewer.
func NewService(viewerID string, dir Directory, presence PresenceSource, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		viewerID: viewerID,
		dir:      dir,
		presence: presence,
		eventBus: b,
		logger:   logger,
	}
}

// Snapshot computes the current roster, most recent conversation first.
func (s *Service) Snapshot(ctx context.Context) ([]model.ConversationSummary, error) {
	rows, err := s.dir.ListConversationSummaries(ctx, s.viewerID)
	if errors.Is(err, store.ErrAggregateUnsupported) {
		rows, err = s.slowPath(ctx)
	}
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].OtherOnline = s.presence.Online(rows[i].OtherParticipant)
	}
	return rows, nil
}

// slowPath assembles the same rows with one query per conversation.
func (s *Service) slowPath(ctx context.Context) ([]model.ConversationSummary, error) {
	convs, err := s.dir.ListConversations(ctx, s.viewerID)
	if err != nil {
		return nil, err
	}
	rows := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		last, err := s.dir.LastMessage(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		unread, err := s.dir.UnreadCount(ctx, c.ID, s.viewerID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.ConversationSummary{
			ConversationID:   c.ID,
			OtherParticipant: c.Other(s.viewerID),
			LastMessage:      last,
			UnreadCount:      unread,
		})
	}
	return rows, nil
}

// Start subscribes to the events that invalidate roster rows and
// publishes a debounced roster.changed for each burst.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := s.eventBus.Subscribe("message.", 32)
	presCh, unsubPres := s.eventBus.Subscribe("presence.", 32)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubMsg()
		defer unsubPres()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-msgCh:
			case <-presCh:
			case <-fire:
				timer = nil
				fire = nil
				s.eventBus.Publish(bus.Event{Kind: bus.KindRosterChanged, Timestamp: time.Now()})
				continue
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			}
		}
	}()
}

// Stop halts the invalidation loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
