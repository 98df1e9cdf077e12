package inbound

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/broadcast"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/model"
)

// ChangeFeed is the durable store's at-least-once delivery path.
type ChangeFeed interface {
	WatchMessages(ctx context.Context, conversationID string) (<-chan model.Message, error)
}

// Syncer runs the dual-channel subscription for one conversation and
// serializes both paths through a single merge goroutine.
type Syncer struct {
	view   *View
	cancel context.CancelFunc
	unsubs []func()
	done   chan struct{}
}

// view buffer sizes; broadcast frames beyond the buffer are dropped,
// the change-feed redelivers them anyway.
const (
	bcastBuf = 64
	readBuf  = 16
)

func startSyncer(ctx context.Context, view *View, transport broadcast.Transport, feed ChangeFeed, logger *zap.Logger) (*Syncer, error) {
	// The syncer outlives the Select call that opened it; only stop()
	// tears it down.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	feedCh, err := feed.WatchMessages(ctx, view.ConversationID())
	if err != nil {
		cancel()
		return nil, err
	}

	bcastCh := make(chan model.Message, bcastBuf)
	readCh := make(chan broadcast.ReadNotice, readBuf)
	channel := broadcast.ConversationChannel(view.ConversationID())

	unsubNew := transport.Subscribe(channel, broadcast.EventMessageNew, func(p json.RawMessage) {
		var m model.Message
		if err := json.Unmarshal(p, &m); err != nil {
			logger.Warn("bad broadcast message frame", zap.Error(err))
			return
		}
		select {
		case bcastCh <- m:
		default:
		}
	})
	unsubRead := transport.Subscribe(channel, broadcast.EventMessageRead, func(p json.RawMessage) {
		var n broadcast.ReadNotice
		if err := json.Unmarshal(p, &n); err != nil {
			logger.Warn("bad broadcast read frame", zap.Error(err))
			return
		}
		select {
		case readCh <- n:
		default:
		}
	})

	s := &Syncer{
		view:   view,
		cancel: cancel,
		unsubs: []func(){unsubNew, unsubRead},
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			select {
			case m := <-bcastCh:
				view.Ingest(m)
			case m, ok := <-feedCh:
				if !ok {
					return
				}
				view.Ingest(m)
			case n := <-readCh:
				view.ApplyRead(n.MessageIDs, n.ReadAt)
			case <-ctx.Done():
				return
			}
		}
	}()

	return s, nil
}

// stop tears the syncer down synchronously: after it returns no event
// from either path can reach the view anymore.
func (s *Syncer) stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.cancel()
	<-s.done
}

// Manager owns the active conversation's syncer. Selecting a new
// conversation tears the previous one down before the new
// subscriptions open, so a rapid switch can never deliver into the
// wrong view.
type Manager struct {
	transport broadcast.Transport
	feed      ChangeFeed
	eventBus  *bus.Bus
	logger    *zap.Logger

	mu     sync.Mutex
	active *Syncer
}

// NewManager creates a manager with no active conversation.
func NewManager(transport broadcast.Transport, feed ChangeFeed, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{transport: transport, feed: feed, eventBus: b, logger: logger}
}

// Select makes conversationID the active conversation and returns its
// view. Selecting the already-active conversation keeps the existing
// view.
func (m *Manager) Select(ctx context.Context, conversationID string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		if m.active.view.ConversationID() == conversationID {
			return m.active.view, nil
		}
		m.active.stop()
		m.active = nil
	}

	view := NewView(conversationID, m.eventBus)
	s, err := startSyncer(ctx, view, m.transport, m.feed, m.logger)
	if err != nil {
		return nil, err
	}
	m.active = s
	m.logger.Info("conversation selected", zap.String("conversation_id", conversationID))
	return view, nil
}

// ViewFor returns the active view when it renders conversationID,
// otherwise nil. The outbound pipeline uses this for optimistic
// display: sends to a background conversation simply have no view.
func (m *Manager) ViewFor(conversationID string) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.view.ConversationID() == conversationID {
		return m.active.view
	}
	return nil
}

// Close tears down the active syncer, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.stop()
		m.active = nil
	}
}
