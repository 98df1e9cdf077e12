package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/model"
)

const (
	messagesChannel = "courier_messages"
	presenceChannel = "courier_presence"

	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// messageNotice is the trigger payload on the messages channel.
type messageNotice struct {
	Op             string `json:"op"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// WatchMessages opens the change-feed for one conversation. Every
// persisted insert or read-receipt update eventually appears on the
// returned channel as the full current message row, at least once:
// the watcher backfills the whole conversation on start and again after
// every listener reconnect, so missed notifications cannot lose data.
// The channel closes when ctx is cancelled.
func (s *Store) WatchMessages(ctx context.Context, conversationID string) (<-chan model.Message, error) {
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, nil)
	if err := listener.Listen(messagesChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	out := make(chan model.Message, 64)
	go func() {
		defer close(out)
		defer func() { _ = listener.Close() }()

		backfill := func() {
			msgs, err := s.ListMessages(ctx, conversationID)
			if err != nil {
				s.logger.Warn("change-feed backfill failed", zap.Error(err))
				return
			}
			for _, m := range msgs {
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
		backfill()

		ping := time.NewTicker(listenerPingInterval)
		defer ping.Stop()

		for {
			select {
			case n := <-listener.Notify:
				if n == nil {
					// Connection was re-established; notifications may
					// have been missed in between.
					backfill()
					continue
				}
				var notice messageNotice
				if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
					s.logger.Warn("bad change-feed payload", zap.Error(err))
					continue
				}
				if notice.ConversationID != conversationID {
					continue
				}
				m, err := s.GetMessage(ctx, notice.ID)
				if err != nil {
					s.logger.Warn("change-feed fetch failed", zap.Error(err), zap.String("msg_id", notice.ID))
					continue
				}
				if m == nil {
					continue
				}
				select {
				case out <- *m:
				case <-ctx.Done():
					return
				}
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.logger.Warn("change-feed ping failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchPresence streams presence records for one user: its current
// record first, then a fresh read after every announced change. The
// channel closes when ctx is cancelled.
func (s *Store) WatchPresence(ctx context.Context, userID string) (<-chan model.PresenceRecord, error) {
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, nil)
	if err := listener.Listen(presenceChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	out := make(chan model.PresenceRecord, 16)
	go func() {
		defer close(out)
		defer func() { _ = listener.Close() }()

		emit := func() {
			rec, err := s.GetPresence(ctx, userID)
			if err != nil {
				s.logger.Warn("presence fetch failed", zap.Error(err))
				return
			}
			if rec == nil {
				return
			}
			select {
			case out <- *rec:
			case <-ctx.Done():
			}
		}
		emit()

		ping := time.NewTicker(listenerPingInterval)
		defer ping.Stop()

		for {
			select {
			case n := <-listener.Notify:
				if n == nil {
					emit()
					continue
				}
				if n.Extra != userID {
					continue
				}
				emit()
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.logger.Warn("presence listener ping failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
