package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/model"
)

func integrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("COURIER_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set COURIER_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	s, err := Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegrationCreateMessageIdempotent(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	a, b := "it-"+uuid.New().String(), "it-"+uuid.New().String()
	convID, err := s.EnsureConversation(ctx, uuid.New().String(), a, b)
	if err != nil {
		t.Fatal(err)
	}

	msg := &model.Message{
		ID: uuid.New().String(), ConversationID: convID,
		SenderID: a, Content: "hello", CreatedAt: time.Now().UnixMilli(),
	}
	inserted, err := s.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first CreateMessage should insert")
	}
	inserted, err = s.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second CreateMessage must be a no-op")
	}

	msgs, err := s.ListMessages(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestIntegrationEnsureConversationStable(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	a, b := "it-"+uuid.New().String(), "it-"+uuid.New().String()
	first, err := s.EnsureConversation(ctx, uuid.New().String(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	// Same pair in either order resolves to the same conversation.
	second, err := s.EnsureConversation(ctx, uuid.New().String(), b, a)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("conversation id changed: %s vs %s", first, second)
	}
}

func TestIntegrationMarkReadAndSummaries(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	a, b := "it-"+uuid.New().String(), "it-"+uuid.New().String()
	convID, err := s.EnsureConversation(ctx, uuid.New().String(), a, b)
	if err != nil {
		t.Fatal(err)
	}

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.New().String()
		_, err := s.CreateMessage(ctx, &model.Message{
			ID: ids[i], ConversationID: convID, SenderID: b,
			Content: "m", CreatedAt: int64(1000 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	sums, err := s.ListConversationSummaries(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	sum := findSummary(t, sums, convID)
	if sum.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", sum.UnreadCount)
	}
	if sum.OtherParticipant != b {
		t.Errorf("other = %q, want %q", sum.OtherParticipant, b)
	}
	if sum.LastMessage == nil || sum.LastMessage.ID != ids[2] {
		t.Errorf("last message = %+v, want %s", sum.LastMessage, ids[2])
	}

	readAt := time.Now().UnixMilli()
	if err := s.MarkRead(ctx, ids[:2], readAt); err != nil {
		t.Fatal(err)
	}
	// Repeating must not change the original read_at.
	if err := s.MarkRead(ctx, ids[:2], readAt+5000); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMessage(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.ReadAt != readAt {
		t.Errorf("read_at = %d, want %d (idempotent)", m.ReadAt, readAt)
	}

	sums, err = s.ListConversationSummaries(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if got := findSummary(t, sums, convID).UnreadCount; got != 1 {
		t.Errorf("unread after MarkRead = %d, want 1", got)
	}

	// The viewer's own sent messages never count as unread for them.
	bSums, err := s.ListConversationSummaries(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if got := findSummary(t, bSums, convID).UnreadCount; got != 0 {
		t.Errorf("sender's unread = %d, want 0", got)
	}
}

func TestIntegrationSlowPathMatchesAggregate(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	a, b := "it-"+uuid.New().String(), "it-"+uuid.New().String()
	convID, err := s.EnsureConversation(ctx, uuid.New().String(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.CreateMessage(ctx, &model.Message{
			ID: uuid.New().String(), ConversationID: convID, SenderID: b,
			Content: "m", CreatedAt: int64(2000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	sums, err := s.ListConversationSummaries(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	agg := findSummary(t, sums, convID)

	unread, err := s.UnreadCount(ctx, convID, a)
	if err != nil {
		t.Fatal(err)
	}
	last, err := s.LastMessage(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if unread != agg.UnreadCount {
		t.Errorf("slow unread = %d, aggregate = %d", unread, agg.UnreadCount)
	}
	if last == nil || agg.LastMessage == nil || last.ID != agg.LastMessage.ID {
		t.Errorf("slow last = %+v, aggregate = %+v", last, agg.LastMessage)
	}
}

func TestIntegrationPresenceUpsert(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	user := "it-" + uuid.New().String()
	if err := s.UpsertPresence(ctx, model.PresenceRecord{UserID: user, IsOnline: true, UpdatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPresence(ctx, model.PresenceRecord{UserID: user, IsOnline: false, UpdatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetPresence(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.IsOnline || rec.UpdatedAt != 2000 {
		t.Errorf("presence = %+v, want offline at 2000", rec)
	}
}

func TestIntegrationWatchMessagesDeliversInsert(t *testing.T) {
	s := integrationStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, b := "it-"+uuid.New().String(), "it-"+uuid.New().String()
	convID, err := s.EnsureConversation(ctx, uuid.New().String(), a, b)
	if err != nil {
		t.Fatal(err)
	}

	feed, err := s.WatchMessages(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}

	msgID := uuid.New().String()
	if _, err := s.CreateMessage(ctx, &model.Message{
		ID: msgID, ConversationID: convID, SenderID: a,
		Content: "via feed", CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-feed:
			if !ok {
				t.Fatal("feed closed before delivering the insert")
			}
			if m.ID == msgID {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for change-feed delivery")
		}
	}
}

func findSummary(t *testing.T, sums []model.ConversationSummary, convID string) model.ConversationSummary {
	t.Helper()
	for _, s := range sums {
		if s.ConversationID == convID {
			return s
		}
	}
	t.Fatalf("conversation %s not in summaries", convID)
	return model.ConversationSummary{}
}
