package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestEnqueueAndPending(t *testing.T) {
	s, _ := testStore(t)

	id, err := s.Enqueue("conv1", "alice", "hello", 1000)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue() returned empty local ID")
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	q := pending[0]
	if q.LocalID != id || q.ConversationID != "conv1" || q.SenderID != "alice" || q.Content != "hello" || q.CreatedAt != 1000 {
		t.Errorf("entry = %+v", q)
	}
	if q.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", q.AttemptCount)
	}
}

func TestFIFOOrder(t *testing.T) {
	s, _ := testStore(t)

	// Interleave two conversations; global order must be insertion order.
	want := []string{}
	for i, conv := range []string{"a", "b", "a", "b", "a"} {
		id, err := s.Enqueue(conv, "alice", "msg", int64(i))
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, id)
		time.Sleep(2 * time.Millisecond) // distinct enqueued_at
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending, want %d", len(pending), len(want))
	}
	for i, q := range pending {
		if q.LocalID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, q.LocalID, want[i])
		}
	}
}

// TestSurvivesRestart verifies the queue is the durable record of
// messages the user believes they sent: a reopened store still holds
// every undrained entry.
func TestSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Enqueue("conv1", "alice", "offline message", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	pending, err := reopened.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].LocalID != id {
		t.Fatalf("queue lost entry across restart: %+v", pending)
	}
	if pending[0].Content != "offline message" {
		t.Errorf("content = %q", pending[0].Content)
	}
}

func TestRemove(t *testing.T) {
	s, _ := testStore(t)

	id, _ := s.Enqueue("conv1", "alice", "one", 1)
	if err := s.Remove(id); err != nil {
		t.Fatal(err)
	}
	n, err := s.Length()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Length() = %d, want 0", n)
	}

	// Removing twice is harmless.
	if err := s.Remove(id); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestBump(t *testing.T) {
	s, _ := testStore(t)

	id, _ := s.Enqueue("conv1", "alice", "retry me", 1)
	if err := s.Bump(id); err != nil {
		t.Fatal(err)
	}
	if err := s.Bump(id); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", pending[0].AttemptCount)
	}
}

func TestLength(t *testing.T) {
	s, _ := testStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue("conv1", "alice", "m", int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Length()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Length() = %d, want 3", n)
	}
}

func TestBurstEnqueueKeepsInsertionOrder(t *testing.T) {
	s, _ := testStore(t)

	// A burst lands many entries within the same millisecond, so
	// enqueued_at cannot break the ties; insertion order still must.
	var want []string
	for i := 0; i < 50; i++ {
		id, err := s.Enqueue("conv1", "alice", "burst", time.Now().UnixMilli())
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		want = append(want, id)
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending, want %d", len(pending), len(want))
	}
	for i, q := range pending {
		if q.LocalID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, q.LocalID, want[i])
		}
	}
}
