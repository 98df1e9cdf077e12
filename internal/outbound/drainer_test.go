package outbound

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/broadcast"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/conn"
	"github.com/courier-im/courier/internal/inbound"
	"github.com/courier-im/courier/internal/model"
)

func testMessage(id, conversationID string, createdAt int64) model.Message {
	return model.Message{
		ID: id, ConversationID: conversationID, SenderID: "alice",
		Content: "offline text", CreatedAt: createdAt,
	}
}

func newDrainer(store MessageStore, queue PendingQueue, c Connectivity, views ViewBinder, b *bus.Bus) *Drainer {
	return NewDrainer(store, queue, c, views, broadcast.NewLoopback(), b, zap.NewNop(), time.Hour)
}

func enqueueN(t *testing.T, q *fakeQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue("conv1", "alice", "queued message", int64(1000+i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func TestDrainFlushesFIFO(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	enqueueN(t, queue, 3)
	b := bus.New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	d := newDrainer(store, queue, &fakeConn{online: true}, &fakeViews{}, b)
	d.Drain(context.Background())

	if store.count() != 3 {
		t.Errorf("store has %d messages, want 3", store.count())
	}
	if n, _ := queue.Length(); n != 0 {
		t.Errorf("queue has %d entries, want 0", n)
	}

	evt := expectEvent(t, ch, bus.KindQueueDrained)
	p := evt.Payload.(DrainedPayload)
	if p.Delivered != 3 || p.Remaining != 0 {
		t.Errorf("payload = %+v, want 3 delivered, 0 remaining", p)
	}
}

func TestDrainStopsOnFirstFailure(t *testing.T) {
	store := newFakeStore()
	store.failAfter = 1 // first insert succeeds, connectivity dies
	queue := &fakeQueue{}
	enqueueN(t, queue, 3)
	c := &fakeConn{online: true}

	d := newDrainer(store, queue, c, &fakeViews{}, bus.New())
	d.Drain(context.Background())

	if store.count() != 1 {
		t.Errorf("store has %d messages, want 1", store.count())
	}
	remaining, _ := queue.Pending()
	if len(remaining) != 2 {
		t.Fatalf("queue has %d entries, want 2", len(remaining))
	}
	// The failed head is bumped; entries behind it stay untouched so
	// order holds across attempts.
	if remaining[0].AttemptCount != 1 {
		t.Errorf("head attempt count = %d, want 1", remaining[0].AttemptCount)
	}
	if remaining[1].AttemptCount != 0 {
		t.Error("entry behind the failure was bumped without an attempt")
	}
	if c.failures == 0 {
		t.Error("drain failure never reported to connectivity")
	}
}

func TestDrainIdempotentOnRedelivery(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	enqueueN(t, queue, 1)

	pending, _ := queue.Pending()
	localID := pending[0].LocalID

	d := newDrainer(store, queue, &fakeConn{online: true}, &fakeViews{}, bus.New())
	d.Drain(context.Background())
	if store.count() != 1 {
		t.Fatalf("store has %d messages, want 1", store.count())
	}

	// Simulate a crash between persist and remove: the entry is back in
	// the queue with the same local ID. Draining again must not create
	// a second message.
	queue.mu.Lock()
	queue.entries = append(queue.entries, pending[0])
	queue.mu.Unlock()

	d.Drain(context.Background())
	if store.count() != 1 {
		t.Errorf("redelivery created a duplicate: store has %d messages", store.count())
	}
	if n, _ := queue.Length(); n != 0 {
		t.Errorf("queue has %d entries, want 0", n)
	}

	if _, ok := store.messages[localID]; !ok {
		t.Error("durable message does not carry the queue local ID")
	}
}

func TestDrainConfirmsActiveView(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	view := inbound.NewView("conv1", nil)

	localID, err := queue.Enqueue("conv1", "alice", "offline text", 1000)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	view.AddLocal(testMessage(localID, "conv1", 1000))
	view.Requeue(localID, localID)

	d := newDrainer(store, queue, &fakeConn{online: true}, &fakeViews{view: view}, bus.New())
	d.Drain(context.Background())

	snap := view.Snapshot()
	if len(snap) != 1 || snap[0].State != inbound.StateDelivered {
		t.Errorf("view = %+v, want one delivered entry", snap)
	}
}

func TestDrainReentrantNoOp(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	enqueueN(t, queue, 1)

	d := newDrainer(store, queue, &fakeConn{online: true}, &fakeViews{}, bus.New())
	d.draining.Store(true)
	d.Drain(context.Background())
	if store.count() != 0 {
		t.Error("drain ran while another drain was in flight")
	}
	d.draining.Store(false)
}

func TestStartDrainsOnReconnect(t *testing.T) {
	store := newFakeStore()
	store.setFailing(true)
	queue := &fakeQueue{}
	enqueueN(t, queue, 2)
	b := bus.New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	d := newDrainer(store, queue, &fakeConn{online: false}, &fakeViews{}, b)
	d.Start(context.Background())
	defer d.Stop()

	// Startup drain hits the dead store and halts.
	time.Sleep(50 * time.Millisecond)
	if n, _ := queue.Length(); n != 2 {
		t.Fatalf("queue has %d entries, want 2", n)
	}

	// Connectivity returns.
	store.setFailing(false)
	b.Publish(bus.Event{
		Kind:      bus.KindConnChanged,
		Timestamp: time.Now(),
		Payload:   conn.StatusChange{From: conn.Offline, To: conn.Online},
	})

	expectEvent(t, ch, bus.KindQueueDrained)
	if store.count() != 2 {
		t.Errorf("store has %d messages, want 2", store.count())
	}
}
