// Package inbound merges the two delivery paths of a conversation — the
// best-effort broadcast and the durable change-feed — into one
// de-duplicated, ordered message list. The merge is commutative and
// idempotent with respect to delivery order and repetition, which is
// what lets the two paths run with no shared transaction.
package inbound

import (
	"sort"
	"sync"
	"time"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/model"
)

// EntryState tracks an entry's delivery progress for display.
type EntryState string

const (
	// StateSending: optimistic local entry, no durable confirmation yet.
	StateSending EntryState = "sending"
	// StateQueued: entry is held in the offline queue awaiting drain.
	StateQueued EntryState = "queued"
	// StateDelivered: the durable store has the message.
	StateDelivered EntryState = "delivered"
)

// Entry is one row of the rendered message list.
type Entry struct {
	model.Message
	State EntryState
}

// MergedPayload is the bus payload for message.merged events.
type MergedPayload struct {
	ConversationID string
	MessageID      string
}

// View is the shared message list for one conversation. All mutation
// goes through one mutex so the de-duplication set stays consistent
// across the merge goroutine and the outbound pipeline.
type View struct {
	conversationID string
	eventBus       *bus.Bus

	mu      sync.Mutex
	seen    map[string]struct{}
	entries []Entry
}

// NewView creates an empty view for a conversation.
func NewView(conversationID string, b *bus.Bus) *View {
	return &View{
		conversationID: conversationID,
		eventBus:       b,
		seen:           make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this view renders.
func (v *View) ConversationID() string { return v.conversationID }

// AddLocal inserts an optimistic entry before any network result.
func (v *View) AddLocal(m model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[m.ID]; ok {
		return
	}
	v.seen[m.ID] = struct{}{}
	v.insertLocked(Entry{Message: m, State: StateSending})
}

// Confirm upgrades an entry to delivered, replacing its content with
// the durable row. No-op if the entry was never added or already
// ingested via a delivery path.
func (v *View) Confirm(m model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.entries {
		if v.entries[i].ID == m.ID {
			v.entries[i] = Entry{Message: m, State: StateDelivered}
			return
		}
	}
}

// Requeue rebinds an optimistic entry to its offline-queue local ID and
// marks it queued. The old temporary ID disappears without trace. The
// entry is re-inserted because the ID is the created_at tie-breaker, so
// renaming it can move its position.
func (v *View) Requeue(tempID, localID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.entries {
		if v.entries[i].ID == tempID {
			e := v.entries[i]
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			delete(v.seen, tempID)
			v.seen[localID] = struct{}{}
			e.ID = localID
			e.State = StateQueued
			v.insertLocked(e)
			return
		}
	}
}

// Drop removes an entry without trace; the rollback path for a send
// that could neither persist nor queue.
func (v *View) Drop(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.seen, id)
	for i := range v.entries {
		if v.entries[i].ID == id {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			return
		}
	}
}

// Ingest merges a message arriving from either delivery path.
// A duplicate ID is discarded silently — unless it carries a read
// receipt or confirms a still-pending local entry, both of which apply
// idempotently. A new ID is inserted in (created_at, id) order.
func (v *View) Ingest(m model.Message) {
	v.mu.Lock()
	if _, ok := v.seen[m.ID]; ok {
		kind := ""
		for i := range v.entries {
			if v.entries[i].ID != m.ID {
				continue
			}
			if v.entries[i].State != StateDelivered {
				// Echo of our own send: the store clearly has it now.
				v.entries[i] = Entry{Message: m, State: StateDelivered}
				kind = bus.KindMessageDelivered
			} else if m.ReadAt > 0 && v.entries[i].ReadAt == 0 {
				v.entries[i].ReadAt = m.ReadAt
				kind = bus.KindMessageRead
			}
			break
		}
		v.mu.Unlock()
		if kind != "" {
			v.publish(kind, m.ID)
		}
		return
	}
	v.seen[m.ID] = struct{}{}
	v.insertLocked(Entry{Message: m, State: StateDelivered})
	v.mu.Unlock()
	v.publish(bus.KindMessageMerged, m.ID)
}

// ApplyRead marks the given messages read. Repeats are harmless; a
// receipt for an unknown ID is ignored.
func (v *View) ApplyRead(ids []string, readAt int64) {
	v.mu.Lock()
	changed := false
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range v.entries {
		if _, ok := want[v.entries[i].ID]; ok && v.entries[i].ReadAt == 0 {
			v.entries[i].ReadAt = readAt
			changed = true
		}
	}
	v.mu.Unlock()
	if changed {
		v.publish(bus.KindMessageRead, "")
	}
}

// Snapshot returns a copy of the ordered entry list.
func (v *View) Snapshot() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Len returns the number of rendered entries.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// insertLocked places e by (created_at, id) ascending. Ties on
// created_at break deterministically by id.
func (v *View) insertLocked(e Entry) {
	i := sort.Search(len(v.entries), func(i int) bool {
		o := v.entries[i]
		if o.CreatedAt != e.CreatedAt {
			return o.CreatedAt > e.CreatedAt
		}
		return o.ID > e.ID
	})
	v.entries = append(v.entries, Entry{})
	copy(v.entries[i+1:], v.entries[i:])
	v.entries[i] = e
}

func (v *View) publish(kind, messageID string) {
	if v.eventBus == nil {
		return
	}
	v.eventBus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   MergedPayload{ConversationID: v.conversationID, MessageID: messageID},
	})
}
