package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Loopback is an in-process Transport. It fans frames out to every
// subscriber of the channel, including the publisher, synchronously.
// Used by tests and by single-process deployments where both
// participants run in one daemon.
type Loopback struct {
	mu     sync.Mutex
	subs   map[subKey]map[int]Handler
	nextID int
	drop   bool
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[subKey]map[int]Handler)}
}

// SetDropAll makes Publish silently discard every frame while still
// returning nil, simulating the transport's no-guarantee contract.
func (l *Loopback) SetDropAll(drop bool) {
	l.mu.Lock()
	l.drop = drop
	l.mu.Unlock()
}

// Publish delivers the frame to all current subscribers.
func (l *Loopback) Publish(channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	if l.drop {
		l.mu.Unlock()
		return nil
	}
	entries := l.subs[subKey{channel, event}]
	hs := make([]Handler, 0, len(entries))
	for _, h := range entries {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	for _, h := range hs {
		h(raw)
	}
	return nil
}

// Subscribe registers a handler for (channel, event).
func (l *Loopback) Subscribe(channel, event string, h Handler) func() {
	key := subKey{channel, event}
	l.mu.Lock()
	if l.subs[key] == nil {
		l.subs[key] = make(map[int]Handler)
	}
	id := l.nextID
	l.nextID++
	l.subs[key][id] = h
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs[key], id)
		l.mu.Unlock()
	}
}
