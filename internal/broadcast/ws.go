package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrDisconnected is returned by Publish while the relay link is down.
var ErrDisconnected = errors.New("broadcast: not connected")

const (
	writeTimeout     = 5 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

type subKey struct {
	channel string
	event   string
}

// WSTransport is the websocket client for the courier relay. It keeps a
// single connection, re-dials with backoff when it drops, and re-issues
// channel subscriptions after every reconnect. Frames that arrive while
// down are simply lost, which is the transport's contract.
type WSTransport struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[subKey]map[int]Handler
	nextID    int
	channels  map[string]int // channel -> subscription refcount
	onState   func(connected bool)
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSTransport creates a transport for the given relay websocket URL.
// Call Start to begin connecting.
func NewWSTransport(url string, logger *zap.Logger) *WSTransport {
	return &WSTransport{
		url:      url,
		logger:   logger,
		handlers: make(map[subKey]map[int]Handler),
		channels: make(map[string]int),
		done:     make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked on connect and disconnect.
// Must be called before Start.
func (t *WSTransport) OnStateChange(fn func(connected bool)) {
	t.onState = fn
}

// Start launches the connect/reconnect loop.
func (t *WSTransport) Start() {
	go t.run()
}

// Close tears the connection down and stops reconnecting.
func (t *WSTransport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()
		close(t.done)
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (t *WSTransport) run() {
	backoff := reconnectInitial
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err != nil {
			t.logger.Warn("relay dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-t.done:
				return
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectInitial

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		resub := make([]string, 0, len(t.channels))
		for ch := range t.channels {
			resub = append(resub, ch)
		}
		t.mu.Unlock()

		t.logger.Info("relay connected", zap.String("url", t.url))
		for _, ch := range resub {
			_ = t.writeFrame(frame{Action: "subscribe", Channel: ch})
		}
		if t.onState != nil {
			t.onState(true)
		}

		t.readLoop(conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = conn.Close()
		if t.onState != nil {
			t.onState(false)
		}
		t.logger.Warn("relay disconnected")
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		t.dispatch(f)
	}
}

func (t *WSTransport) dispatch(f frame) {
	t.mu.Lock()
	entries := t.handlers[subKey{f.Channel, f.Event}]
	hs := make([]Handler, 0, len(entries))
	for _, h := range entries {
		hs = append(hs, h)
	}
	t.mu.Unlock()

	for _, h := range hs {
		h(f.Payload)
	}
}

// Publish sends one frame to the relay. Best effort: the relay may
// still drop it downstream even on nil error.
func (t *WSTransport) Publish(channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return t.writeFrame(frame{Action: "publish", Channel: channel, Event: event, Payload: raw})
}

// Subscribe registers a handler for (channel, event) frames. The
// returned function removes the handler and, when it was the channel's
// last one, tells the relay to stop fanning the channel out to us.
func (t *WSTransport) Subscribe(channel, event string, h Handler) func() {
	key := subKey{channel, event}

	t.mu.Lock()
	if t.handlers[key] == nil {
		t.handlers[key] = make(map[int]Handler)
	}
	id := t.nextID
	t.nextID++
	t.handlers[key][id] = h
	t.channels[channel]++
	first := t.channels[channel] == 1
	t.mu.Unlock()

	if first {
		_ = t.writeFrame(frame{Action: "subscribe", Channel: channel})
	}

	return func() {
		t.mu.Lock()
		delete(t.handlers[key], id)
		if len(t.handlers[key]) == 0 {
			delete(t.handlers, key)
		}
		t.channels[channel]--
		last := t.channels[channel] == 0
		if last {
			delete(t.channels, channel)
		}
		t.mu.Unlock()
		if last {
			_ = t.writeFrame(frame{Action: "unsubscribe", Channel: channel})
		}
	}
}

// writeFrame serializes writers through the lock; gorilla connections
// allow only one concurrent writer.
func (t *WSTransport) writeFrame(f frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrDisconnected
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(f)
}
