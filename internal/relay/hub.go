// Package relay is the broadcast fan-out server: clients connect over
// a websocket, subscribe to channels, and publish frames that fan out
// to every other subscriber of the channel. The relay holds no state
// beyond live subscriptions and makes no delivery promise; clients
// recover anything lost here from the durable store.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	// sendBuf bounds the per-client outbound buffer. A slow client
	// drops frames rather than stalling the hub.
	sendBuf = 64
)

// frame is the wire format in both directions.
type frame struct {
	Action  string          `json:"action,omitempty"` // subscribe, unsubscribe, publish
	Channel string          `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]struct{}
}

// Hub routes published frames to channel subscribers.
type Hub struct {
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		channels: make(map[string]map[*client]struct{}),
	}
}

// ClientCount reports the number of live subscriptions on a channel.
func (h *Hub) ClientCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) subscribe(c *client, channel string) {
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*client]struct{})
	}
	h.channels[channel][c] = struct{}{}
	c.channels[channel] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	h.dropLocked(c, channel)
	delete(c.channels, channel)
	h.mu.Unlock()
}

// drop removes a disconnected client from every channel it joined and
// closes its send buffer. Closing under the lock keeps publish from
// racing a send against the close.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	for channel := range c.channels {
		h.dropLocked(c, channel)
	}
	close(c.send)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *client, channel string) {
	subs := h.channels[channel]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// publish fans raw out to every subscriber of the channel except the
// sender. Best effort: a full client buffer drops the frame. Sends are
// non-blocking, so running them under the lock is safe and keeps them
// ordered against drop's channel close.
func (h *Hub) publish(sender *client, channel string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels[channel] {
		if c == sender {
			continue
		}
		select {
		case c.send <- raw:
		default:
			h.logger.Debug("slow subscriber, frame dropped",
				zap.String("channel", channel))
		}
	}
}

// serve runs a connected client until its socket dies.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuf),
		channels: make(map[string]struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

func (c *client) readLoop() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.hub.logger.Warn("bad frame", zap.Error(err))
			continue
		}
		if f.Channel == "" {
			continue
		}
		switch f.Action {
		case "subscribe":
			c.hub.subscribe(c, f.Channel)
		case "unsubscribe":
			c.hub.unsubscribe(c, f.Channel)
		case "publish":
			c.hub.publish(c, f.Channel, raw)
		default:
			c.hub.logger.Warn("unknown action", zap.String("action", f.Action))
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
