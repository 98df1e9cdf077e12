// Package broadcast is the ephemeral low-latency delivery path: a
// best-effort publish/subscribe fan-out scoped to a conversation. It
// carries no delivery guarantee at all; the change-feed on the durable
// store is the safety net for anything dropped here.
package broadcast

import "encoding/json"

// Events carried on conversation channels.
const (
	EventMessageNew  = "message.new"
	EventMessageRead = "message.read"
)

// ConversationChannel names the fan-out channel for a conversation.
func ConversationChannel(conversationID string) string {
	return "conv." + conversationID
}

// ReadNotice is the payload of an EventMessageRead frame.
type ReadNotice struct {
	MessageIDs []string `json:"message_ids"`
	ReadAt     int64    `json:"read_at"`
}

// Handler receives the raw payload of a matching frame.
type Handler func(payload json.RawMessage)

// Transport is a best-effort fan-out. Publish is fire-and-forget from
// the engine's point of view: an error means the frame certainly did
// not go out, a nil error means it probably did. Subscribe registers a
// handler for (channel, event) and returns an unsubscribe function;
// handlers must not block.
type Transport interface {
	Publish(channel, event string, payload any) error
	Subscribe(channel, event string, h Handler) (unsubscribe func())
}

// frame is the wire format in both directions.
type frame struct {
	Action  string          `json:"action,omitempty"` // subscribe, unsubscribe, publish
	Channel string          `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
