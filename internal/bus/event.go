package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix,
// e.g. "message." matches every message event.
const (
	KindMessageMerged    = "message.merged"
	KindMessageRead      = "message.read"
	KindMessageQueued    = "message.queued"
	KindMessageDelivered = "message.delivered"
	KindMessageFailed    = "message.send_failed"
	KindQueueDrained     = "queue.drained"
	KindPresenceUpdated  = "presence.updated"
	KindConnChanged      = "conn.status_changed"
	KindRosterChanged    = "roster.changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
