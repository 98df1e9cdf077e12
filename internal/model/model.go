package model

// Message is a durable direct message. Messages are immutable once
// persisted except for ReadAt, which moves from zero to a timestamp
// exactly once. IDs are caller-assigned UUIDs; timestamps are unix
// milliseconds.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
	ReadAt         int64  `json:"read_at"` // 0 = unread
}

// Read reports whether the message has been marked read.
func (m *Message) Read() bool { return m.ReadAt > 0 }

// Conversation links exactly two participants. Created lazily on the
// first message between them; the ID is stable afterwards.
type Conversation struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	LastMessageAt int64
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// QueuedMessage is an outbound message waiting in the offline queue.
// LocalID doubles as the durable message ID once the entry is drained,
// which is what makes repeated drain attempts idempotent.
type QueuedMessage struct {
	LocalID        string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64 // compose time, preserved through the queue
	EnqueuedAt     int64
	AttemptCount   int
}

// PresenceRecord is the last announced online state of a user.
// Readers must apply a staleness threshold on top of IsOnline: a crashed
// client never writes its final offline record.
type PresenceRecord struct {
	UserID    string `json:"user_id"`
	IsOnline  bool   `json:"is_online"`
	UpdatedAt int64  `json:"updated_at"`
}

// ConversationSummary is the derived per-conversation roster row.
// Never persisted, always recomputed.
type ConversationSummary struct {
	ConversationID   string
	OtherParticipant string
	LastMessage      *Message
	UnreadCount      int
	OtherOnline      bool
}
