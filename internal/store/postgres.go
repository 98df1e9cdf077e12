// Package store is the client's view of the shared durable store: the
// single source of truth for messages, conversations and presence. Two
// clients never coordinate through locks, only through idempotent
// writes here plus the change-feed in feed.go.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/model"
	"github.com/courier-im/courier/internal/store/migrations"
)

// ErrAggregateUnsupported is returned by stores that cannot run the
// one-pass conversation summary query; callers fall back to
// per-conversation queries.
var ErrAggregateUnsupported = errors.New("aggregate summary query unsupported")

const opTimeout = 5 * time.Second

// Store wraps a Postgres connection to the shared durable store.
type Store struct {
	db     *sql.DB
	dsn    string
	logger *zap.Logger
}

// Open connects to Postgres and runs pending migrations.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	s := &Store{db: db, dsn: dsn, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping probes store reachability; the connectivity machine calls this.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// EnsureConversation creates the conversation if the pair has none yet
// and returns its stable ID. Conversations are created lazily on the
// first message between two users.
func (s *Store) EnsureConversation(ctx context.Context, id, participantA, participantB string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations
		WHERE LEAST(participant_a, participant_b) = LEAST($1, $2)
		  AND GREATEST(participant_a, participant_b) = GREATEST($1, $2)`,
		participantA, participantB).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, last_message_at)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT DO NOTHING`,
		id, participantA, participantB)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	// A concurrent creator may have won the conflict; read back the winner.
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations
		WHERE LEAST(participant_a, participant_b) = LEAST($1, $2)
		  AND GREATEST(participant_a, participant_b) = GREATEST($1, $2)`,
		participantA, participantB).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("read back conversation: %w", err)
	}
	return existing, nil
}

// GetConversation returns a conversation by ID, or nil if absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, last_message_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateMessage persists a message, idempotent on the caller-assigned
// ID. Returns whether a new row was written; a repeated persist of the
// same ID is a no-op, which is what makes drain retries safe.
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, read_at)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	inserted := n == 1

	if inserted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message_at = GREATEST(last_message_at, $2)
			WHERE id = $1`, m.ConversationID, m.CreatedAt); err != nil {
			return false, fmt.Errorf("bump conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetMessage returns a message by ID, or nil if absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns every message of a conversation ordered by
// (created_at, id) ascending.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead sets read_at for each given message, idempotently: a message
// already read keeps its original read_at.
func (s *Store) MarkRead(ctx context.Context, ids []string, readAt int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = $2
		WHERE id = ANY($1) AND read_at = 0`,
		pq.Array(ids), readAt)
	return err
}

// ListConversationSummaries runs the one-pass aggregate roster query:
// the other participant, last message and unread count per conversation,
// ordered by last activity descending. Unread counts messages the viewer
// did not send that have no read_at yet.
func (s *Store) ListConversationSummaries(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id,
			CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END AS other,
			m.id, m.sender_id, m.content, m.created_at, m.read_at,
			(SELECT COUNT(*) FROM messages u
			 WHERE u.conversation_id = c.id AND u.sender_id <> $1 AND u.read_at = 0) AS unread
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, created_at, read_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) m ON true
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.last_message_at DESC`, viewerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []model.ConversationSummary
	for rows.Next() {
		var (
			sum       model.ConversationSummary
			lastID    sql.NullString
			sender    sql.NullString
			content   sql.NullString
			createdAt sql.NullInt64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&sum.ConversationID, &sum.OtherParticipant,
			&lastID, &sender, &content, &createdAt, &readAt, &sum.UnreadCount); err != nil {
			return nil, err
		}
		if lastID.Valid {
			sum.LastMessage = &model.Message{
				ID:             lastID.String,
				ConversationID: sum.ConversationID,
				SenderID:       sender.String,
				Content:        content.String,
				CreatedAt:      createdAt.Int64,
				ReadAt:         readAt.Int64,
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// ListConversations returns the viewer's conversations, newest activity
// first. Part of the slow roster fallback path.
func (s *Store) ListConversations(ctx context.Context, viewerID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_a, participant_b, last_message_at
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_message_at DESC`, viewerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// LastMessage returns the newest message of a conversation, or nil.
// Part of the slow roster fallback path.
func (s *Store) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	var m model.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, conversationID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UnreadCount counts unread messages not sent by the viewer.
// Part of the slow roster fallback path.
func (s *Store) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at = 0`,
		conversationID, viewerID).Scan(&n)
	return n, err
}

// UpsertPresence writes a presence record, last writer wins.
func (s *Store) UpsertPresence(ctx context.Context, rec model.PresenceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, is_online, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			is_online = excluded.is_online,
			updated_at = excluded.updated_at`,
		rec.UserID, rec.IsOnline, rec.UpdatedAt)
	return err
}

// GetPresence returns the presence record for a user, or nil if the
// user never announced presence.
func (s *Store) GetPresence(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	var rec model.PresenceRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, is_online, updated_at FROM presence WHERE user_id = $1`, userID).
		Scan(&rec.UserID, &rec.IsOnline, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
