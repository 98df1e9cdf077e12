// Package queue is the durable offline queue for outbound messages.
// Entries are the record of "messages the user believes they sent";
// losing one across a process restart is a correctness bug, so the
// queue lives in its own SQLite database rather than in memory.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/courier-im/courier/internal/model"
	"github.com/courier-im/courier/internal/queue/migrations"
)

// Store is the SQLite-backed offline queue. FIFO across conversations
// by enqueue time, which also yields FIFO within each conversation.
type Store struct {
	db *sql.DB
}

// Open creates the queue database with WAL mode and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Enqueue appends a message to the queue and returns its local ID.
// The local ID becomes the durable message ID on a successful drain,
// so reattempted persists collapse into one durable row.
func (s *Store) Enqueue(conversationID, senderID, content string, createdAt int64) (string, error) {
	localID := uuid.New().String()
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO queued_messages (local_id, conversation_id, sender_id, content, created_at, enqueued_at, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		localID, conversationID, senderID, content, createdAt, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return localID, nil
}

// Pending returns all queued entries in global insertion order. rowid
// is the ordering key: enqueued_at only has millisecond resolution, so
// a burst of sends would tie on it.
func (s *Store) Pending() ([]model.QueuedMessage, error) {
	rows, err := s.db.Query(`
		SELECT local_id, conversation_id, sender_id, content, created_at, enqueued_at, attempt_count
		FROM queued_messages ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []model.QueuedMessage
	for rows.Next() {
		var q model.QueuedMessage
		if err := rows.Scan(&q.LocalID, &q.ConversationID, &q.SenderID, &q.Content, &q.CreatedAt, &q.EnqueuedAt, &q.AttemptCount); err != nil {
			return nil, err
		}
		entries = append(entries, q)
	}
	return entries, rows.Err()
}

// Remove deletes an entry after its message was durably persisted.
func (s *Store) Remove(localID string) error {
	_, err := s.db.Exec(`DELETE FROM queued_messages WHERE local_id = ?`, localID)
	return err
}

// Bump increments the attempt counter for a failed delivery.
func (s *Store) Bump(localID string) error {
	_, err := s.db.Exec(`UPDATE queued_messages SET attempt_count = attempt_count + 1 WHERE local_id = ?`, localID)
	return err
}

// Length returns the number of queued entries.
func (s *Store) Length() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queued_messages`).Scan(&n)
	return n, err
}
