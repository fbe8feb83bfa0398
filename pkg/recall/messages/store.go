// Package messages tracks processed messages in the central database.
// The assistant uses it for duplicate suppression across restarts and for
// looking up the content a user replied to.
package messages

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Message is one sent or received chat message.
type Message struct {
	ID        string
	Platform  string
	Sender    string
	Direction string // "incoming" or "outgoing"
	Content   string
	CreatedAt time.Time
}

// Store persists messages keyed by platform message id.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a message store over an open database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "messages")}
}

// Record stores a message, replacing any previous row with the same id.
func (s *Store) Record(msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages (id, platform, sender, direction, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Platform, msg.Sender, msg.Direction, msg.Content,
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record message %s: %w", msg.ID, err)
	}
	return nil
}

// Get returns a message by id, or nil when unknown.
func (s *Store) Get(id string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, sender, direction, content, created_at
		FROM messages WHERE id = ?`, id)

	var msg Message
	var createdAt string
	err := row.Scan(&msg.ID, &msg.Platform, &msg.Sender, &msg.Direction, &msg.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &msg, nil
}

// IsProcessed reports whether a message id has been recorded before.
func (s *Store) IsProcessed(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", id, err)
	}
	return true, nil
}

// Cleanup deletes messages older than the given age and returns the number
// removed.
func (s *Store) Cleanup(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("old messages removed", "count", n)
	}
	return n, nil
}
