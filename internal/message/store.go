// Package message provides PostgreSQL-backed storage for channel messages.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentChars is the maximum message length in characters.
	MaxContentChars = 2000

	// DefaultHistoryLimit is how many recent messages History returns when
	// no explicit limit is given.
	DefaultHistoryLimit = 50
)

// ErrInvalidContent is returned for empty, oversized, or non-UTF-8 content.
var ErrInvalidContent = errors.New("message: invalid content")

// Message is one persisted channel message.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ValidateContent checks that message content meets the length and encoding
// requirements.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidContent, MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidContent)
	}
	return nil
}

// Create validates and inserts a message, returning the stored row.
func (s *Store) Create(ctx context.Context, channelID, userID, content string) (*Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	const query = `
		INSERT INTO messages (channel_id, user_id, content) VALUES ($1, $2, $3)
		RETURNING id, channel_id, user_id, content, created_at`

	var m Message
	err := s.db.QueryRowContext(ctx, query, channelID, userID, content).
		Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return &m, nil
}

// History returns the most recent messages in a channel, oldest first.
// A non-positive limit uses DefaultHistoryLimit.
func (s *Store) History(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	const query = `
		SELECT id, channel_id, user_id, content, created_at
		FROM (
			SELECT id, channel_id, user_id, content, created_at
			FROM messages WHERE channel_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("message: history %s: %w", channelID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: history rows: %w", err)
	}
	return messages, nil
}
