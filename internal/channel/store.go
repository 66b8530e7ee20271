// Package channel provides PostgreSQL-backed storage for chat channels.
package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinNameLength is the minimum length of a trimmed channel name.
const MinNameLength = 2

// ErrInvalidName is returned when a channel name is too short after trimming.
var ErrInvalidName = errors.New("channel: name must be at least 2 characters")

// Channel is one chat channel row.
type Channel struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Store manages channels in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a channel store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new channel and returns its generated ID. The name is
// trimmed and validated before the insert.
func (s *Store) Create(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < MinNameLength {
		return "", ErrInvalidName
	}

	const query = `INSERT INTO channels (name) VALUES ($1) RETURNING id`

	var id string
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&id); err != nil {
		return "", fmt.Errorf("channel: insert: %w", err)
	}
	return id, nil
}

// List returns all channels ordered by creation time.
func (s *Store) List(ctx context.Context) ([]Channel, error) {
	const query = `SELECT id, name, created_at FROM channels ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("channel: list: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("channel: scan: %w", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channel: list rows: %w", err)
	}
	return channels, nil
}

// Get returns one channel by ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Channel, error) {
	const query = `SELECT id, name, created_at FROM channels WHERE id = $1`

	var c Channel
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("channel: get %s: %w", id, err)
	}
	return &c, nil
}
