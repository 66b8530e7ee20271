// Package user provides PostgreSQL-backed storage for user accounts with a
// Redis write-through cache. Users are looked up both by ID and by wallet
// address; both lookups are cached:
//
//	Key:   user:id:<id> and user:address:<address>
//	Value: JSON-encoded user row
//	TTL:   1 hour
package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheIDPrefix and CacheAddressPrefix are the Redis key prefixes for
	// the two cached lookup paths.
	CacheIDPrefix      = "user:id:"
	CacheAddressPrefix = "user:address:"

	// CacheTTL is the time-to-live for cached user rows.
	CacheTTL = 1 * time.Hour

	// MaxPageSize caps the limit accepted by List.
	MaxPageSize = 100
)

// ErrNotFound is returned by Update and Delete when no row matches the ID.
var ErrNotFound = errors.New("user: not found")

// User is one account row.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store manages users in PostgreSQL with Redis caching. Cache failures are
// logged and otherwise ignored: the database is the source of truth and a
// cold cache only costs a query.
type Store struct {
	db  *sql.DB
	rdb *redis.Client
}

// NewStore creates a user store backed by the given database handle and
// Redis client.
func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// Create inserts a new user and caches the result.
func (s *Store) Create(ctx context.Context, name, address string) (*User, error) {
	const query = `
		INSERT INTO users (name, address) VALUES ($1, $2)
		RETURNING id, name, address, created_at`

	var u User
	err := s.db.QueryRowContext(ctx, query, name, address).
		Scan(&u.ID, &u.Name, &u.Address, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("user: insert: %w", err)
	}

	s.cache(ctx, &u)
	return &u, nil
}

// GetByID returns a user by ID, consulting the cache first. Returns nil if
// the user does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	if u := s.cached(ctx, CacheIDPrefix+id); u != nil {
		return u, nil
	}

	const query = `SELECT id, name, address, created_at FROM users WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

// GetByAddress returns a user by wallet address, consulting the cache first.
// Returns nil if the user does not exist.
func (s *Store) GetByAddress(ctx context.Context, address string) (*User, error) {
	if u := s.cached(ctx, CacheAddressPrefix+address); u != nil {
		return u, nil
	}

	const query = `SELECT id, name, address, created_at FROM users WHERE address = $1`
	return s.queryOne(ctx, query, address)
}

// List returns users ordered by creation time with limit/offset pagination.
// A non-positive limit defaults to MaxPageSize; larger limits are capped.
func (s *Store) List(ctx context.Context, limit, offset int) ([]User, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	const query = `
		SELECT id, name, address, created_at FROM users
		ORDER BY created_at LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("user: list: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Address, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("user: scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user: list rows: %w", err)
	}
	return users, nil
}

// UpdateName changes a user's display name and refreshes the cache.
func (s *Store) UpdateName(ctx context.Context, id, name string) (*User, error) {
	const query = `
		UPDATE users SET name = $2 WHERE id = $1
		RETURNING id, name, address, created_at`

	var u User
	err := s.db.QueryRowContext(ctx, query, id, name).
		Scan(&u.ID, &u.Name, &u.Address, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: update %s: %w", id, err)
	}

	s.cache(ctx, &u)
	return &u, nil
}

// Delete removes a user and invalidates both cache entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM users WHERE id = $1 RETURNING address`

	var address string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("user: delete %s: %w", id, err)
	}

	if err := s.rdb.Del(ctx, CacheIDPrefix+id, CacheAddressPrefix+address).Err(); err != nil {
		log.Printf("[user] cache invalidation for %s: %v", id, err)
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Name, &u.Address, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user: query: %w", err)
	}

	s.cache(ctx, &u)
	return &u, nil
}

func (s *Store) cache(ctx context.Context, u *User) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Printf("[user] cache marshal %s: %v", u.ID, err)
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, CacheIDPrefix+u.ID, data, CacheTTL)
	pipe.Set(ctx, CacheAddressPrefix+u.Address, data, CacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[user] cache write %s: %v", u.ID, err)
	}
}

func (s *Store) cached(ctx context.Context, key string) *User {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.Printf("[user] cache read %s: %v", key, err)
		return nil
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		log.Printf("[user] cache decode %s: %v", key, err)
		return nil
	}
	return &u
}
