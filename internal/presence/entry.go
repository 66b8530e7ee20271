// Package presence tracks which users are currently typing in each channel.
// Typing state is ephemeral: it lives in Redis under per-channel keys, is
// refreshed by explicit typing signals, and is evicted by a background
// sweeper once a user has been silent for longer than the TTL. Every change
// is broadcast on a Redis pub/sub channel so that live subscribers on any
// server instance can push the new typer list to their clients.
package presence

import (
	"sort"
	"strings"
	"time"
)

const (
	// TypingKeyPrefix is the Redis key prefix for per-channel typing sets.
	TypingKeyPrefix = "typing:"

	// TypingTopic is the pub/sub channel carrying ChangeEvent payloads.
	TypingTopic = "typing"

	// TypingTTL is how long a typing entry survives without a refresh.
	// The sweeper runs on the same period.
	TypingTTL = 3 * time.Second
)

// TypingEntry records when a user last signalled that they are typing.
type TypingEntry struct {
	LastTyped time.Time `json:"lastTyped"`
}

// TypingSet maps username -> TypingEntry for one channel. An empty set is
// never stored: the channel key is deleted instead, so key absence always
// means "nobody typing".
type TypingSet map[string]TypingEntry

// Usernames returns the set's keys. Map iteration order is not deterministic;
// callers that need a stable order must sort.
func (s TypingSet) Usernames() []string {
	users := make([]string, 0, len(s))
	for username := range s {
		users = append(users, username)
	}
	return users
}

// ChangeEvent is the snapshot broadcast on TypingTopic whenever a channel's
// typing set may have changed. It exists only in transit.
type ChangeEvent struct {
	ChannelID string    `json:"channelId"`
	Who       TypingSet `json:"who"`
}

// Fingerprint returns a deterministic summary of a typer list, used by
// subscribers to suppress redundant notifications. Usernames are sorted
// byte-wise (Go's native string ordering), never by locale collation, so the
// result is stable across platforms.
func Fingerprint(usernames []string) string {
	sorted := make([]string, len(usernames))
	copy(sorted, usernames)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
