package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger is the authoritative store of per-channel typing state. It is the
// only component that writes typing keys and the only publisher of
// ChangeEvents, so a successful write can never race with a missing
// notification.
type Ledger struct {
	rdb *redis.Client
}

// NewLedger creates a Ledger backed by the given Redis client.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

// SetTyping upserts or removes the typing entry for username in the given
// channel and publishes a ChangeEvent. When typing is true the entry's
// LastTyped is set to now, so repeated calls only refresh the timestamp.
// When the resulting set is empty the channel key is deleted entirely.
func (l *Ledger) SetTyping(ctx context.Context, channelID, username string, typing bool) error {
	set, err := l.GetTyping(ctx, channelID)
	if err != nil {
		return err
	}

	if typing {
		set[username] = TypingEntry{LastTyped: time.Now()}
	} else {
		delete(set, username)
	}

	if err := l.WriteSet(ctx, channelID, set); err != nil {
		return err
	}

	return l.Publish(ctx, channelID)
}

// GetTyping returns the typing set for a channel. A missing key yields an
// empty set. A stored payload that fails to parse is treated the same way:
// typing state is ephemeral and the next write overwrites it, so corrupt
// data is logged and discarded rather than surfaced.
func (l *Ledger) GetTyping(ctx context.Context, channelID string) (TypingSet, error) {
	data, err := l.rdb.Get(ctx, TypingKeyPrefix+channelID).Bytes()
	if errors.Is(err, redis.Nil) {
		return TypingSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: get typing set channel=%s: %w", channelID, err)
	}

	var set TypingSet
	if err := json.Unmarshal(data, &set); err != nil {
		log.Printf("[presence] malformed typing set channel=%s, treating as empty: %v", channelID, err)
		return TypingSet{}, nil
	}
	return set, nil
}

// WriteSet persists a typing set, or deletes the channel key when the set is
// empty. Key absence, not an empty object, represents "nobody typing"; both
// the request path and the sweeper go through this single routine so the
// delete-when-empty policy cannot drift between them.
func (l *Ledger) WriteSet(ctx context.Context, channelID string, set TypingSet) error {
	key := TypingKeyPrefix + channelID

	if len(set) == 0 {
		if err := l.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("presence: delete typing set channel=%s: %w", channelID, err)
		}
		return nil
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("presence: marshal typing set channel=%s: %w", channelID, err)
	}
	if err := l.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("presence: write typing set channel=%s: %w", channelID, err)
	}
	return nil
}

// Publish reads the channel's current typing set and broadcasts it as a
// ChangeEvent on TypingTopic. Delivery is fire-and-forget: there is no
// acknowledgement and no cross-channel ordering guarantee.
func (l *Ledger) Publish(ctx context.Context, channelID string) error {
	set, err := l.GetTyping(ctx, channelID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ChangeEvent{ChannelID: channelID, Who: set})
	if err != nil {
		return fmt.Errorf("presence: marshal change event channel=%s: %w", channelID, err)
	}
	if err := l.rdb.Publish(ctx, TypingTopic, payload).Err(); err != nil {
		return fmt.Errorf("presence: publish change event channel=%s: %w", channelID, err)
	}
	return nil
}
