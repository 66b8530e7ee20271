package presence

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulse/chat-server/internal/metrics"
)

// SweepInterval is how often the sweeper scans for stale typing entries.
// It equals the TTL, so an abandoned entry is gone within at most
// TypingTTL + SweepInterval of its last refresh.
const SweepInterval = TypingTTL

// Sweeper periodically evicts typing entries whose last refresh is older
// than the TTL. It is the only cleanup mechanism: the request path never
// expires entries on read.
type Sweeper struct {
	rdb    *redis.Client
	ledger *Ledger
}

// NewSweeper creates a Sweeper that shares the given ledger's write and
// publish paths.
func NewSweeper(rdb *redis.Client, ledger *Ledger) *Sweeper {
	return &Sweeper{rdb: rdb, ledger: ledger}
}

// Run executes sweep passes on a fixed ticker until ctx is cancelled. It is
// meant to be started once per process in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep enumerates all channels with a typing set and expires each one
// independently. A failure on one channel is logged and must not delay or
// abort the others, so no state is shared across iterations.
func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()

	iter := s.rdb.Scan(ctx, 0, TypingKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		channelID := strings.TrimPrefix(iter.Val(), TypingKeyPrefix)
		if err := s.sweepChannel(ctx, channelID); err != nil {
			log.Printf("[sweeper] channel=%s: %v", channelID, err)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("[sweeper] scan: %v", err)
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

// sweepChannel removes entries older than the TTL from one channel's set.
// When nothing is stale it makes no writes and publishes nothing, so idle
// channels do not generate notification traffic.
func (s *Sweeper) sweepChannel(ctx context.Context, channelID string) error {
	set, err := s.ledger.GetTyping(ctx, channelID)
	if err != nil {
		return err
	}

	now := time.Now()
	evicted := 0
	for username, entry := range set {
		if now.Sub(entry.LastTyped) > TypingTTL {
			delete(set, username)
			evicted++
		}
	}

	if evicted == 0 {
		return nil
	}

	if err := s.ledger.WriteSet(ctx, channelID, set); err != nil {
		return err
	}
	metrics.SweptEntries.Add(float64(evicted))

	return s.ledger.Publish(ctx, channelID)
}
