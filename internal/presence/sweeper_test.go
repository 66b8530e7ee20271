package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// seedTypingSet writes a typing set directly through the ledger's write
// routine with the given entry ages.
func seedTypingSet(t *testing.T, ledger *Ledger, channelID string, ages map[string]time.Duration) {
	t.Helper()
	set := TypingSet{}
	now := time.Now()
	for username, age := range ages {
		set[username] = TypingEntry{LastTyped: now.Add(-age)}
	}
	if err := ledger.WriteSet(context.Background(), channelID, set); err != nil {
		t.Fatalf("seed typing set: %v", err)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	sweeper := NewSweeper(client, ledger)
	ctx := context.Background()
	channelID := testChannel(t, client)

	seedTypingSet(t, ledger, channelID, map[string]time.Duration{
		"alice": 5 * time.Second, // stale
		"bob":   1 * time.Second, // fresh
	})

	if err := sweeper.sweepChannel(ctx, channelID); err != nil {
		t.Fatalf("sweepChannel() error: %v", err)
	}

	set, err := ledger.GetTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("GetTyping() error: %v", err)
	}
	if _, ok := set["alice"]; ok {
		t.Error("expected stale entry alice to be evicted")
	}
	if _, ok := set["bob"]; !ok {
		t.Error("expected fresh entry bob to survive the sweep")
	}
}

func TestSweepDeletesKeyWhenAllStale(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	sweeper := NewSweeper(client, ledger)
	ctx := context.Background()
	channelID := testChannel(t, client)

	seedTypingSet(t, ledger, channelID, map[string]time.Duration{
		"alice": 4 * time.Second,
		"bob":   6 * time.Second,
	})

	if err := sweeper.sweepChannel(ctx, channelID); err != nil {
		t.Fatalf("sweepChannel() error: %v", err)
	}

	err := client.Get(ctx, TypingKeyPrefix+channelID).Err()
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected typing key to be deleted, got err=%v", err)
	}
}

func TestSweepPublishesOnEviction(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	sweeper := NewSweeper(client, ledger)
	ctx := context.Background()
	channelID := testChannel(t, client)

	seedTypingSet(t, ledger, channelID, map[string]time.Duration{
		"alice": 5 * time.Second,
	})

	pubsub := client.Subscribe(ctx, TypingTopic)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sweeper.sweepChannel(ctx, channelID); err != nil {
		t.Fatalf("sweepChannel() error: %v", err)
	}

	select {
	case <-pubsub.Channel():
		// Eviction produced a change event.
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change event after eviction")
	}
}

func TestSweepNoStaleNoWriteNoPublish(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	sweeper := NewSweeper(client, ledger)
	ctx := context.Background()
	channelID := testChannel(t, client)

	seedTypingSet(t, ledger, channelID, map[string]time.Duration{
		"alice": 500 * time.Millisecond,
	})

	pubsub := client.Subscribe(ctx, TypingTopic)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sweeper.sweepChannel(ctx, channelID); err != nil {
		t.Fatalf("sweepChannel() error: %v", err)
	}

	// Fresh-only channels must not generate notification traffic.
	select {
	case msg := <-pubsub.Channel():
		t.Fatalf("unexpected change event: %s", msg.Payload)
	case <-time.After(300 * time.Millisecond):
	}

	set, _ := ledger.GetTyping(ctx, channelID)
	if _, ok := set["alice"]; !ok {
		t.Error("expected alice to survive a no-op sweep")
	}
}

func TestSweepScanFindsAllChannels(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	sweeper := NewSweeper(client, ledger)
	ctx := context.Background()

	channelA := testChannel(t, client)
	channelB := testChannel(t, client)
	seedTypingSet(t, ledger, channelA, map[string]time.Duration{"alice": 5 * time.Second})
	seedTypingSet(t, ledger, channelB, map[string]time.Duration{"bob": 5 * time.Second})

	sweeper.sweep(ctx)

	for _, channelID := range []string{channelA, channelB} {
		err := client.Get(ctx, TypingKeyPrefix+channelID).Err()
		if !errors.Is(err, redis.Nil) {
			t.Errorf("channel %s: expected key deleted after sweep, got err=%v", channelID, err)
		}
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	sweeper := NewSweeper(client, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
