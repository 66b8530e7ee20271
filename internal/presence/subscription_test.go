package presence

import (
	"context"
	"sort"
	"testing"
	"time"
)

// recv waits for the next value on a subscription with a timeout.
func recv(t *testing.T, sub *Subscription, timeout time.Duration) []string {
	t.Helper()
	select {
	case users, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed unexpectedly: %v", sub.Err())
		}
		return users
	case <-time.After(timeout):
		t.Fatal("timed out waiting for subscription value")
		return nil
	}
}

func TestSubscriptionImmediateSnapshot(t *testing.T) {
	client := newTestClient(t)
	svc := NewService(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	for _, u := range []string{"alice", "bob"} {
		if err := svc.UpdateTypingStatus(ctx, channelID, u, true); err != nil {
			t.Fatalf("UpdateTypingStatus(%s) error: %v", u, err)
		}
	}

	sub, err := svc.SubscribeToTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("SubscribeToTyping() error: %v", err)
	}
	defer sub.Close()

	// The current state must already be buffered; no external event needed.
	users := recv(t, sub, 100*time.Millisecond)
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected [alice bob] as first value, got %v", users)
	}
}

func TestSubscriptionReceivesChange(t *testing.T) {
	client := newTestClient(t)
	svc := NewService(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	sub, err := svc.SubscribeToTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("SubscribeToTyping() error: %v", err)
	}
	defer sub.Close()

	if users := recv(t, sub, 100*time.Millisecond); len(users) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", users)
	}

	if err := svc.UpdateTypingStatus(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("UpdateTypingStatus() error: %v", err)
	}

	users := recv(t, sub, 2*time.Second)
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected [alice], got %v", users)
	}
}

func TestSubscriptionDuplicateSuppression(t *testing.T) {
	client := newTestClient(t)
	svc := NewService(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	sub, err := svc.SubscribeToTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("SubscribeToTyping() error: %v", err)
	}
	defer sub.Close()
	recv(t, sub, 100*time.Millisecond) // initial snapshot

	if err := svc.UpdateTypingStatus(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("UpdateTypingStatus() error: %v", err)
	}
	recv(t, sub, 2*time.Second) // [alice]

	// A second publish with an unchanged typer set (e.g. a refresh, or two
	// sweepers racing) must not reach the client.
	if err := svc.Ledger().Publish(ctx, channelID); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case users, ok := <-sub.C:
		if ok {
			t.Fatalf("expected duplicate to be suppressed, got %v", users)
		}
		t.Fatalf("subscription closed unexpectedly: %v", sub.Err())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSubscriptionEmitsAfterEviction(t *testing.T) {
	client := newTestClient(t)
	svc := NewService(client)
	ledger := svc.Ledger()
	sweeper := NewSweeper(client, ledger)
	ctx := context.Background()
	channelID := testChannel(t, client)

	if err := svc.UpdateTypingStatus(ctx, channelID, "bob", true); err != nil {
		t.Fatalf("UpdateTypingStatus() error: %v", err)
	}

	sub, err := svc.SubscribeToTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("SubscribeToTyping() error: %v", err)
	}
	defer sub.Close()
	recv(t, sub, 100*time.Millisecond) // [bob]

	// Backdate bob past the TTL and sweep; the subscriber must observe the
	// transition to an empty set.
	seedTypingSet(t, ledger, channelID, map[string]time.Duration{
		"bob": TypingTTL + time.Second,
	})
	if err := sweeper.sweepChannel(ctx, channelID); err != nil {
		t.Fatalf("sweepChannel() error: %v", err)
	}

	users := recv(t, sub, 2*time.Second)
	if len(users) != 0 {
		t.Fatalf("expected empty typer list after eviction, got %v", users)
	}
}

func TestSubscriptionCloseDuringWait(t *testing.T) {
	client := newTestClient(t)
	svc := NewService(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	sub, err := svc.SubscribeToTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("SubscribeToTyping() error: %v", err)
	}
	recv(t, sub, 100*time.Millisecond)

	// Close while the loop is suspended waiting for an event.
	done := make(chan struct{})
	go func() {
		sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return while subscription was mid-wait")
	}

	if _, ok := <-sub.C; ok {
		t.Fatal("expected C to be closed after Close()")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("expected nil terminal error after explicit Close, got %v", err)
	}
}

func TestSubscriptionIndependence(t *testing.T) {
	client := newTestClient(t)
	svc := NewService(client)
	ctx := context.Background()
	channelA := testChannel(t, client)
	channelB := testChannel(t, client)

	// Subscriber on A that never consumes past the initial snapshot.
	slow, err := svc.SubscribeToTyping(ctx, channelA)
	if err != nil {
		t.Fatalf("SubscribeToTyping(A) error: %v", err)
	}
	defer slow.Close()

	fast, err := svc.SubscribeToTyping(ctx, channelB)
	if err != nil {
		t.Fatalf("SubscribeToTyping(B) error: %v", err)
	}
	defer fast.Close()
	recv(t, fast, 100*time.Millisecond)

	// Stall A with several changes it never reads, then mutate B.
	for i := 0; i < 5; i++ {
		user := string(rune('a'+i)) + "-typer"
		if err := svc.UpdateTypingStatus(ctx, channelA, user, true); err != nil {
			t.Fatalf("UpdateTypingStatus(A) error: %v", err)
		}
	}
	if err := svc.UpdateTypingStatus(ctx, channelB, "bob", true); err != nil {
		t.Fatalf("UpdateTypingStatus(B) error: %v", err)
	}

	users := recv(t, fast, 2*time.Second)
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("expected prompt [bob] on channel B despite stalled A subscriber, got %v", users)
	}
}

func TestHeartbeat(t *testing.T) {
	hb := NewHeartbeat(context.Background(), 50*time.Millisecond)

	// First value is delivered without waiting for the interval.
	select {
	case n, ok := <-hb.C:
		if !ok {
			t.Fatal("heartbeat closed immediately")
		}
		if n < 0 || n >= 1000 {
			t.Fatalf("expected value in [0,1000), got %d", n)
		}
	case <-time.After(20 * time.Millisecond):
		t.Fatal("first heartbeat value was not immediate")
	}

	// Subsequent values arrive on the interval.
	for i := 0; i < 3; i++ {
		select {
		case n := <-hb.C:
			if n < 0 || n >= 1000 {
				t.Fatalf("expected value in [0,1000), got %d", n)
			}
		case <-time.After(time.Second):
			t.Fatal("heartbeat stopped emitting")
		}
	}

	hb.Close()
	if _, ok := <-hb.C; ok {
		t.Fatal("expected heartbeat channel to be closed after Close()")
	}
}

func TestHeartbeatRestartIsIndependent(t *testing.T) {
	first := NewHeartbeat(context.Background(), time.Hour)
	<-first.C
	first.Close()

	// A new heartbeat starts its own timer: the first value must again be
	// immediate rather than waiting out the previous interval.
	second := NewHeartbeat(context.Background(), time.Hour)
	defer second.Close()
	select {
	case <-second.C:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("restarted heartbeat did not emit immediately")
	}
}
