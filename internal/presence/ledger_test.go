package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestClient connects to a local Redis instance, skipping the test when
// none is available. Tests that call this helper require a running Redis on
// localhost:6379.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// testChannel returns a fresh channel ID and registers cleanup of its
// typing key.
func testChannel(t *testing.T, client *redis.Client) string {
	t.Helper()
	id := uuid.New().String()
	t.Cleanup(func() {
		client.Del(context.Background(), TypingKeyPrefix+id)
	})
	return id
}

func TestSetTypingAndGet(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	if err := ledger.SetTyping(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("SetTyping() error: %v", err)
	}

	set, err := ledger.GetTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("GetTyping() error: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected 1 typer, got %d", len(set))
	}
	if _, ok := set["alice"]; !ok {
		t.Fatal("expected alice in typing set")
	}
}

func TestSetTypingStopDeletesKey(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	if err := ledger.SetTyping(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("SetTyping(true) error: %v", err)
	}
	if err := ledger.SetTyping(ctx, channelID, "alice", false); err != nil {
		t.Fatalf("SetTyping(false) error: %v", err)
	}

	set, err := ledger.GetTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("GetTyping() error: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %d typers", len(set))
	}

	// Nobody typing must be represented by key absence, not an empty object.
	err = client.Get(ctx, TypingKeyPrefix+channelID).Err()
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected typing key to be absent, got err=%v", err)
	}
}

func TestSetTypingIdempotentRefresh(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	if err := ledger.SetTyping(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("first SetTyping() error: %v", err)
	}
	set, _ := ledger.GetTyping(ctx, channelID)
	first := set["alice"].LastTyped

	time.Sleep(20 * time.Millisecond)

	if err := ledger.SetTyping(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("second SetTyping() error: %v", err)
	}
	set, err := ledger.GetTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("GetTyping() error: %v", err)
	}

	if len(set) != 1 {
		t.Fatalf("expected exactly 1 entry after repeated SetTyping, got %d", len(set))
	}
	if !set["alice"].LastTyped.After(first) {
		t.Errorf("expected LastTyped to be refreshed: first=%v second=%v", first, set["alice"].LastTyped)
	}
}

func TestGetTypingMissingKey(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)

	set, err := ledger.GetTyping(context.Background(), testChannel(t, client))
	if err != nil {
		t.Fatalf("GetTyping() error: %v", err)
	}
	if set == nil {
		t.Fatal("expected non-nil empty set, got nil")
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %d typers", len(set))
	}
}

func TestGetTypingMalformedPayload(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	if err := client.Set(ctx, TypingKeyPrefix+channelID, "not json", 0).Err(); err != nil {
		t.Fatalf("seed malformed payload: %v", err)
	}

	// Corrupt ephemeral state self-heals: treated as absent, never an error.
	set, err := ledger.GetTyping(ctx, channelID)
	if err != nil {
		t.Fatalf("GetTyping() error: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set for malformed payload, got %d typers", len(set))
	}

	// The next write overwrites the garbage.
	if err := ledger.SetTyping(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("SetTyping() error: %v", err)
	}
	set, _ = ledger.GetTyping(ctx, channelID)
	if _, ok := set["alice"]; !ok {
		t.Fatal("expected alice after overwriting malformed payload")
	}
}

func TestSetTypingPublishesChangeEvent(t *testing.T) {
	client := newTestClient(t)
	ledger := NewLedger(client)
	ctx := context.Background()
	channelID := testChannel(t, client)

	pubsub := client.Subscribe(ctx, TypingTopic)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ledger.SetTyping(ctx, channelID, "alice", true); err != nil {
		t.Fatalf("SetTyping() error: %v", err)
	}

	select {
	case msg := <-pubsub.Channel():
		var event ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.ChannelID != channelID {
			t.Errorf("expected channelId %q, got %q", channelID, event.ChannelID)
		}
		if _, ok := event.Who["alice"]; !ok {
			t.Errorf("expected alice in event snapshot, got %v", event.Who.Usernames())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change event published within 2s of SetTyping")
	}
}

func TestFingerprint(t *testing.T) {
	cases := []struct {
		users    []string
		expected string
	}{
		{nil, ""},
		{[]string{"alice"}, "alice"},
		{[]string{"bob", "alice"}, "alice,bob"},
		{[]string{"alice", "bob"}, "alice,bob"},
		{[]string{"Z", "a"}, "Z,a"}, // byte-wise order, not locale collation
	}
	for _, tc := range cases {
		if got := Fingerprint(tc.users); got != tc.expected {
			t.Errorf("Fingerprint(%v) = %q, want %q", tc.users, got, tc.expected)
		}
	}
}

func TestFingerprintDoesNotMutateInput(t *testing.T) {
	users := []string{"bob", "alice"}
	Fingerprint(users)
	if users[0] != "bob" || users[1] != "alice" {
		t.Errorf("Fingerprint mutated its input: %v", users)
	}
}
