package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulse/chat-server/internal/metrics"
)

// MaxSessionDuration is the hard ceiling on a single live subscription.
// When it elapses the stream ends with ErrSessionExpired and the client is
// expected to reconnect; the cap is never renegotiated.
const MaxSessionDuration = 5 * time.Minute

var (
	// ErrSessionExpired ends a subscription that hit MaxSessionDuration.
	ErrSessionExpired = errors.New("presence: subscription exceeded max session duration")

	// ErrBusClosed ends a subscription whose pub/sub connection was lost.
	ErrBusClosed = errors.New("presence: pub/sub connection closed")
)

// Subscription is a live stream of typer lists for one channel. The current
// list is delivered synchronously at open; afterwards a new list is
// delivered whenever the channel's typing set changes, with consecutive
// identical sets suppressed by fingerprint comparison. C is closed when the
// subscription terminates for any reason; Err then reports why.
//
// Each Subscription owns a dedicated Redis pub/sub connection listening on
// the shared typing topic and filtering to its channel, so a slow consumer
// on one subscription never delays delivery on another.
type Subscription struct {
	C <-chan []string

	channelID string
	ch        chan []string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// newSubscription opens the pub/sub connection, captures the initial
// snapshot, and starts the wait loop. The first item is already buffered in
// C when this returns, so a subscriber never waits to learn current state.
//
// The subscription is confirmed before the snapshot is read: any mutation
// after the snapshot is therefore guaranteed to arrive as an event, so no
// change can fall into a gap between the two.
func newSubscription(ctx context.Context, rdb *redis.Client, ledger *Ledger, channelID string) (*Subscription, error) {
	pubsub := rdb.Subscribe(ctx, TypingTopic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("presence: subscribe channel=%s: %w", channelID, err)
	}

	initial, err := ledger.GetTyping(ctx, channelID)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		channelID: channelID,
		ch:        make(chan []string, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sub.C = sub.ch
	sub.ch <- initial.Usernames()

	metrics.ActiveSubscriptions.Inc()
	go sub.run(subCtx, pubsub, ledger, Fingerprint(initial.Usernames()))

	return sub, nil
}

// run is the subscription's wait loop. It owns the pub/sub connection and
// releases it on every exit path, including cancellation mid-wait.
func (s *Subscription) run(ctx context.Context, pubsub *redis.PubSub, ledger *Ledger, lastFingerprint string) {
	defer close(s.done)
	defer close(s.ch)
	defer metrics.ActiveSubscriptions.Dec()
	defer func() {
		// The client is gone (or going) by the time we unsubscribe, so a
		// teardown failure is logged, never propagated.
		if err := pubsub.Close(); err != nil {
			log.Printf("[presence-sub] channel=%s unsubscribe: %v", s.channelID, err)
		}
	}()

	expiry := time.NewTimer(MaxSessionDuration)
	defer expiry.Stop()

	msgs := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			s.err = ErrSessionExpired
			return
		case msg, ok := <-msgs:
			if !ok {
				s.err = ErrBusClosed
				return
			}

			var event ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[presence-sub] channel=%s malformed event: %v", s.channelID, err)
				continue
			}
			if event.ChannelID != s.channelID {
				continue
			}

			fingerprint := Fingerprint(event.Who.Usernames())
			if fingerprint == lastFingerprint {
				continue
			}
			lastFingerprint = fingerprint

			// Re-read the ledger rather than trusting the event snapshot:
			// events from racing publishers may arrive in either order, and
			// the ledger is the sole source of truth.
			users := event.Who.Usernames()
			if current, err := ledger.GetTyping(ctx, s.channelID); err == nil {
				users = current.Usernames()
			} else if ctx.Err() == nil {
				log.Printf("[presence-sub] channel=%s re-read failed, using event snapshot: %v", s.channelID, err)
			}

			select {
			case s.ch <- users:
			case <-ctx.Done():
				return
			case <-expiry.C:
				s.err = ErrSessionExpired
				return
			}
		}
	}
}

// Close cancels the subscription and blocks until its pub/sub connection is
// released. It is safe to call multiple times and safe to call while the
// loop is mid-wait.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err reports why the subscription terminated. It is valid once C is
// closed: nil after a clean Close, ErrSessionExpired after the duration
// cap, ErrBusClosed after a pub/sub failure.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}
