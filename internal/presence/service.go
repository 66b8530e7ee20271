package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulse/chat-server/internal/metrics"
)

// HeartbeatInterval is the emission period of the liveness stream.
const HeartbeatInterval = 1 * time.Second

var (
	// ErrInvalidChannelID is returned when a channel identifier is not a
	// well-formed UUID. Rejected before touching the ledger.
	ErrInvalidChannelID = errors.New("presence: invalid channel id")

	// ErrEmptyUsername is returned when a typing update carries no username.
	ErrEmptyUsername = errors.New("presence: empty username")
)

// Service is the public presence contract consumed by the transport layer.
// It validates inputs and orchestrates the ledger, sweeper-shared write
// path, and live subscriptions. Errors from the underlying store propagate
// to the caller as service-level failures; validation errors are returned
// before any state is touched.
type Service struct {
	rdb    *redis.Client
	ledger *Ledger
}

// NewService creates a presence service backed by the given Redis client.
func NewService(rdb *redis.Client) *Service {
	return &Service{rdb: rdb, ledger: NewLedger(rdb)}
}

// Ledger exposes the underlying ledger for the sweeper, which shares its
// write and publish routines.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// UpdateTypingStatus records that username started or stopped typing in the
// given channel. Fire-and-forget from the client's perspective: there is no
// result payload beyond success or failure.
func (s *Service) UpdateTypingStatus(ctx context.Context, channelID, username string, typing bool) error {
	if err := validateChannelID(channelID); err != nil {
		metrics.TypingUpdates.WithLabelValues("rejected").Inc()
		return err
	}
	if strings.TrimSpace(username) == "" {
		metrics.TypingUpdates.WithLabelValues("rejected").Inc()
		return ErrEmptyUsername
	}

	if err := s.ledger.SetTyping(ctx, channelID, username, typing); err != nil {
		metrics.TypingUpdates.WithLabelValues("failed").Inc()
		return err
	}
	metrics.TypingUpdates.WithLabelValues("ok").Inc()
	return nil
}

// GetTypingUsers returns the usernames currently typing in a channel, in
// unspecified order. Callers needing a deterministic order must sort.
func (s *Service) GetTypingUsers(ctx context.Context, channelID string) ([]string, error) {
	if err := validateChannelID(channelID); err != nil {
		return nil, err
	}

	set, err := s.ledger.GetTyping(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return set.Usernames(), nil
}

// SubscribeToTyping opens a live subscription to a channel's typing set.
// The returned subscription already holds the current typer list; see
// Subscription for the delivery and cancellation contract.
func (s *Service) SubscribeToTyping(ctx context.Context, channelID string) (*Subscription, error) {
	if err := validateChannelID(channelID); err != nil {
		return nil, err
	}
	return newSubscription(ctx, s.rdb, s.ledger, channelID)
}

// Heartbeat opens a random-number liveness stream. Each call starts an
// independent timer.
func (s *Service) Heartbeat(ctx context.Context) *Heartbeat {
	return NewHeartbeat(ctx, HeartbeatInterval)
}

func validateChannelID(channelID string) error {
	if _, err := uuid.Parse(channelID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}
	return nil
}
