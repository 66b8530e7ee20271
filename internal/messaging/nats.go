// Package messaging provides a NATS client wrapper for fanning out channel
// messages across Pulse server instances. It handles connection lifecycle,
// per-session subscription bookkeeping, and convenience methods for the
// channel-message subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChannel is the prefix for channel-message subjects; a message for
// channel X is published on "channel.<channelID>".
const SubjectChannel = "channel"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "pulse",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishChannelMessage publishes data to the channel.<channelID> subject.
func (c *NATSClient) PublishChannelMessage(channelID string, data []byte) error {
	return c.conn.Publish(SubjectChannel+"."+channelID, data)
}

// SubscribeToChannel subscribes a session to the channel.<channelID> subject.
// The subscription is keyed by (session, channel) so multiple sessions on the
// same server can follow the same channel, and one session can follow several
// channels, without overwriting each other.
func (c *NATSClient) SubscribeToChannel(channelID, sessionID string, handler func(data []byte)) error {
	subject := SubjectChannel + "." + channelID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	key := subKey(sessionID, channelID)
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeFromChannel removes a session's subscription to one channel.
func (c *NATSClient) UnsubscribeFromChannel(channelID, sessionID string) error {
	return c.unsubscribe(subKey(sessionID, channelID))
}

// UnsubscribeSession removes all of a session's channel subscriptions. Used
// on disconnect; individual unsubscribe failures are logged, not returned,
// since the client is already gone.
func (c *NATSClient) UnsubscribeSession(sessionID string) {
	prefix := sessionID + ":"

	c.mu.Lock()
	var keys []string
	for key := range c.subs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.unsubscribe(key); err != nil {
			log.Printf("[nats] cleanup %s: %v", key, err)
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a registered subscription by key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

func subKey(sessionID, channelID string) string {
	return sessionID + ":" + channelID
}
