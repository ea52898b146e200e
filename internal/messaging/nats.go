// Package messaging provides the NATS client used to fan chat, inbox and
// typing events out across messenger instances. It handles connection
// lifecycle, subject naming and subscription cleanup.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/logging"
)

// NATS subject roots. Each is followed by one escaped token.
const (
	SubjectChat   = "chat"   // + .<conversation_key>
	SubjectInbox  = "inbox"  // + .<user_id>
	SubjectTyping = "typing" // + .<conversation_key>
)

// ChatSubject is the subject carrying new messages of a conversation.
func ChatSubject(key string) string { return SubjectChat + "." + Token(key) }

// InboxSubject is the subject carrying session changes for one user.
func InboxSubject(userID string) string { return SubjectInbox + "." + Token(userID) }

// TypingSubject is the subject carrying typing changes of a conversation.
func TypingSubject(key string) string { return SubjectTyping + "." + Token(key) }

// Token escapes s into a single NATS subject token. Bytes outside
// [A-Za-z0-9_-] become %XX, so the mapping is injective and never yields
// separators or wildcards.
func Token(s string) string {
	if s == "" {
		return "%00"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	log    zerolog.Logger
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `koanf:"url"`            // nats://localhost:4222
	Name          string        `koanf:"name"`           // client name for identification
	ReconnectWait time.Duration `koanf:"reconnect_wait"` // time between reconnect attempts
	MaxReconnects int           `koanf:"max_reconnects"` // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logging.Component("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[uint64]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject. The returned func unsubscribes
// and is safe to call more than once.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = sub
	c.mu.Unlock()

	return func() { c.unsubscribe(id) }, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", sub.Subject).Msg("drain failed")
		}
	}
	c.subs = make(map[uint64]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}
	c.log.Info().Msg("client closed")
}

func (c *NATSClient) unsubscribe(id uint64) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		c.log.Debug().Err(err).Str("subject", sub.Subject).Msg("unsubscribe failed")
	}
}
