// Package gateway binds WebSocket connections to the messaging subsystem.
// Every connection gets an inbox stream and a presence heartbeat; client
// frames open message and typing subscriptions, send messages, report
// keystrokes and mark conversations read.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/live"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/typing"
	"github.com/whisper/messenger/internal/ws"
)

// ErrCredentialsExpired terminates the subscriptions of a connection whose
// credential lapsed.
var ErrCredentialsExpired = errors.New("gateway: credentials expired")

// requestTimeout bounds each store or Redis call made for a client frame.
const requestTimeout = 10 * time.Second

// Subscription channels reported in subscription_error.
const (
	channelMessages = "messages"
	channelTyping   = "typing"
	channelInbox    = "inbox"
)

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gateway holds the per-connection state of one server instance.
type Gateway struct {
	svc      *chat.Service
	hub      *live.Hub
	typing   *typing.Tracker
	presence *presence.Registry
	limiter  Limiter
	log      zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*connState
	byUser map[string]int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter throttles sends and keystrokes per user.
func WithLimiter(l Limiter) Option { return func(g *Gateway) { g.limiter = l } }

// WithPresence keeps a presence heartbeat alive while a user is connected.
func WithPresence(r *presence.Registry) Option { return func(g *Gateway) { g.presence = r } }

// WithLogger sets the gateway logger.
func WithLogger(l zerolog.Logger) Option { return func(g *Gateway) { g.log = l } }

// New creates a Gateway.
func New(svc *chat.Service, hub *live.Hub, tracker *typing.Tracker, opts ...Option) *Gateway {
	g := &Gateway{
		svc:    svc,
		hub:    hub,
		typing: tracker,
		log:    logging.Component("gateway"),
		conns:  make(map[string]*connState),
		byUser: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register installs the client message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSubscribe, g.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, g.handleUnsubscribe)
	d.Register(protocol.TypeSubscribeTyping, g.handleSubscribeTyping)
	d.Register(protocol.TypeUnsubscribeTyping, g.handleUnsubscribeTyping)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeMessage, g.handleMessage)
	d.Register(protocol.TypeMarkRead, g.handleMarkRead)
}

// Attach wires the gateway's lifecycle callbacks into srv.
func (g *Gateway) Attach(srv *ws.Server) {
	srv.SetOnConnect(g.OnConnect)
	srv.SetOnDisconnect(g.OnDisconnect)
	srv.SetOnExpire(g.OnExpire)
}

// OnConnect opens the inbox stream and acquires the presence heartbeat.
func (g *Gateway) OnConnect(c *ws.Connection) {
	st := newConnState(c)
	if g.presence != nil {
		st.releasePresence = g.presence.Acquire(c.UserID)
	}

	g.mu.Lock()
	g.conns[c.ID] = st
	g.byUser[c.UserID]++
	g.mu.Unlock()

	inbox := g.hub.SubscribeInbox(c.UserID,
		func(s chat.Session) {
			ws.Send(c, protocol.TypeSession, protocol.SessionMsg{Session: s, Unread: s.UnreadFor(c.UserID)})
		},
		func(err error) {
			g.subscriptionError(c, channelInbox, "", err)
		})
	if !st.setInbox(inbox) {
		inbox.Close()
	}
}

// OnDisconnect closes every subscription of the connection, clears its
// typing signals and releases its presence heartbeat.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	g.mu.Lock()
	st, ok := g.conns[c.ID]
	if ok {
		delete(g.conns, c.ID)
		if g.byUser[c.UserID]--; g.byUser[c.UserID] <= 0 {
			delete(g.byUser, c.UserID)
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	st.close()
	g.log.Debug().Str("conn", c.ID).Str("user", c.UserID).Msg("connection state released")
}

// OnExpire terminates the connection's subscriptions with
// ErrCredentialsExpired before the server drops it. When it is the user's
// last connection on this instance every stream of the user is revoked.
func (g *Gateway) OnExpire(c *ws.Connection) {
	g.mu.Lock()
	st := g.conns[c.ID]
	last := g.byUser[c.UserID] <= 1
	g.mu.Unlock()

	if last {
		g.hub.Revoke(c.UserID, ErrCredentialsExpired)
	} else if st != nil {
		st.fail(ErrCredentialsExpired)
	}
	if st != nil {
		st.closeTyping(func(key chat.ConversationKey) {
			g.subscriptionError(c, channelTyping, key, ErrCredentialsExpired)
		})
	}
}

// Connections returns the number of connections with live state.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) state(c *ws.Connection) *connState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[c.ID]
}

// resolveKey returns the conversation named by key, or the one between the
// caller and peerID.
func (g *Gateway) resolveKey(c *ws.Connection, key, peerID string) (chat.ConversationKey, error) {
	if key == "" && peerID != "" {
		return g.svc.Resolve(c.UserID, peerID)
	}
	k := chat.ConversationKey(key)
	if !k.Valid() {
		return "", &chat.ValidationError{Field: "conversation_key", Reason: "malformed conversation key"}
	}
	return k, nil
}

func (g *Gateway) allow(c *ws.Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ok, _ := g.limiter.Allow(ctx, c.UserID, rule)
	return ok
}

func (g *Gateway) subscriptionError(c *ws.Connection, channel string, key chat.ConversationKey, err error) {
	g.log.Debug().Err(err).Str("conn", c.ID).Str("channel", channel).Str("key", string(key)).Msg("subscription terminated")
	ws.Send(c, protocol.TypeSubscriptionError, protocol.SubscriptionErrorMsg{
		ConversationKey: string(key),
		Channel:         channel,
		Code:            errorCode(err),
		Message:         err.Error(),
	})
}

// errorCode maps an error to the protocol code shown to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrCredentialsExpired):
		return protocol.CodeExpired
	case chat.IsValidation(err):
		return protocol.CodeInvalid
	case errors.Is(err, chat.ErrPermissionDenied):
		return protocol.CodePermissionDenied
	default:
		return protocol.CodeUnavailable
	}
}
