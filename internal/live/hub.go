package live

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/metrics"
)

const (
	defaultQueueSize = 256
	repairBatch      = 200
)

// Hub hands out live subscriptions and tracks them per viewer so they can
// be revoked together.
type Hub struct {
	store     chat.Store
	fanout    *Fanout
	log       zerolog.Logger
	pageSize  int
	queueSize int

	mu       sync.Mutex
	byViewer map[string]map[*Subscription]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPageSize sets the size of the page delivered on subscribe.
func WithPageSize(n int) HubOption { return func(h *Hub) { h.pageSize = n } }

// WithQueueSize bounds the per-subscription event queue. A subscription
// whose queue overflows resynchronises from the store.
func WithQueueSize(n int) HubOption { return func(h *Hub) { h.queueSize = n } }

// WithHubLogger sets the hub logger.
func WithHubLogger(l zerolog.Logger) HubOption { return func(h *Hub) { h.log = l } }

// NewHub creates a Hub reading history from store and live events from fanout.
func NewHub(store chat.Store, fanout *Fanout, opts ...HubOption) *Hub {
	h := &Hub{
		store:     store,
		fanout:    fanout,
		log:       zerolog.Nop(),
		pageSize:  chat.DefaultPageSize,
		queueSize: defaultQueueSize,
		byViewer:  make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe streams key's messages to viewer. onMessages first receives the
// latest page (possibly empty), then every newly appended message in Seq
// order, each exactly once. onError is called at most once, when the
// subscription terminates for any reason other than Close. Both callbacks
// run on the subscription's own goroutine.
func (h *Hub) Subscribe(viewer string, key chat.ConversationKey, onMessages func([]chat.Message), onError func(error)) *Subscription {
	s := h.newSubscription(viewer, kindMessages, onError)
	s.key = key
	s.onMessages = onMessages
	go s.runMessages()
	return s
}

// SubscribeInbox streams session changes of viewer's conversations. The
// subscription is registered on the fan-out before SubscribeInbox returns, so
// every change written after the call is delivered.
func (h *Hub) SubscribeInbox(viewer string, onSession func(chat.Session), onError func(error)) *Subscription {
	s := h.newSubscription(viewer, kindInbox, onError)
	s.onSession = onSession
	leave, err := h.fanout.Join(inboxSubject(viewer), s)
	go s.runInbox(leave, err)
	return s
}

// Revoke terminates every subscription of viewer with err.
func (h *Hub) Revoke(viewer string, err error) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.byViewer[viewer]))
	for s := range h.byViewer[viewer] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.terminate(err)
	}
	if len(subs) > 0 {
		h.log.Info().Str("viewer", viewer).Int("subscriptions", len(subs)).Err(err).Msg("revoked")
	}
}

// Active returns the number of live subscriptions of viewer.
func (h *Hub) Active(viewer string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byViewer[viewer])
}

func (h *Hub) newSubscription(viewer, kind string, onError func(error)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		hub:     h,
		viewer:  viewer,
		kind:    kind,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.byViewer[viewer] == nil {
		h.byViewer[viewer] = make(map[*Subscription]struct{})
	}
	h.byViewer[viewer][s] = struct{}{}
	h.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(kind).Inc()
	return s
}

func (h *Hub) release(s *Subscription) {
	h.mu.Lock()
	if subs, ok := h.byViewer[s.viewer]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.byViewer, s.viewer)
		}
	}
	h.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(s.kind).Dec()
}

func chatSubject(key chat.ConversationKey) string { return messaging.ChatSubject(string(key)) }

func inboxSubject(user string) string { return messaging.InboxSubject(user) }
