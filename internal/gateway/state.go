package gateway

import (
	"sync"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/live"
	"github.com/whisper/messenger/internal/typing"
	"github.com/whisper/messenger/internal/ws"
)

// connState is everything one connection holds open. Once closed, anything
// a late handler tries to register is refused and must be closed by it.
type connState struct {
	conn *ws.Connection

	mu              sync.Mutex
	closed          bool
	inbox           *live.Subscription
	messages        map[chat.ConversationKey]*live.Subscription
	typing          map[chat.ConversationKey]*typing.Subscription
	debouncers      map[chat.ConversationKey]*typing.Debouncer
	releasePresence func()
}

func newConnState(c *ws.Connection) *connState {
	return &connState{
		conn:       c,
		messages:   make(map[chat.ConversationKey]*live.Subscription),
		typing:     make(map[chat.ConversationKey]*typing.Subscription),
		debouncers: make(map[chat.ConversationKey]*typing.Debouncer),
	}
}

func (st *connState) setInbox(s *live.Subscription) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.inbox = s
	return true
}

// putMessages registers s and returns the subscription it replaces.
func (st *connState) putMessages(key chat.ConversationKey, s *live.Subscription) (old *live.Subscription, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, false
	}
	old = st.messages[key]
	st.messages[key] = s
	return old, true
}

// dropMessages unregisters the subscription for key if it is still s, or
// whatever is registered when s is nil.
func (st *connState) dropMessages(key chat.ConversationKey, s *live.Subscription) *live.Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.messages[key]
	if cur == nil || (s != nil && cur != s) {
		return nil
	}
	delete(st.messages, key)
	return cur
}

func (st *connState) putTyping(key chat.ConversationKey, s *typing.Subscription) (old *typing.Subscription, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, false
	}
	old = st.typing[key]
	st.typing[key] = s
	return old, true
}

func (st *connState) dropTyping(key chat.ConversationKey, s *typing.Subscription) *typing.Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.typing[key]
	if cur == nil || (s != nil && cur != s) {
		return nil
	}
	delete(st.typing, key)
	return cur
}

// debouncer returns the debouncer for key, creating it with newFn.
func (st *connState) debouncer(key chat.ConversationKey, newFn func() *typing.Debouncer) *typing.Debouncer {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	d, ok := st.debouncers[key]
	if !ok {
		d = newFn()
		st.debouncers[key] = d
	}
	return d
}

func (st *connState) existingDebouncer(key chat.ConversationKey) *typing.Debouncer {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.debouncers[key]
}

// fail terminates the connection's message and inbox streams with err.
func (st *connState) fail(err error) {
	st.mu.Lock()
	subs := make([]*live.Subscription, 0, len(st.messages)+1)
	for _, s := range st.messages {
		subs = append(subs, s)
	}
	if st.inbox != nil {
		subs = append(subs, st.inbox)
	}
	st.mu.Unlock()

	for _, s := range subs {
		s.Fail(err)
	}
}

// closeTyping closes every typing subscription and reports each key to notify.
func (st *connState) closeTyping(notify func(chat.ConversationKey)) {
	st.mu.Lock()
	subs := st.typing
	st.typing = make(map[chat.ConversationKey]*typing.Subscription)
	st.mu.Unlock()

	for key, s := range subs {
		s.Close()
		notify(key)
	}
}

// close releases everything. Debouncers are stopped so an active typing
// signal is cleared rather than left to expire.
func (st *connState) close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	inbox := st.inbox
	messages := st.messages
	typings := st.typing
	debouncers := st.debouncers
	release := st.releasePresence
	st.inbox = nil
	st.messages = nil
	st.typing = nil
	st.debouncers = nil
	st.releasePresence = nil
	st.mu.Unlock()

	if inbox != nil {
		inbox.Close()
	}
	for _, s := range messages {
		s.Close()
	}
	for _, s := range typings {
		s.Close()
	}
	for _, d := range debouncers {
		d.Stop()
	}
	if release != nil {
		release()
	}
}
