package live

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/whisper/messenger/internal/chat"
)

const (
	kindMessages = "messages"
	kindInbox    = "inbox"
)

// Subscription is a handle on one live stream. Close is safe to call at any
// time and more than once.
type Subscription struct {
	hub    *Hub
	viewer string
	kind   string
	key    chat.ConversationKey

	onMessages func([]chat.Message)
	onSession  func(chat.Session)
	onError    func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  [][]byte
	overflow bool
	wake     chan struct{}

	once    sync.Once
	termErr error
	done    chan struct{}
	exited  chan struct{}
}

// Key returns the conversation key of a message subscription.
func (s *Subscription) Key() chat.ConversationKey { return s.key }

// Done is closed once the subscription has stopped delivering.
func (s *Subscription) Done() <-chan struct{} { return s.exited }

// Close stops the subscription without calling onError.
func (s *Subscription) Close() { s.terminate(nil) }

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.termErr = err
		close(s.done)
		s.cancel()
	})
}

// Deliver queues a raw bus event. It never blocks; when the queue is full
// the backlog is dropped and the subscription resynchronises from the store.
func (s *Subscription) Deliver(data []byte) {
	s.mu.Lock()
	if len(s.pending) >= s.hub.queueSize {
		s.pending = nil
		s.overflow = true
	} else {
		s.pending = append(s.pending, data)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) drain() ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, overflow := s.pending, s.overflow
	s.pending, s.overflow = nil, false
	return batch, overflow
}

// wait blocks until events are queued or the subscription is closed.
func (s *Subscription) wait() bool {
	select {
	case <-s.done:
		return false
	case <-s.wake:
		return true
	}
}

// Fail stops the subscription and reports err through onError, unless it
// was already closed.
func (s *Subscription) Fail(err error) {
	s.terminate(err)
}

func (s *Subscription) finish(leave func()) {
	if leave != nil {
		leave()
	}
	s.hub.release(s)
	if s.termErr != nil && s.onError != nil {
		s.onError(s.termErr)
	}
	close(s.exited)
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) runMessages() {
	var leave func()
	defer func() { s.finish(leave) }()
	log := s.hub.log.With().Str("viewer", s.viewer).Str("key", string(s.key)).Logger()

	if !s.key.Includes(s.viewer) {
		s.Fail(chat.ErrPermissionDenied)
		return
	}

	// Join before loading the page so nothing appended in between is missed.
	var err error
	leave, err = s.hub.fanout.Join(chatSubject(s.key), s)
	if err != nil {
		s.Fail(&chat.StoreError{Op: "subscribe", Err: err})
		return
	}

	page, _, err := s.hub.store.Latest(s.ctx, s.key, s.hub.pageSize)
	if err != nil {
		if !s.closed() {
			s.Fail(&chat.StoreError{Op: "fetch latest", Err: err})
		}
		return
	}
	var lastSeq int64
	if n := len(page); n > 0 {
		lastSeq = page[n-1].Seq
	}
	if s.closed() {
		return
	}
	s.onMessages(page)
	log.Debug().Int64("seq", lastSeq).Msg("subscribed")

	for s.wait() {
		batch, overflow := s.drain()
		out, gap := s.order(batch, lastSeq)
		if overflow || gap {
			out, err = s.repair(lastSeq)
			if err != nil {
				if !s.closed() {
					s.Fail(&chat.StoreError{Op: "resync", Err: err})
				}
				return
			}
			log.Debug().Int64("from", lastSeq).Int("fetched", len(out)).Bool("overflow", overflow).Msg("resynced")
		}
		if len(out) == 0 || s.closed() {
			continue
		}
		lastSeq = out[len(out)-1].Seq
		s.onMessages(out)
	}
}

// order decodes a batch, drops anything at or below lastSeq, and reports a
// gap when the remaining sequence numbers are not contiguous.
func (s *Subscription) order(batch [][]byte, lastSeq int64) ([]chat.Message, bool) {
	var msgs []chat.Message
	for _, data := range batch {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Kind != KindMessage || ev.Message == nil {
			continue
		}
		if ev.Message.Seq > lastSeq {
			msgs = append(msgs, *ev.Message)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })

	out := msgs[:0]
	next := lastSeq + 1
	for _, m := range msgs {
		switch {
		case m.Seq < next:
			continue
		case m.Seq > next:
			return nil, true
		}
		out = append(out, m)
		next++
	}
	return out, false
}

func (s *Subscription) repair(lastSeq int64) ([]chat.Message, error) {
	var out []chat.Message
	for {
		msgs, err := s.hub.store.After(s.ctx, s.key, lastSeq, repairBatch)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
		if len(msgs) < repairBatch {
			return out, nil
		}
		lastSeq = msgs[len(msgs)-1].Seq
	}
}

func (s *Subscription) runInbox(leave func(), joinErr error) {
	defer func() { s.finish(leave) }()

	if joinErr != nil {
		s.Fail(&chat.StoreError{Op: "subscribe inbox", Err: joinErr})
		return
	}

	for s.wait() {
		batch, overflow := s.drain()
		if overflow {
			sessions, err := s.hub.store.ListForUser(s.ctx, s.viewer)
			if err != nil {
				if !s.closed() {
					s.Fail(&chat.StoreError{Op: "resync inbox", Err: err})
				}
				return
			}
			for _, sess := range sessions {
				if s.closed() {
					return
				}
				s.onSession(sess)
			}
			continue
		}
		for _, data := range batch {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Kind != KindSession || ev.Session == nil {
				continue
			}
			if s.closed() {
				return
			}
			s.onSession(*ev.Session)
		}
	}
}

// IsPermission reports whether a subscription error means the viewer may no
// longer read the stream.
func IsPermission(err error) bool {
	return errors.Is(err, chat.ErrPermissionDenied)
}
