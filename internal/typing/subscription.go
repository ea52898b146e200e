package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/metrics"
)

// Subscription streams the typing set of one conversation.
type Subscription struct {
	tracker  *Tracker
	viewer   string
	key      chat.ConversationKey
	onChange func([]string)
	onError  func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

// Subscribe delivers the current typing set of key to onChange, then again
// on every change and whenever a signal expires. A non-participant viewer
// gets chat.ErrPermissionDenied through onError and nothing else.
func (t *Tracker) Subscribe(viewer string, key chat.ConversationKey, onChange func([]string), onError func(error)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		tracker:  t,
		viewer:   viewer,
		key:      key,
		onChange: onChange,
		onError:  onError,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Key returns the subscribed conversation.
func (s *Subscription) Key() chat.ConversationKey { return s.key }

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.exited }

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// Deliver implements live.Listener; the payload only signals a change.
func (s *Subscription) Deliver([]byte) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.exited)
	if !s.key.Includes(s.viewer) {
		s.Close()
		if s.onError != nil {
			s.onError(chat.ErrPermissionDenied)
		}
		return
	}

	leave, err := s.tracker.fanout.Join(messaging.TypingSubject(string(s.key)), s)
	if err != nil {
		s.Close()
		if s.onError != nil {
			s.onError(&chat.StoreError{Op: "subscribe typing", Err: err})
		}
		return
	}
	defer leave()
	metrics.ActiveSubscriptions.WithLabelValues("typing").Inc()
	defer metrics.ActiveSubscriptions.WithLabelValues("typing").Dec()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var last []string
	first := true
	for {
		users, next, err := s.tracker.current(s.ctx, s.key)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Typing is advisory; keep the last state and retry on the next event.
			s.tracker.log.Debug().Err(err).Str("key", string(s.key)).Msg("typing read failed")
		} else {
			if first || !slices.Equal(users, last) {
				first = false
				last = users
				s.onChange(users)
			}
			if !next.IsZero() {
				timer.Reset(time.Until(next) + time.Millisecond)
			}
		}

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
