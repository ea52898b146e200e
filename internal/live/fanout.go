package live

import (
	"fmt"
	"sync"
)

// Listener receives raw event payloads. Deliver must not block.
type Listener interface {
	Deliver(data []byte)
}

// Fanout multiplexes one bus subscription per subject onto any number of
// local listeners.
type Fanout struct {
	bus    Bus
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	listeners map[*membership]struct{}
	unsub     func()
}

type membership struct {
	l Listener
}

// NewFanout creates a Fanout over bus.
func NewFanout(bus Bus) *Fanout {
	return &Fanout{bus: bus, topics: make(map[string]*topic)}
}

// Join adds l to subject's broadcast list, opening the bus subscription if l
// is the first listener. The returned leave func is O(1) and idempotent.
func (f *Fanout) Join(subject string, l Listener) (leave func(), err error) {
	m := &membership{l: l}

	f.mu.Lock()
	t, ok := f.topics[subject]
	if !ok {
		t = &topic{listeners: make(map[*membership]struct{})}
		unsub, err := f.bus.Subscribe(subject, func(data []byte) { f.dispatch(subject, data) })
		if err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("live: join %s: %w", subject, err)
		}
		t.unsub = unsub
		f.topics[subject] = t
	}
	t.listeners[m] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { f.leave(subject, m) }) }, nil
}

func (f *Fanout) leave(subject string, m *membership) {
	f.mu.Lock()
	t, ok := f.topics[subject]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(t.listeners, m)
	var unsub func()
	if len(t.listeners) == 0 {
		delete(f.topics, subject)
		unsub = t.unsub
	}
	f.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (f *Fanout) dispatch(subject string, data []byte) {
	f.mu.Lock()
	t, ok := f.topics[subject]
	if !ok {
		f.mu.Unlock()
		return
	}
	ls := make([]Listener, 0, len(t.listeners))
	for m := range t.listeners {
		ls = append(ls, m.l)
	}
	f.mu.Unlock()

	for _, l := range ls {
		l.Deliver(data)
	}
}

// Listeners returns the number of local listeners on subject.
func (f *Fanout) Listeners(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.topics[subject]; ok {
		return len(t.listeners)
	}
	return 0
}
