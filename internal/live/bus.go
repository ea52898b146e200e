// Package live pushes durable chat changes to active viewers. A Fanout keeps
// one bus subscription per subject and a broadcast list of local listeners;
// the Hub builds ordered, gap-free message subscriptions on top of it.
package live

import "sync"

// Bus is the pub/sub transport between instances. messaging.NATSClient
// satisfies it; LocalBus is the single-process version.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (func(), error)
}

// LocalBus delivers published data synchronously to in-process handlers.
type LocalBus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]func([]byte)
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]map[uint64]func([]byte))}
}

// Publish calls every handler registered for subject.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	hs := make([]func([]byte), 0, len(b.handlers[subject]))
	for _, h := range b.handlers[subject] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

// Subscribe registers handler for subject.
func (b *LocalBus) Subscribe(subject string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[uint64]func([]byte))
	}
	b.handlers[subject][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
		if len(b.handlers[subject]) == 0 {
			delete(b.handlers, subject)
		}
	}, nil
}

// Subjects returns the number of subjects with at least one handler.
func (b *LocalBus) Subjects() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
