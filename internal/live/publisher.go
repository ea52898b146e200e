package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/messaging"
)

// Event kinds published on the bus.
const (
	KindMessage = "message"
	KindSession = "session"
)

// Event is the payload published on chat.<key> and inbox.<user> subjects.
type Event struct {
	Kind    string        `json:"kind"`
	Message *chat.Message `json:"message,omitempty"`
	Session *chat.Session `json:"session,omitempty"`
}

// Publisher implements chat.Notifier on a Bus.
type Publisher struct {
	bus Bus
}

// NewPublisher creates a Publisher.
func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

var _ chat.Notifier = (*Publisher)(nil)

// MessageAppended publishes msg on its conversation subject.
func (p *Publisher) MessageAppended(_ context.Context, msg chat.Message) error {
	data, err := json.Marshal(Event{Kind: KindMessage, Message: &msg})
	if err != nil {
		return fmt.Errorf("live: encode message: %w", err)
	}
	return p.bus.Publish(messaging.ChatSubject(string(msg.ConversationKey)), data)
}

// SessionChanged publishes s on both participants' inbox subjects.
func (p *Publisher) SessionChanged(_ context.Context, s chat.Session) error {
	data, err := json.Marshal(Event{Kind: KindSession, Session: &s})
	if err != nil {
		return fmt.Errorf("live: encode session: %w", err)
	}
	var errs []error
	for _, user := range s.Participants {
		if user == "" {
			continue
		}
		if err := p.bus.Publish(messaging.InboxSubject(user), data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
