package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It keeps every conversation log in
// memory and is goroutine-safe; appends to different conversations only
// contend on the outer map lock.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[ConversationKey]*memConversation
	now   func() time.Time
}

type memConversation struct {
	mu       sync.Mutex
	session  Session
	messages []Message // ordered by Seq
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[ConversationKey]*memConversation),
		now:   time.Now,
	}
}

// SetClock replaces the store clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) conversation(key ConversationKey, create bool) *memConversation {
	s.mu.RLock()
	c, ok := s.convs[key]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.convs[key]; ok {
		return c
	}
	a, b, _ := key.Participants()
	c = &memConversation{session: Session{
		Key:             key,
		Participants:    [2]string{a, b},
		Unread:          map[string]int{},
		DeletedFor:      map[string]bool{},
		ParticipantData: map[string]Profile{},
	}}
	s.convs[key] = c
	return c
}

// Append writes the message and touches the session under one lock.
func (s *MemoryStore) Append(ctx context.Context, p AppendParams) (Message, Session, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, Session{}, err
	}
	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()

	c := s.conversation(p.Key, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	createdAt := now().UTC()
	if createdAt.Before(c.session.LastMessageAt) {
		createdAt = c.session.LastMessageAt
	}
	msg := Message{
		ID:              p.ID,
		ConversationKey: p.Key,
		Seq:             c.session.LastSeq + 1,
		SenderID:        p.Sender.UserID,
		Content:         p.Content,
		Type:            p.Type,
		CreatedAt:       createdAt,
		ReadBy:          []string{},
	}
	c.messages = append(c.messages, msg)
	c.session.touch(msg, p.ReceiverID, p.Sender)
	return copyMessage(msg), c.session.clone(), nil
}

// Latest returns the newest limit messages.
func (s *MemoryStore) Latest(ctx context.Context, key ConversationKey, limit int) ([]Message, bool, error) {
	return s.Before(ctx, key, 0, limit)
}

// Before returns up to limit messages with Seq < before, or the newest
// messages when before is 0.
func (s *MemoryStore) Before(ctx context.Context, key ConversationKey, before int64, limit int) ([]Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c := s.conversation(key, false)
	if c == nil {
		return []Message{}, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	end := len(c.messages)
	if before > 0 {
		end = sort.Search(len(c.messages), func(i int) bool { return c.messages[i].Seq >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return copyMessages(c.messages[start:end]), start > 0, nil
}

// After returns up to limit messages with Seq > after, oldest first.
func (s *MemoryStore) After(ctx context.Context, key ConversationKey, after int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.conversation(key, false)
	if c == nil {
		return []Message{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := sort.Search(len(c.messages), func(i int) bool { return c.messages[i].Seq > after })
	end := start + limit
	if end > len(c.messages) {
		end = len(c.messages)
	}
	return copyMessages(c.messages[start:end]), nil
}

// Session returns the session record for key.
func (s *MemoryStore) Session(ctx context.Context, key ConversationKey) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	c := s.conversation(key, false)
	if c == nil {
		return Session{}, ErrSessionNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.LastSeq == 0 {
		return Session{}, ErrSessionNotFound
	}
	return c.session.clone(), nil
}

// MarkRead zeroes the unread counter of userID and records the read on the
// peer's messages.
func (s *MemoryStore) MarkRead(ctx context.Context, key ConversationKey, userID string) (Session, error) {
	return s.update(ctx, key, func(c *memConversation) {
		c.session.Unread[userID] = 0
		for i := range c.messages {
			m := &c.messages[i]
			if m.SenderID != userID && !m.IsReadBy(userID) {
				m.ReadBy = append(m.ReadBy, userID)
			}
		}
	})
}

// Hide sets the soft-delete flag of userID.
func (s *MemoryStore) Hide(ctx context.Context, key ConversationKey, userID string) (Session, error) {
	return s.update(ctx, key, func(c *memConversation) {
		c.session.DeletedFor[userID] = true
	})
}

func (s *MemoryStore) update(ctx context.Context, key ConversationKey, fn func(c *memConversation)) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	c := s.conversation(key, false)
	if c == nil {
		return Session{}, ErrSessionNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.LastSeq == 0 {
		return Session{}, ErrSessionNotFound
	}
	fn(c)
	return c.session.clone(), nil
}

// ListForUser returns the visible sessions of userID, most recent first.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	convs := make([]*memConversation, 0, len(s.convs))
	for key, c := range s.convs {
		if key.Includes(userID) {
			convs = append(convs, c)
		}
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(convs))
	for _, c := range convs {
		c.mu.Lock()
		if c.session.LastSeq > 0 && !c.session.HiddenFor(userID) {
			out = append(out, c.session.clone())
		}
		c.mu.Unlock()
	}
	SortSessions(out)
	return out, nil
}

// SortSessions orders sessions by last activity, newest first.
func SortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].LastMessageAt.Equal(sessions[j].LastMessageAt) {
			return sessions[i].Key < sessions[j].Key
		}
		return sessions[i].LastMessageAt.After(sessions[j].LastMessageAt)
	})
}

func copyMessage(m Message) Message {
	m.ReadBy = append([]string{}, m.ReadBy...)
	return m
}

func copyMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = copyMessage(m)
	}
	return out
}
