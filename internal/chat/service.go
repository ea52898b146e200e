// Package chat implements one-to-one conversations: the conversation key
// resolver, the append-only message log and the per-pair session aggregate.
// Durable state lives behind Store; live fan-out goes through Notifier.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/metrics"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Attachment is an uploaded file waiting to be handed to blob storage.
type Attachment struct {
	Filename string
	Data     []byte
}

// SendRequest carries one outgoing message. Sender must be the authenticated
// caller. For image messages Attachment is required and Content is ignored.
type SendRequest struct {
	Sender     Profile
	Key        ConversationKey
	Type       MessageType
	Content    string
	Attachment *Attachment
}

// Service is the entry point for conversation reads and writes.
type Service struct {
	store    Store
	uploader Uploader
	notifier Notifier
	log      zerolog.Logger
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithUploader sets the attachment bridge used for image messages.
func WithUploader(u Uploader) Option { return func(s *Service) { s.uploader = u } }

// WithNotifier sets the fan-out target for durable changes.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   zerolog.Nop(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the conversation key between userID and peerID.
func (s *Service) Resolve(userID, peerID string) (ConversationKey, error) {
	if err := validateUserID("user_id", userID); err != nil {
		return "", err
	}
	if err := validateUserID("peer_id", peerID); err != nil {
		return "", err
	}
	if userID == peerID {
		return "", invalid("peer_id", "cannot open a conversation with yourself")
	}
	return Resolve(userID, peerID), nil
}

// Send validates, uploads any attachment, then appends the message and
// touches the session in one atomic store write. Fan-out happens only after
// the write is durable; a fan-out failure is logged and does not fail the send.
func (s *Service) Send(ctx context.Context, req SendRequest) (Message, error) {
	start := time.Now()

	receiverID, err := s.checkSend(req)
	if err != nil {
		s.recordFailure(err)
		return Message{}, err
	}
	if req.Type == "" {
		req.Type = TypeText
	}

	content := req.Content
	switch req.Type {
	case TypeText, TypeStoryReply:
		if err := ValidateMessage(content); err != nil {
			s.recordFailure(err)
			return Message{}, err
		}
	case TypeImage:
		if req.Attachment == nil || len(req.Attachment.Data) == 0 {
			err := invalid("attachment", "image message has no attachment")
			s.recordFailure(err)
			return Message{}, err
		}
		if s.uploader == nil {
			err := &StoreError{Op: "upload", Err: errors.New("no blob store configured")}
			s.recordFailure(err)
			return Message{}, err
		}
		url, err := s.uploader.Upload(ctx, *req.Attachment, "chats/"+string(req.Key))
		if err != nil {
			metrics.SendFailures.WithLabelValues("upload").Inc()
			return Message{}, storeErr("upload", err)
		}
		content = url
	default:
		err := invalid("type", "unknown message type "+string(req.Type))
		s.recordFailure(err)
		return Message{}, err
	}

	msg, sess, err := s.store.Append(ctx, AppendParams{
		ID:         s.newID(),
		Key:        req.Key,
		Sender:     req.Sender,
		ReceiverID: receiverID,
		Content:    content,
		Type:       req.Type,
	})
	if err != nil {
		err = storeErr("append", err)
		s.recordFailure(err)
		return Message{}, err
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	s.notifyMessage(ctx, msg)
	s.notifySession(ctx, sess)
	return msg, nil
}

func (s *Service) checkSend(req SendRequest) (string, error) {
	if err := validateUserID("sender_id", req.Sender.UserID); err != nil {
		return "", err
	}
	if !req.Key.Valid() {
		return "", invalid("conversation_key", "malformed key")
	}
	peer, ok := req.Key.Peer(req.Sender.UserID)
	if !ok {
		return "", ErrPermissionDenied
	}
	if peer == req.Sender.UserID {
		return "", invalid("conversation_key", "cannot message yourself")
	}
	return peer, nil
}

func (s *Service) recordFailure(err error) {
	reason := "store"
	switch {
	case IsValidation(err):
		reason = "validation"
	case errors.Is(err, ErrPermissionDenied):
		reason = "permission"
	}
	metrics.SendFailures.WithLabelValues(reason).Inc()
}

// FetchLatest returns the newest page of key's history.
func (s *Service) FetchLatest(ctx context.Context, viewerID string, key ConversationKey, limit int) (Page, error) {
	if err := authorize(viewerID, key); err != nil {
		return Page{}, err
	}
	msgs, more, err := s.store.Latest(ctx, key, clampLimit(limit))
	if err != nil {
		return Page{}, storeErr("fetch latest", err)
	}
	return newPage(msgs, more), nil
}

// FetchOlderThan returns up to limit messages strictly older than cursor.
func (s *Service) FetchOlderThan(ctx context.Context, viewerID string, key ConversationKey, cursor Cursor, limit int) (Page, error) {
	if err := authorize(viewerID, key); err != nil {
		return Page{}, err
	}
	if cursor <= 0 {
		return Page{}, invalid("cursor", "must be positive")
	}
	msgs, more, err := s.store.Before(ctx, key, int64(cursor), clampLimit(limit))
	if err != nil {
		return Page{}, storeErr("fetch older", err)
	}
	return newPage(msgs, more), nil
}

// Session returns the session of key as seen by viewerID.
func (s *Service) Session(ctx context.Context, viewerID string, key ConversationKey) (Session, error) {
	if err := authorize(viewerID, key); err != nil {
		return Session{}, err
	}
	sess, err := s.store.Session(ctx, key)
	if err != nil {
		return Session{}, storeErr("session", err)
	}
	return sess, nil
}

// ListForUser returns the inbox of userID: every session it takes part in
// and has not hidden, most recent first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	if err := validateUserID("user_id", userID); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

// MarkRead zeroes userID's unread counter. Marking a conversation without
// messages is a no-op.
func (s *Service) MarkRead(ctx context.Context, key ConversationKey, userID string) (Session, error) {
	return s.mutate(ctx, key, userID, "mark read", s.store.MarkRead)
}

// HideFor soft-deletes the conversation from userID's inbox only.
func (s *Service) HideFor(ctx context.Context, key ConversationKey, userID string) (Session, error) {
	return s.mutate(ctx, key, userID, "hide", s.store.Hide)
}

func (s *Service) mutate(ctx context.Context, key ConversationKey, userID, op string,
	fn func(context.Context, ConversationKey, string) (Session, error)) (Session, error) {
	if err := authorize(userID, key); err != nil {
		return Session{}, err
	}
	sess, err := fn(ctx, key, userID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, storeErr(op, err)
	}
	s.notifySession(ctx, sess)
	return sess, nil
}

func (s *Service) notifyMessage(ctx context.Context, msg Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.MessageAppended(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("key", string(msg.ConversationKey)).Int64("seq", msg.Seq).Msg("message fan-out failed")
	}
}

func (s *Service) notifySession(ctx context.Context, sess Session) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SessionChanged(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("key", string(sess.Key)).Msg("session fan-out failed")
	}
}

func authorize(userID string, key ConversationKey) error {
	if err := validateUserID("user_id", userID); err != nil {
		return err
	}
	if !key.Includes(userID) {
		return ErrPermissionDenied
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

func newPage(msgs []Message, more bool) Page {
	if msgs == nil {
		msgs = []Message{}
	}
	p := Page{Messages: msgs}
	if more && len(msgs) > 0 {
		c := Cursor(msgs[0].Seq)
		p.Cursor = &c
	}
	return p
}
