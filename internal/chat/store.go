package chat

import "context"

// AppendParams describes one message write together with the session
// update it implies.
type AppendParams struct {
	ID         string
	Key        ConversationKey
	Sender     Profile
	ReceiverID string
	Content    string
	Type       MessageType
}

// Store is the document store the subsystem runs against. Append must write
// the message and apply the session touch as one atomic unit, assigning Seq
// and CreatedAt from the store's own clock. Page reads return messages
// oldest to newest and report whether older history exists.
type Store interface {
	Append(ctx context.Context, p AppendParams) (Message, Session, error)
	Latest(ctx context.Context, key ConversationKey, limit int) ([]Message, bool, error)
	Before(ctx context.Context, key ConversationKey, before int64, limit int) ([]Message, bool, error)
	After(ctx context.Context, key ConversationKey, after int64, limit int) ([]Message, error)
	Session(ctx context.Context, key ConversationKey) (Session, error)
	MarkRead(ctx context.Context, key ConversationKey, userID string) (Session, error)
	Hide(ctx context.Context, key ConversationKey, userID string) (Session, error)
	ListForUser(ctx context.Context, userID string) ([]Session, error)
}

// Uploader hands attachment bytes to blob storage and returns their URL.
type Uploader interface {
	Upload(ctx context.Context, file Attachment, scopePath string) (string, error)
}

// Notifier fans durable changes out to live viewers. Implementations must not
// block on slow subscribers.
type Notifier interface {
	MessageAppended(ctx context.Context, msg Message) error
	SessionChanged(ctx context.Context, s Session) error
}
