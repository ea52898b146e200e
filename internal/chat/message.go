package chat

import "time"

// MessageType discriminates message payloads.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeImage      MessageType = "image"
	TypeStoryReply MessageType = "story_reply"
)

// ImagePreview is the inbox preview shown for image messages.
const ImagePreview = "[Hình ảnh]"

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeStoryReply:
		return true
	}
	return false
}

// Message is one entry of a conversation's append-only log. For image
// messages Content holds the attachment URL.
type Message struct {
	ID              string          `json:"id" db:"id"`
	ConversationKey ConversationKey `json:"conversation_key" db:"conversation_key"`
	Seq             int64           `json:"seq" db:"seq"`
	SenderID        string          `json:"sender_id" db:"sender_id"`
	Content         string          `json:"content" db:"content"`
	Type            MessageType     `json:"type" db:"type"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ReadBy          []string        `json:"read_by" db:"-"`
}

// IsReadBy reports whether userID has read the message.
func (m Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Preview is the text stored as the session's lastMessage.
func (m Message) Preview() string {
	return previewFor(m.Type, m.Content)
}

func previewFor(t MessageType, content string) string {
	if t == TypeImage {
		return ImagePreview
	}
	return content
}

// Cursor anchors history paging on a message's sequence number. Pages
// fetched with a cursor contain only messages strictly older than it.
type Cursor int64

// Page is a slice of history ordered oldest to newest. Cursor is nil when no
// older history exists.
type Page struct {
	Messages []Message `json:"messages"`
	Cursor   *Cursor   `json:"cursor"`
}

// Profile is the display data of an authenticated user, cached on the
// session for inbox rendering.
type Profile struct {
	UserID   string `json:"-"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	IsExpert bool   `json:"is_expert"`
}
