// Package protocol defines the WebSocket message types exchanged between the
// client and the server. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/messenger/internal/chat"
)

// Client -> Server message types.
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeSubscribeTyping   = "subscribe_typing"
	TypeUnsubscribeTyping = "unsubscribe_typing"
	TypeTyping            = "typing"
	TypeMessage           = "message"
	TypeMarkRead          = "mark_read"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConnected         = "connected"
	TypeMessages          = "messages"
	TypeSession           = "session"
	TypeTypingState       = "typing"
	TypeSubscriptionError = "subscription_error"
	TypeSent              = "sent"
	TypeSendFailed        = "send_failed"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried by ErrorMsg, SendFailedMsg and SubscriptionErrorMsg.
const (
	CodeParse            = "parse_error"
	CodeUnsupported      = "unsupported_type"
	CodeInvalid          = "invalid_request"
	CodePermissionDenied = "permission_denied"
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "unavailable"
	CodeExpired          = "credentials_expired"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// SubscribeMsg opens a live message subscription on a conversation. Exactly
// one of ConversationKey or PeerID is expected; PeerID is resolved against
// the authenticated user.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
	PeerID          string `json:"peer_id"`
}

// UnsubscribeMsg closes a message subscription.
type UnsubscribeMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
}

// SubscribeTypingMsg opens a typing indicator subscription.
type SubscribeTypingMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
}

// UnsubscribeTypingMsg closes a typing indicator subscription.
type UnsubscribeTypingMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
}

// TypingMsg reports a keystroke, or an explicit stop when IsTyping is false.
type TypingMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
	IsTyping        bool   `json:"is_typing"`
}

// ChatMsg sends a text or story_reply message. ClientID is echoed back on
// sent and send_failed so the client can reconcile its optimistic entry.
type ChatMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
	ClientID        string `json:"client_id"`
	Kind            string `json:"kind"`
	Text            string `json:"text"`
}

// MarkReadMsg zeroes the caller's unread counter on a conversation.
type MarkReadMsg struct {
	Type            string `json:"type"`
	ConversationKey string `json:"conversation_key"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the upgrade is authenticated.
type ConnectedMsg struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ExpiresAt    int64  `json:"expires_at"`
}

// MessagesMsg carries a batch of messages, oldest first. Initial is true for
// the page delivered on subscribe.
type MessagesMsg struct {
	ConversationKey string         `json:"conversation_key"`
	Initial         bool           `json:"initial"`
	Messages        []chat.Message `json:"messages"`
}

// SessionMsg carries an inbox entry that changed.
type SessionMsg struct {
	Session chat.Session `json:"session"`
	Unread  int          `json:"unread"`
}

// TypingStateMsg carries the users currently typing in a conversation.
type TypingStateMsg struct {
	ConversationKey string   `json:"conversation_key"`
	Users           []string `json:"users"`
}

// SubscriptionErrorMsg reports that a subscription terminated with an error.
type SubscriptionErrorMsg struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	Channel         string `json:"channel"` // messages, typing or inbox
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// SentMsg acknowledges a durable send.
type SentMsg struct {
	ClientID string       `json:"client_id,omitempty"`
	Message  chat.Message `json:"message"`
}

// SendFailedMsg reports a failed send and returns the submitted text so the
// client can restore its input.
type SendFailedMsg struct {
	ClientID        string `json:"client_id,omitempty"`
	ConversationKey string `json:"conversation_key"`
	Text            string `json:"text"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct and any parse error.
// Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribeTyping:
		var m SubscribeTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribeTyping:
		var m UnsubscribeTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
