package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/messenger/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a subscribe message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","conversation_key":"alice_bob","peer_id":"bob"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, msgType)
	}

	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if sm.ConversationKey != "alice_bob" {
		t.Errorf("expected conversation_key %q, got %q", "alice_bob", sm.ConversationKey)
	}
	if sm.PeerID != "bob" {
		t.Errorf("expected peer_id %q, got %q", "bob", sm.PeerID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","conversation_key":"alice_bob","client_id":"c1","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.ConversationKey != "alice_bob" {
		t.Errorf("expected conversation_key %q, got %q", "alice_bob", cm.ConversationKey)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
	if cm.ClientID != "c1" {
		t.Errorf("expected client_id %q, got %q", "c1", cm.ClientID)
	}
	if cm.Kind != "" {
		t.Errorf("expected empty kind, got %q", cm.Kind)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a messages server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Messages(t *testing.T) {
	payload := MessagesMsg{
		ConversationKey: "alice_bob",
		Initial:         true,
		Messages: []chat.Message{{
			ID:              "m1",
			ConversationKey: "alice_bob",
			Seq:             1,
			SenderID:        "alice",
			Content:         "hi",
			Type:            chat.TypeText,
			CreatedAt:       time.Unix(1700000000, 0).UTC(),
			ReadBy:          []string{},
		}},
	}

	data, err := NewServerMessage(TypeMessages, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessages {
		t.Errorf("expected type %q, got %v", TypeMessages, result["type"])
	}
	if result["conversation_key"] != "alice_bob" {
		t.Errorf("expected conversation_key %q, got %v", "alice_bob", result["conversation_key"])
	}
	if result["initial"] != true {
		t.Errorf("expected initial true, got %v", result["initial"])
	}

	msgs, ok := result["messages"].([]interface{})
	if !ok {
		t.Fatalf("expected messages to be an array, got %T", result["messages"])
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	first := msgs[0].(map[string]interface{})
	if first["seq"] != float64(1) {
		t.Errorf("expected seq 1, got %v", first["seq"])
	}
}

// ---------------------------------------------------------------------------
// Test: send_failed echoes the submitted text
// ---------------------------------------------------------------------------

func TestNewServerMessage_SendFailed(t *testing.T) {
	data, err := NewServerMessage(TypeSendFailed, SendFailedMsg{
		ClientID:        "c9",
		ConversationKey: "alice_bob",
		Text:            "draft text",
		Code:            CodeUnavailable,
		Message:         "store unavailable",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type     string `json:"type"`
		ClientID string `json:"client_id"`
		Text     string `json:"text"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeSendFailed {
		t.Errorf("expected type %q, got %q", TypeSendFailed, decoded.Type)
	}
	if decoded.Text != "draft text" {
		t.Errorf("expected text to be echoed, got %q", decoded.Text)
	}
	if decoded.ClientID != "c9" || decoded.Code != CodeUnavailable {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Empty payloads still carry a type
// ---------------------------------------------------------------------------

func TestNewServerMessage_Pong(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected pong encoding: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"sent"}`)); err == nil {
		t.Fatal("expected an error for a server-only type, got nil")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"typing","is_typing":"yes"}`))
	if err == nil {
		t.Fatal("expected a decode error for a mistyped field, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"subscribe", `{"type":"subscribe","peer_id":"bob"}`, TypeSubscribe},
		{"unsubscribe", `{"type":"unsubscribe","conversation_key":"a_b"}`, TypeUnsubscribe},
		{"subscribe_typing", `{"type":"subscribe_typing","conversation_key":"a_b"}`, TypeSubscribeTyping},
		{"unsubscribe_typing", `{"type":"unsubscribe_typing","conversation_key":"a_b"}`, TypeUnsubscribeTyping},
		{"typing", `{"type":"typing","conversation_key":"a_b","is_typing":true}`, TypeTyping},
		{"message", `{"type":"message","conversation_key":"a_b","text":"hi"}`, TypeMessage},
		{"mark_read", `{"type":"mark_read","conversation_key":"a_b"}`, TypeMarkRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
