package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_TypingUpdate(t *testing.T) {
	input := []byte(`{"type":"typing_update","channel_id":"abc-123","username":"alice","typing":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingUpdate {
		t.Fatalf("expected type %q, got %q", TypeTypingUpdate, msgType)
	}

	tu, ok := msg.(TypingUpdateMsg)
	if !ok {
		t.Fatalf("expected TypingUpdateMsg, got %T", msg)
	}
	if tu.ChannelID != "abc-123" {
		t.Errorf("expected channel_id %q, got %q", "abc-123", tu.ChannelID)
	}
	if tu.Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", tu.Username)
	}
	if !tu.Typing {
		t.Error("expected typing=true")
	}
}

func TestParseClientMessage_SubscribeTyping(t *testing.T) {
	input := []byte(`{"type":"subscribe_typing","channel_id":"abc-123"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribeTyping {
		t.Fatalf("expected type %q, got %q", TypeSubscribeTyping, msgType)
	}

	st, ok := msg.(SubscribeTypingMsg)
	if !ok {
		t.Fatalf("expected SubscribeTypingMsg, got %T", msg)
	}
	if st.ChannelID != "abc-123" {
		t.Errorf("expected channel_id %q, got %q", "abc-123", st.ChannelID)
	}
}

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"message","channel_id":"abc-123","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"channel_id":"abc"}`)); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"launch_missiles"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if msgType != "launch_missiles" {
		t.Errorf("expected the unknown type to be returned, got %q", msgType)
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{nope`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewServerMessage_SetsType(t *testing.T) {
	data, err := NewServerMessage(TypeTypingUsers, TypingUsersMsg{
		ChannelID: "abc-123",
		Users:     []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("NewServerMessage() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["type"] != TypeTypingUsers {
		t.Errorf("expected type %q, got %v", TypeTypingUsers, decoded["type"])
	}
	if decoded["channel_id"] != "abc-123" {
		t.Errorf("expected channel_id abc-123, got %v", decoded["channel_id"])
	}
	users, ok := decoded["users"].([]interface{})
	if !ok || len(users) != 2 {
		t.Errorf("expected 2 users, got %v", decoded["users"])
	}
}

func TestNewServerMessage_OverridesPayloadType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "bogus"})
	if err != nil {
		t.Fatalf("NewServerMessage() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["type"] != TypePong {
		t.Errorf("expected type %q, got %v", TypePong, decoded["type"])
	}
}
