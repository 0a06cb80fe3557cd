package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pitchlink/chat-service/internal/store"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid open_conversation message
// ---------------------------------------------------------------------------

func TestParseClientMessage_OpenConversation(t *testing.T) {
	input := []byte(`{"type":"open_conversation","publication_id":"pub-7","peer_id":"user-b"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeOpenConversation {
		t.Fatalf("expected type %q, got %q", TypeOpenConversation, msgType)
	}

	oc, ok := msg.(OpenConversationMsg)
	if !ok {
		t.Fatalf("expected OpenConversationMsg, got %T", msg)
	}
	if oc.PublicationID != "pub-7" {
		t.Errorf("expected publication_id %q, got %q", "pub-7", oc.PublicationID)
	}
	if oc.PeerID != "user-b" {
		t.Errorf("expected peer_id %q, got %q", "user-b", oc.PeerID)
	}
	if oc.ConversationID != "" {
		t.Errorf("expected empty conversation_id, got %q", oc.ConversationID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message (chat) message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","conversation_id":"abc-123","temp_id":"temp-9","text":"Hello!"}`)

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
	if cm.ConversationID != "abc-123" {
		t.Errorf("expected conversation_id %q, got %q", "abc-123", cm.ConversationID)
	}
	if cm.TempID != "temp-9" {
		t.Errorf("expected temp_id %q, got %q", "temp-9", cm.TempID)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message_ack server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageAck(t *testing.T) {
	payload := MessageAckMsg{
		TempID: "temp-42",
		Message: store.Message{
			ID:             "srv-42",
			ConversationID: "conv-1",
			SenderID:       "user-a",
			Kind:           store.KindText,
			Content:        "hola",
			CreatedAt:      time.Now().UTC(),
		},
	}

	data, err := NewServerMessage(TypeMessageAck, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessageAck {
		t.Errorf("expected type %q, got %v", TypeMessageAck, result["type"])
	}
	if result["temp_id"] != "temp-42" {
		t.Errorf("expected temp_id %q, got %v", "temp-42", result["temp_id"])
	}

	inner, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if inner["id"] != "srv-42" {
		t.Errorf("expected message id %q, got %v", "srv-42", inner["id"])
	}
	if inner["content"] != "hola" {
		t.Errorf("expected content %q, got %v", "hola", inner["content"])
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

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_Typing(t *testing.T) {
	original := TypingMsg{
		Type:           TypeTyping,
		ConversationID: "conv-5",
		IsTyping:       true,
	}

	// Marshal to JSON.
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	// Parse back through the protocol parser.
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	decoded, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if decoded.ConversationID != original.ConversationID {
		t.Errorf("conversation_id mismatch: expected %q, got %q", original.ConversationID, decoded.ConversationID)
	}
	if decoded.IsTyping != original.IsTyping {
		t.Errorf("is_typing mismatch: expected %v, got %v", original.IsTyping, decoded.IsTyping)
	}
}

func TestRoundTrip_SendFailed(t *testing.T) {
	original := SendFailedMsg{
		TempID: "temp-1",
		Reason: "store unavailable",
	}

	// Create server message bytes.
	data, err := NewServerMessage(TypeSendFailed, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	// Unmarshal back into the struct.
	var decoded SendFailedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeSendFailed {
		t.Errorf("type mismatch: expected %q, got %q", TypeSendFailed, decoded.Type)
	}
	if decoded.TempID != original.TempID {
		t.Errorf("temp_id mismatch: expected %q, got %q", original.TempID, decoded.TempID)
	}
	if decoded.Reason != original.Reason {
		t.Errorf("reason mismatch: expected %q, got %q", original.Reason, decoded.Reason)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a conversation_list server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ConversationList(t *testing.T) {
	last := store.Message{
		ID:             "m-9",
		ConversationID: "conv-1",
		SenderID:       "user-b",
		Kind:           store.KindText,
		Content:        "see you at the trial",
		CreatedAt:      time.Now().UTC(),
	}
	payload := ConversationListMsg{
		Conversations: []ConversationSummary{
			{
				ConversationID: "conv-1",
				PublicationID:  "pub-7",
				PeerID:         "user-b",
				PeerName:       "River FC",
				PeerOnline:     true,
				PeerLastSeen:   time.Now().UTC(),
				LastMessage:    &last,
				UnreadCount:    3,
			},
			{
				ConversationID: "conv-2",
				PeerID:         "user-c",
			},
		},
	}

	data, err := NewServerMessage(TypeConversationList, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ConversationListMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeConversationList {
		t.Errorf("expected type %q, got %q", TypeConversationList, decoded.Type)
	}
	if len(decoded.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(decoded.Conversations))
	}

	first := decoded.Conversations[0]
	if first.PeerName != "River FC" {
		t.Errorf("expected peer_name %q, got %q", "River FC", first.PeerName)
	}
	if first.UnreadCount != 3 {
		t.Errorf("expected unread_count 3, got %d", first.UnreadCount)
	}
	if first.LastMessage == nil || first.LastMessage.Content != "see you at the trial" {
		t.Errorf("last message not preserved: %+v", first.LastMessage)
	}

	second := decoded.Conversations[1]
	if second.LastMessage != nil {
		t.Errorf("expected nil last message for empty thread, got %+v", second.LastMessage)
	}
	if second.UnreadCount != 0 {
		t.Errorf("expected unread_count 0, got %d", second.UnreadCount)
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
		{"open_conversation", `{"type":"open_conversation","conversation_id":"c1"}`, TypeOpenConversation},
		{"close_conversation", `{"type":"close_conversation","conversation_id":"c1"}`, TypeCloseConversation},
		{"message", `{"type":"message","conversation_id":"c1","temp_id":"temp-1","text":"hi"}`, TypeMessage},
		{"mark_read", `{"type":"mark_read","message_id":"m1"}`, TypeMarkRead},
		{"typing", `{"type":"typing","conversation_id":"c1","is_typing":true}`, TypeTyping},
		{"list_conversations", `{"type":"list_conversations"}`, TypeListConversations},
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
