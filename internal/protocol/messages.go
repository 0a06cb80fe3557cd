// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitchlink/chat-service/internal/store"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOpenConversation  = "open_conversation"
	TypeCloseConversation = "close_conversation"
	TypeMessage           = "message"
	TypeMarkRead          = "mark_read"
	TypeTyping            = "typing"
	TypeListConversations = "list_conversations"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConversationOpened = "conversation_opened"
	TypeServerMessage      = "message"
	TypeMessageUpdate      = "message_update"
	TypeMessageAck         = "message_ack"
	TypeSendFailed         = "send_failed"
	TypePresence           = "presence"
	TypeConversationList   = "conversation_list"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OpenConversationMsg is sent by the client to open a conversation view.
// Either an existing conversation id, or a publication/peer pair for the
// lazy find-or-create path, must be provided.
type OpenConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	PublicationID  string `json:"publication_id,omitempty"`
	PeerID         string `json:"peer_id,omitempty"`
}

// CloseConversationMsg is sent by the client on conversation view teardown.
type CloseConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// ChatMsg is a text message sent by the client. TempID is the client's local
// optimistic identifier, echoed back in the ack so the client can reconcile.
type ChatMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
	Text           string `json:"text"`
}

// MarkReadMsg asks the server to flag a single peer message as read.
type MarkReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ListConversationsMsg asks the server for the user's conversation list.
type ListConversationsMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConversationOpenedMsg is sent by the server once the conversation's
// subscriptions are live. It carries the full stored history and the peer's
// presence snapshot so the client renders without a second round trip.
type ConversationOpenedMsg struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	PeerID         string          `json:"peer_id"`
	PeerName       string          `json:"peer_name,omitempty"`
	PeerOnline     bool            `json:"peer_online"`
	PeerLastSeen   time.Time       `json:"peer_last_seen"`
	Messages       []store.Message `json:"messages"`
}

// ServerChatMsg relays a newly persisted message to conversation subscribers.
type ServerChatMsg struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

// MessageUpdateMsg relays a message mutation, in practice a read-flag flip.
type MessageUpdateMsg struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

// MessageAckMsg confirms the sender's own message. TempID lets the client
// replace its optimistic entry in place with the confirmed message.
type MessageAckMsg struct {
	Type    string        `json:"type"`
	TempID  string        `json:"temp_id"`
	Message store.Message `json:"message"`
}

// SendFailedMsg tells the sender a message was not persisted. The client
// rolls back its optimistic entry and restores the input.
type SendFailedMsg struct {
	Type   string `json:"type"`
	TempID string `json:"temp_id"`
	Reason string `json:"reason"`
}

// PresenceMsg relays a peer presence change: online heartbeat, typing flag,
// or leave.
type PresenceMsg struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
	Typing   bool      `json:"typing"`
	Leave    bool      `json:"leave,omitempty"`
}

// ConversationSummary is one row of the conversation list view: the thread,
// the peer as the list renders them, and the unread badge.
type ConversationSummary struct {
	ConversationID string         `json:"conversation_id"`
	PublicationID  string         `json:"publication_id,omitempty"`
	PeerID         string         `json:"peer_id"`
	PeerName       string         `json:"peer_name,omitempty"`
	PeerAvatarURL  string         `json:"peer_avatar_url,omitempty"`
	PeerOnline     bool           `json:"peer_online"`
	PeerLastSeen   time.Time      `json:"peer_last_seen"`
	LastMessage    *store.Message `json:"last_message,omitempty"`
	UnreadCount    int            `json:"unread_count"`
}

// ConversationListMsg carries the user's conversations, most recently active
// first.
type ConversationListMsg struct {
	Type          string                `json:"type"`
	Conversations []ConversationSummary `json:"conversations"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
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
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
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
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListConversations:
		var m ListConversationsMsg
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

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
