// Package realtime multiplexes per-conversation change streams over NATS.
// Each open conversation holds exactly one subscription pair: a message
// subject carrying insert/update events and a presence subject carrying
// join/heartbeat/typing/leave payloads. Events for one conversation are
// delivered in stream order; nothing is guaranteed across conversations.
package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pitchlink/chat-service/internal/store"
)

// NATS subject patterns. Conversation ids are interpolated into the wildcard
// position.
const (
	subjectMessages = "conv.%s.messages"
	subjectPresence = "conv.%s.presence"
)

// Message event kinds.
const (
	EventInsert = "insert"
	EventUpdate = "update"
)

// MessageEvent is the payload published on a conversation's message subject
// whenever a message row is created or its read flag changes.
type MessageEvent struct {
	Kind    string        `json:"kind"` // "insert" or "update"
	Message store.Message `json:"message"`
}

// PresenceEvent is the ephemeral payload published on a conversation's
// presence subject. Typing state lives only here; it is never persisted.
type PresenceEvent struct {
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
	Typing   bool      `json:"typing"`
	Leave    bool      `json:"leave,omitempty"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults. Reconnects are unbounded: a NATS
// outage heals at the transport level without application involvement.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "pitchlink-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client owns the NATS connection and the set of open conversation handles.
type Client struct {
	conn *nats.Conn

	mu      sync.Mutex
	handles map[string]*Handle // key: owner + conversation id
}

// NewClient connects to NATS and returns a ready Client. The initial
// connection failure is fatal to the caller; later disconnects are retried
// by the NATS client itself.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[realtime] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[realtime] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}

	return &Client{
		conn:    nc,
		handles: make(map[string]*Handle),
	}, nil
}

// Handle is one client's live subscription pair for a single conversation.
// If the underlying subscription drops for good, the handle is not
// resubscribed here; recovery is closing and reopening the conversation.
type Handle struct {
	client         *Client
	key            string
	conversationID string

	msgSub  *nats.Subscription
	presSub *nats.Subscription

	mu         sync.Mutex
	onInsert   func(store.Message)
	onUpdate   func(store.Message)
	onPresence func(PresenceEvent)
	closed     bool
}

// Open subscribes to a conversation's message and presence subjects on
// behalf of ownerID and returns the handle. At most one live handle exists
// per (owner, conversation): opening again tears down the predecessor first,
// so events are never delivered twice.
func (c *Client) Open(ownerID, conversationID string) (*Handle, error) {
	key := ownerID + "/" + conversationID

	c.mu.Lock()
	prev := c.handles[key]
	delete(c.handles, key)
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	h := &Handle{client: c, key: key, conversationID: conversationID}

	msgSub, err := c.conn.Subscribe(fmt.Sprintf(subjectMessages, conversationID), h.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe messages conv=%s: %w", conversationID, err)
	}
	presSub, err := c.conn.Subscribe(fmt.Sprintf(subjectPresence, conversationID), h.handlePresence)
	if err != nil {
		_ = msgSub.Unsubscribe()
		return nil, fmt.Errorf("realtime: subscribe presence conv=%s: %w", conversationID, err)
	}
	h.msgSub = msgSub
	h.presSub = presSub

	c.mu.Lock()
	c.handles[key] = h
	c.mu.Unlock()

	return h, nil
}

// OnMessageInsert registers the callback for message-insert events.
func (h *Handle) OnMessageInsert(cb func(store.Message)) {
	h.mu.Lock()
	h.onInsert = cb
	h.mu.Unlock()
}

// OnMessageUpdate registers the callback for message-update events.
func (h *Handle) OnMessageUpdate(cb func(store.Message)) {
	h.mu.Lock()
	h.onUpdate = cb
	h.mu.Unlock()
}

// OnPresence registers the callback for presence events.
func (h *Handle) OnPresence(cb func(PresenceEvent)) {
	h.mu.Lock()
	h.onPresence = cb
	h.mu.Unlock()
}

// Close unsubscribes both subjects and removes the handle from its client.
// Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.msgSub.Unsubscribe(); err != nil {
		log.Printf("[realtime] unsubscribe messages conv=%s: %v", h.conversationID, err)
	}
	if err := h.presSub.Unsubscribe(); err != nil {
		log.Printf("[realtime] unsubscribe presence conv=%s: %v", h.conversationID, err)
	}

	h.client.mu.Lock()
	if h.client.handles[h.key] == h {
		delete(h.client.handles, h.key)
	}
	h.client.mu.Unlock()
}

func (h *Handle) handleMessage(msg *nats.Msg) {
	var ev MessageEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[realtime] bad message event conv=%s: %v", h.conversationID, err)
		return
	}

	h.mu.Lock()
	onInsert, onUpdate := h.onInsert, h.onUpdate
	h.mu.Unlock()

	switch ev.Kind {
	case EventInsert:
		if onInsert != nil {
			onInsert(ev.Message)
		}
	case EventUpdate:
		if onUpdate != nil {
			onUpdate(ev.Message)
		}
	default:
		log.Printf("[realtime] unknown message event kind=%q conv=%s", ev.Kind, h.conversationID)
	}
}

func (h *Handle) handlePresence(msg *nats.Msg) {
	var ev PresenceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[realtime] bad presence event conv=%s: %v", h.conversationID, err)
		return
	}

	h.mu.Lock()
	cb := h.onPresence
	h.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

// PublishMessageInsert broadcasts a freshly persisted message to the
// conversation's subscribers.
func (c *Client) PublishMessageInsert(conversationID string, m store.Message) error {
	return c.publishMessage(conversationID, MessageEvent{Kind: EventInsert, Message: m})
}

// PublishMessageUpdate broadcasts a message mutation (read-flag change).
func (c *Client) PublishMessageUpdate(conversationID string, m store.Message) error {
	return c.publishMessage(conversationID, MessageEvent{Kind: EventUpdate, Message: m})
}

func (c *Client) publishMessage(conversationID string, ev MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal message event: %w", err)
	}
	if err := c.conn.Publish(fmt.Sprintf(subjectMessages, conversationID), data); err != nil {
		return fmt.Errorf("realtime: publish message event conv=%s: %w", conversationID, err)
	}
	return nil
}

// PublishPresence broadcasts a presence payload on the conversation's
// presence subject.
func (c *Client) PublishPresence(conversationID string, ev PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal presence event: %w", err)
	}
	if err := c.conn.Publish(fmt.Sprintf(subjectPresence, conversationID), data); err != nil {
		return fmt.Errorf("realtime: publish presence conv=%s: %w", conversationID, err)
	}
	return nil
}

// Close tears down every open handle and drains the connection.
func (c *Client) Close() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}

	if err := c.conn.Drain(); err != nil {
		log.Printf("[realtime] drain: %v", err)
	}
}
