// Package timeline owns the in-memory ordered message list for one open
// conversation and runs the send protocol: optimistic append, persist,
// reconcile-or-rollback. It is independent of any transport or rendering
// layer so the whole protocol is unit-testable.
package timeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchlink/chat-service/internal/store"
)

// TempIDPrefix marks locally minted message ids. A message whose id carries
// this prefix has not been confirmed by the store yet.
const TempIDPrefix = "temp-"

// IsOptimistic reports whether an id belongs to an unconfirmed local entry.
func IsOptimistic(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Store is the persistence subset the controller drives. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	InsertTextMessage(ctx context.Context, conversationID, senderID, content string) (*store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
	MarkMessageRead(ctx context.Context, messageID string) error
}

// Controller maintains the ordered list and the send state for one
// conversation as seen by one participant.
type Controller struct {
	store          Store
	conversationID string
	selfID         string

	mu           sync.Mutex
	messages     []store.Message
	input        string
	sending      bool
	onChange     func()
	onSendFailed func(content string, err error)
}

// NewController creates a controller with an empty timeline.
func NewController(st Store, conversationID, selfID string) *Controller {
	return &Controller{store: st, conversationID: conversationID, selfID: selfID}
}

// OnChange registers a callback fired after any list mutation.
func (c *Controller) OnChange(cb func()) {
	c.mu.Lock()
	c.onChange = cb
	c.mu.Unlock()
}

// OnSendFailed registers the failure-notice callback. It fires exactly once
// per failed send, after the optimistic entry has been rolled back.
func (c *Controller) OnSendFailed(cb func(content string, err error)) {
	c.mu.Lock()
	c.onSendFailed = cb
	c.mu.Unlock()
}

// Load replaces the timeline with the stored history and batch-marks every
// unread peer message as read. The read-marking is best effort; a failure
// leaves the flags to be retried on the next load.
func (c *Controller) Load(ctx context.Context) error {
	msgs, err := c.store.ListMessages(ctx, c.conversationID)
	if err != nil {
		return fmt.Errorf("timeline: load: %w", err)
	}

	c.mu.Lock()
	c.messages = msgs
	c.mu.Unlock()
	c.notify()

	if n, err := c.store.MarkConversationRead(ctx, c.conversationID, c.selfID); err != nil {
		log.Printf("[timeline] batch mark read conv=%s: %v", c.conversationID, err)
	} else if n > 0 {
		log.Printf("[timeline] marked %d messages read conv=%s", n, c.conversationID)
	}
	return nil
}

// Messages returns a snapshot of the current list.
func (c *Controller) Messages() []store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Input returns the draft input content.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// SetInput replaces the draft input content.
func (c *Controller) SetInput(s string) {
	c.mu.Lock()
	c.input = s
	c.mu.Unlock()
}

// Send runs the text send protocol on the current input:
//
//  1. no-op if the trimmed input is empty or a send is already in flight
//  2. append an optimistic entry with a local id and clear the input
//  3. persist
//  4. on success, replace the optimistic entry in place with the confirmed
//     message (or drop it, if the broadcast already delivered the confirmed
//     message); on failure, remove it, restore the input, and fire the
//     failure notice once
//
// There is no automatic retry; the restored input lets the user resend.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	content := strings.TrimSpace(c.input)
	if content == "" || c.sending {
		c.mu.Unlock()
		return nil
	}
	if err := ValidateContent(content); err != nil {
		c.mu.Unlock()
		return err
	}

	tempID := TempIDPrefix + uuid.New().String()
	optimistic := store.Message{
		ID:             tempID,
		ConversationID: c.conversationID,
		SenderID:       c.selfID,
		Kind:           store.KindText,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	c.messages = append(c.messages, optimistic)
	c.input = ""
	c.sending = true
	c.mu.Unlock()
	c.notify()

	confirmed, err := c.store.InsertTextMessage(ctx, c.conversationID, c.selfID, content)

	c.mu.Lock()
	c.sending = false
	if err != nil {
		c.removeLocked(tempID)
		c.input = content
		failCb := c.onSendFailed
		c.mu.Unlock()
		c.notify()
		if failCb != nil {
			failCb(content, err)
		}
		return fmt.Errorf("timeline: send: %w", err)
	}
	// The broadcast for this message may already have arrived through
	// Receive while the insert was in flight. In that case the confirmed id
	// is listed and the optimistic entry is dropped instead of replaced, so
	// the server id never appears twice.
	if c.containsLocked(confirmed.ID) {
		c.removeLocked(tempID)
	} else {
		c.replaceLocked(tempID, *confirmed)
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// Receive folds a live message-insert event into the list. Duplicates by
// server id are dropped — the event may describe a message this client just
// reconciled. A peer message is marked read immediately, best effort.
func (c *Controller) Receive(ctx context.Context, m store.Message) {
	c.mu.Lock()
	if c.containsLocked(m.ID) {
		c.mu.Unlock()
		return
	}
	c.insertOrderedLocked(m)
	c.mu.Unlock()
	c.notify()

	if m.SenderID != c.selfID {
		if err := c.store.MarkMessageRead(ctx, m.ID); err != nil {
			log.Printf("[timeline] mark read msg=%s: %v", m.ID, err)
		}
	}
}

// ApplyUpdate replaces the stored copy of a mutated message (read-receipt
// flips arrive this way). Unknown ids are ignored.
func (c *Controller) ApplyUpdate(m store.Message) {
	c.mu.Lock()
	replaced := c.replaceLocked(m.ID, m)
	c.mu.Unlock()
	if replaced {
		c.notify()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	cb := c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Controller) containsLocked(id string) bool {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return true
		}
	}
	return false
}

// insertOrderedLocked keeps the list sorted by creation time ascending,
// placing equal timestamps after existing entries (insertion order).
func (c *Controller) insertOrderedLocked(m store.Message) {
	i := len(c.messages)
	for i > 0 && c.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	c.messages = append(c.messages, store.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
}

func (c *Controller) replaceLocked(id string, m store.Message) bool {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages[i] = m
			return true
		}
	}
	return false
}

func (c *Controller) removeLocked(id string) {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}
