// Package presence maintains a user's online/typing state for one open
// conversation and derives the peer's state from the conversation's presence
// stream. Typing is ephemeral channel state; online/last-seen is also
// persisted so views without a live channel can poll it.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pitchlink/chat-service/internal/realtime"
)

// State is the tracker's lifecycle state for one conversation view.
type State int

const (
	Unjoined State = iota
	Joining
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Publisher sends ephemeral presence payloads to the conversation's channel.
// Implemented by realtime.Client.
type Publisher interface {
	PublishPresence(conversationID string, ev realtime.PresenceEvent) error
}

// Recorder persists the durable last-seen record. Implemented by store.Store.
type Recorder interface {
	UpsertPresence(ctx context.Context, userID string, online bool) error
}

// Config holds the tracker's timing parameters. Tests shrink these to
// milliseconds.
type Config struct {
	HeartbeatInterval time.Duration // persisted-record renewal cadence
	TypingIdle        time.Duration // keystroke silence before typing clears
}

// DefaultConfig matches the product behavior: 30 s heartbeats, 1.5 s typing
// idle.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		TypingIdle:        1500 * time.Millisecond,
	}
}

// PeerState is the resolved view of the other participant. Online is a
// single boolean regardless of how many join events arrived.
type PeerState struct {
	Online     bool
	Typing     bool
	LastSeenAt time.Time
}

// Tracker publishes this user's presence for one conversation and folds the
// peer's presence events into a PeerState.
type Tracker struct {
	cfg            Config
	pub            Publisher
	rec            Recorder
	userID         string
	peerID         string
	conversationID string

	mu           sync.Mutex
	state        State
	typing       bool
	typingTimer  *time.Timer
	peer         PeerState
	onPeerChange func(PeerState)
	done         chan struct{}
}

// NewTracker creates a tracker in the Unjoined state.
func NewTracker(cfg Config, pub Publisher, rec Recorder, userID, peerID, conversationID string) *Tracker {
	return &Tracker{
		cfg:            cfg,
		pub:            pub,
		rec:            rec,
		userID:         userID,
		peerID:         peerID,
		conversationID: conversationID,
	}
}

// OnPeerChange registers the callback invoked whenever the peer's resolved
// state changes.
func (t *Tracker) OnPeerChange(cb func(PeerState)) {
	t.mu.Lock()
	t.onPeerChange = cb
	t.mu.Unlock()
}

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Peer returns the peer's current resolved state.
func (t *Tracker) Peer() PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// Join announces this user on the conversation's presence channel, writes
// the persisted online record, and starts the heartbeat loop. Join on an
// already-joined tracker is an error.
func (t *Tracker) Join(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Unjoined {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("presence: join from state %s", state)
	}
	t.state = Joining
	t.done = make(chan struct{})
	t.mu.Unlock()

	if err := t.announce(false); err != nil {
		t.mu.Lock()
		t.state = Unjoined
		t.mu.Unlock()
		return err
	}
	if err := t.rec.UpsertPresence(ctx, t.userID, true); err != nil {
		log.Printf("[presence] initial record write user=%s: %v", t.userID, err)
	}

	t.mu.Lock()
	t.state = Joined
	done := t.done
	t.mu.Unlock()

	go t.heartbeat(done)
	return nil
}

// heartbeat renews the persisted record and re-announces on the channel
// every HeartbeatInterval until Leave closes done. Renewal keeps the
// freshness window satisfied for list-view readers and lets late channel
// joiners learn about us within one interval.
func (t *Tracker) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.rec.UpsertPresence(ctx, t.userID, true); err != nil {
				log.Printf("[presence] heartbeat user=%s: %v", t.userID, err)
			}
			cancel()
			if err := t.announce(t.isTyping()); err != nil {
				log.Printf("[presence] heartbeat announce user=%s: %v", t.userID, err)
			}
		}
	}
}

func (t *Tracker) isTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Tracker) announce(typing bool) error {
	return t.pub.PublishPresence(t.conversationID, realtime.PresenceEvent{
		UserID:   t.userID,
		OnlineAt: time.Now().UTC(),
		Typing:   typing,
	})
}

// Keystroke signals a non-empty input change. It publishes typing=true and
// arms (or rearms) the idle timer that clears the flag after TypingIdle of
// silence.
func (t *Tracker) Keystroke() {
	t.mu.Lock()
	if t.state != Joined {
		t.mu.Unlock()
		return
	}
	t.typing = true
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.typingTimer = time.AfterFunc(t.cfg.TypingIdle, t.typingIdle)
	t.mu.Unlock()

	if err := t.announce(true); err != nil {
		log.Printf("[presence] typing announce user=%s: %v", t.userID, err)
	}
}

func (t *Tracker) typingIdle() {
	t.mu.Lock()
	if t.state != Joined || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.mu.Unlock()

	if err := t.announce(false); err != nil {
		log.Printf("[presence] typing clear user=%s: %v", t.userID, err)
	}
}

// Leave publishes the channel leave, cancels the heartbeat and typing
// timers, and writes the final offline record. Best effort: failures are
// logged, not returned, so view teardown always completes.
func (t *Tracker) Leave(ctx context.Context) {
	t.mu.Lock()
	if t.state != Joined && t.state != Joining {
		t.mu.Unlock()
		return
	}
	t.state = Leaving
	t.typing = false
	if t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	err := t.pub.PublishPresence(t.conversationID, realtime.PresenceEvent{
		UserID:   t.userID,
		OnlineAt: time.Now().UTC(),
		Leave:    true,
	})
	if err != nil {
		log.Printf("[presence] leave announce user=%s: %v", t.userID, err)
	}
	if err := t.rec.UpsertPresence(ctx, t.userID, false); err != nil {
		log.Printf("[presence] offline record write user=%s: %v", t.userID, err)
	}

	t.mu.Lock()
	t.state = Unjoined
	t.mu.Unlock()
}

// HandlePeerEvent folds a presence event into the peer's resolved state.
// Events for other users (including our own echoes) are ignored. A repeated
// join leaves the state unchanged — peer online is a boolean, not a count.
// On the peer's offline→online transition we re-announce ourselves so a
// freshly joined peer sees us immediately instead of after a heartbeat.
func (t *Tracker) HandlePeerEvent(ev realtime.PresenceEvent) {
	if ev.UserID != t.peerID {
		return
	}

	t.mu.Lock()
	prev := t.peer
	if ev.Leave {
		t.peer = PeerState{Online: false, Typing: false, LastSeenAt: time.Now().UTC()}
	} else {
		t.peer = PeerState{Online: true, Typing: ev.Typing, LastSeenAt: ev.OnlineAt}
	}
	next := t.peer
	cb := t.onPeerChange
	joined := t.state == Joined
	t.mu.Unlock()

	cameOnline := !prev.Online && next.Online
	if cameOnline && joined {
		if err := t.announce(t.isTyping()); err != nil {
			log.Printf("[presence] reannounce user=%s: %v", t.userID, err)
		}
	}

	if cb != nil && (prev.Online != next.Online || prev.Typing != next.Typing) {
		cb(next)
	}
}
