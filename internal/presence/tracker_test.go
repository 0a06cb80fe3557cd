package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitchlink/chat-service/internal/realtime"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.PresenceEvent
}

func (f *fakePublisher) PublishPresence(_ string, ev realtime.PresenceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) snapshot() []realtime.PresenceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]realtime.PresenceEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	upserts []bool
}

func (f *fakeRecorder) UpsertPresence(_ context.Context, _ string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, online)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakeRecorder) last() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[len(f.upserts)-1]
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		TypingIdle:        30 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestJoinAnnouncesAndHeartbeats(t *testing.T) {
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	tr := NewTracker(testConfig(), pub, rec, "alice", "bob", "conv-1")

	if tr.State() != Unjoined {
		t.Fatalf("initial state = %s", tr.State())
	}
	if err := tr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tr.Leave(context.Background())

	if tr.State() != Joined {
		t.Errorf("state after join = %s, want joined", tr.State())
	}

	evs := pub.snapshot()
	if len(evs) == 0 || evs[0].UserID != "alice" || evs[0].Typing {
		t.Fatalf("join announcement = %+v", evs)
	}

	// The heartbeat loop renews the record and re-announces.
	waitFor(t, func() bool { return rec.count() >= 3 }, "heartbeat renewals")
	waitFor(t, func() bool { return len(pub.snapshot()) >= 3 }, "heartbeat announcements")
	if !rec.last() {
		t.Error("heartbeat wrote an offline record")
	}
}

func TestJoinTwiceIsAnError(t *testing.T) {
	tr := NewTracker(testConfig(), &fakePublisher{}, &fakeRecorder{}, "alice", "bob", "conv-1")

	if err := tr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tr.Leave(context.Background())

	if err := tr.Join(context.Background()); err == nil {
		t.Error("second join succeeded")
	}
}

func TestKeystrokeSetsAndIdleClearsTyping(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(testConfig(), pub, &fakeRecorder{}, "alice", "bob", "conv-1")

	if err := tr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tr.Leave(context.Background())

	before := len(pub.snapshot())
	tr.Keystroke()

	evs := pub.snapshot()
	if len(evs) <= before || !evs[len(evs)-1].Typing {
		t.Fatal("keystroke did not announce typing=true")
	}

	// After TypingIdle of silence a typing=false announcement follows.
	waitFor(t, func() bool {
		for _, ev := range pub.snapshot()[before+1:] {
			if !ev.Typing && !ev.Leave {
				return true
			}
		}
		return false
	}, "typing clear")
}

func TestLeavePublishesLeaveAndOfflineRecord(t *testing.T) {
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	tr := NewTracker(testConfig(), pub, rec, "alice", "bob", "conv-1")

	if err := tr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr.Leave(context.Background())

	if tr.State() != Unjoined {
		t.Errorf("state after leave = %s, want unjoined", tr.State())
	}

	evs := pub.snapshot()
	if !evs[len(evs)-1].Leave {
		t.Error("last event is not a leave")
	}
	if rec.last() {
		t.Error("final record write was online, want offline")
	}

	// Leave again is a no-op.
	n := len(pub.snapshot())
	tr.Leave(context.Background())
	if len(pub.snapshot()) != n {
		t.Error("second leave published again")
	}
}

func TestHandlePeerEventFoldsState(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(testConfig(), pub, &fakeRecorder{}, "alice", "bob", "conv-1")

	var mu sync.Mutex
	var changes []PeerState
	tr.OnPeerChange(func(s PeerState) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	})

	now := time.Now().UTC()

	// Events for other users are ignored.
	tr.HandlePeerEvent(realtime.PresenceEvent{UserID: "mallory", OnlineAt: now})
	if tr.Peer().Online {
		t.Fatal("stranger event changed peer state")
	}

	// Peer joins.
	tr.HandlePeerEvent(realtime.PresenceEvent{UserID: "bob", OnlineAt: now})
	if p := tr.Peer(); !p.Online || p.Typing {
		t.Fatalf("peer after join = %+v", p)
	}

	// A repeated join keeps a single boolean, no extra change callback.
	mu.Lock()
	n := len(changes)
	mu.Unlock()
	tr.HandlePeerEvent(realtime.PresenceEvent{UserID: "bob", OnlineAt: now.Add(time.Second)})
	mu.Lock()
	if len(changes) != n {
		t.Errorf("repeated join fired change callback (%d -> %d)", n, len(changes))
	}
	mu.Unlock()

	// Typing flips.
	tr.HandlePeerEvent(realtime.PresenceEvent{UserID: "bob", OnlineAt: now, Typing: true})
	if !tr.Peer().Typing {
		t.Error("typing flag not applied")
	}

	// Leave resolves to offline with a last-seen timestamp.
	tr.HandlePeerEvent(realtime.PresenceEvent{UserID: "bob", Leave: true})
	p := tr.Peer()
	if p.Online || p.Typing {
		t.Errorf("peer after leave = %+v", p)
	}
	if p.LastSeenAt.IsZero() {
		t.Error("leave lost the last-seen timestamp")
	}
}

func TestPeerComingOnlineTriggersReannounce(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(testConfig(), pub, &fakeRecorder{}, "alice", "bob", "conv-1")

	if err := tr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tr.Leave(context.Background())

	before := len(pub.snapshot())
	tr.HandlePeerEvent(realtime.PresenceEvent{UserID: "bob", OnlineAt: time.Now().UTC()})

	evs := pub.snapshot()
	if len(evs) <= before {
		t.Fatal("no re-announcement after peer came online")
	}
	if evs[len(evs)-1].UserID != "alice" {
		t.Errorf("re-announcement from %q, want alice", evs[len(evs)-1].UserID)
	}
}

func TestKeystrokeIgnoredWhenUnjoined(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(testConfig(), pub, &fakeRecorder{}, "alice", "bob", "conv-1")

	tr.Keystroke()
	if len(pub.snapshot()) != 0 {
		t.Error("keystroke published while unjoined")
	}
}
