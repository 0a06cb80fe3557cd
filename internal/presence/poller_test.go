package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitchlink/chat-service/internal/store"
)

type fakeReader struct {
	mu      sync.Mutex
	records map[string]store.PresenceRecord
}

func (f *fakeReader) GetPresence(_ context.Context, userID string) (*store.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[userID]
	return &rec, nil
}

func TestPollerDerivesOnlineFromFreshness(t *testing.T) {
	now := time.Now().UTC()
	reader := &fakeReader{records: map[string]store.PresenceRecord{
		"fresh": {UserID: "fresh", IsOnline: true, LastSeenAt: now},
		"stale": {UserID: "stale", IsOnline: true, LastSeenAt: now.Add(-FreshnessWindow - time.Minute)},
		"never": {UserID: "never"},
	}}

	var mu sync.Mutex
	var snapshots []map[string]PeerState
	p := NewPoller(reader, 20*time.Millisecond, func(s map[string]PeerState) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx, []string{"fresh", "stale", "never"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) >= 2
	}, "poller refreshes")
	cancel()

	mu.Lock()
	snap := snapshots[0]
	mu.Unlock()

	if !snap["fresh"].Online {
		t.Error("fresh heartbeat derived as offline")
	}
	if snap["stale"].Online {
		t.Error("stale heartbeat derived as online despite persisted flag")
	}
	if snap["never"].Online || !snap["never"].LastSeenAt.IsZero() {
		t.Errorf("never-seen user = %+v", snap["never"])
	}
}
