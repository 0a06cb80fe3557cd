package presence

import (
	"context"
	"log"
	"time"

	"github.com/pitchlink/chat-service/internal/store"
)

// Reader is the store subset the poller needs.
type Reader interface {
	GetPresence(ctx context.Context, userID string) (*store.PresenceRecord, error)
}

// Poller is the fallback presence path for views that hold no realtime
// channel (the conversation list): it re-reads the persisted records on an
// interval and derives online from heartbeat freshness.
type Poller struct {
	reader   Reader
	interval time.Duration
	onUpdate func(map[string]PeerState)
}

// NewPoller creates a poller that calls onUpdate with a userID→PeerState
// snapshot after every refresh.
func NewPoller(reader Reader, interval time.Duration, onUpdate func(map[string]PeerState)) *Poller {
	return &Poller{reader: reader, interval: interval, onUpdate: onUpdate}
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, userIDs []string) {
	p.refresh(ctx, userIDs)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx, userIDs)
		}
	}
}

func (p *Poller) refresh(ctx context.Context, userIDs []string) {
	now := time.Now().UTC()
	snapshot := make(map[string]PeerState, len(userIDs))

	for _, id := range userIDs {
		rec, err := p.reader.GetPresence(ctx, id)
		if err != nil {
			log.Printf("[presence] poll user=%s: %v", id, err)
			continue
		}
		snapshot[id] = PeerState{
			Online:     OnlineFromHeartbeat(rec.LastSeenAt, now),
			LastSeenAt: rec.LastSeenAt,
		}
	}

	if p.onUpdate != nil {
		p.onUpdate(snapshot)
	}
}
