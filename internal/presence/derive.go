package presence

import (
	"fmt"
	"time"
)

// FreshnessWindow is how recent a persisted heartbeat must be for the
// polling path to consider the user online. Live channels don't use this;
// it exists for views that only see the user_presence row.
const FreshnessWindow = 2 * time.Minute

// OnlineFromHeartbeat reports whether a persisted last-seen timestamp is
// fresh enough to count as online.
func OnlineFromHeartbeat(lastSeen, now time.Time) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) < FreshnessWindow
}

// RelativeLastSeen renders the peer status line: "online" for a fresh
// heartbeat, a coarse relative time otherwise, and "offline" when the user
// has never been seen.
func RelativeLastSeen(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return "offline"
	}
	if OnlineFromHeartbeat(lastSeen, now) {
		return "online"
	}

	d := now.Sub(lastSeen)
	switch {
	case d < time.Hour:
		return fmt.Sprintf("last seen %dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("last seen %dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("last seen %dd ago", int(d.Hours()/24))
	}
}
