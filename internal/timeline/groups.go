package timeline

import (
	"time"

	"github.com/pitchlink/chat-service/internal/store"
)

// DateBucket is a run of consecutive messages that share a calendar day in
// the given location. Buckets preserve timeline order.
type DateBucket struct {
	Day      time.Time // midnight of the bucket's day in loc
	Label    string    // "2006-01-02"
	Messages []store.Message
}

// GroupByDay splits an ordered message list into calendar-day buckets. The
// boundary is the local calendar date, not a fixed 24h window: a message at
// 23:59 and one at 00:01 land in different buckets.
func GroupByDay(msgs []store.Message, loc *time.Location) []DateBucket {
	if loc == nil {
		loc = time.Local
	}

	var buckets []DateBucket
	for _, m := range msgs {
		t := m.CreatedAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

		if n := len(buckets); n > 0 && buckets[n-1].Day.Equal(day) {
			buckets[n-1].Messages = append(buckets[n-1].Messages, m)
			continue
		}
		buckets = append(buckets, DateBucket{
			Day:      day,
			Label:    day.Format("2006-01-02"),
			Messages: []store.Message{m},
		})
	}
	return buckets
}
