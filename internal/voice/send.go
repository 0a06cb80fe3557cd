package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitchlink/chat-service/internal/store"
)

// audioCaption is the placeholder content stored for audio messages.
const audioCaption = "🎤 Nota de voz"

// Blobs is the object-storage subset the sender needs. Implemented by
// blobstore.Client.
type Blobs interface {
	CheckBucket(ctx context.Context) error
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Inserter persists the audio message row. Implemented by store.Store.
type Inserter interface {
	InsertAudioMessage(ctx context.Context, conversationID, senderID, caption, audioURL string, durationSeconds int) (*store.Message, error)
}

// Sender runs the voice note send path: bucket check, upload, insert. There
// is no optimistic phase for audio; the message appears only after both
// steps succeed.
type Sender struct {
	blobs Blobs
	ins   Inserter
	now   func() time.Time
}

// NewSender creates a sender over the given storage and persistence.
func NewSender(blobs Blobs, ins Inserter) *Sender {
	return &Sender{blobs: blobs, ins: ins, now: time.Now}
}

// Send uploads the clip under <sender>/<unix-timestamp>.<ext> and inserts
// the audio message. A bucket-missing condition propagates as
// blobstore.ErrBucketMissing via the wrapped error so callers can show an
// actionable notice; an upload failure aborts before any message is created.
func (s *Sender) Send(ctx context.Context, conversationID, senderID string, clip *Clip) (*store.Message, error) {
	if clip == nil || len(clip.Data) == 0 {
		return nil, fmt.Errorf("voice: send: empty clip")
	}

	if err := s.blobs.CheckBucket(ctx); err != nil {
		return nil, fmt.Errorf("voice: send: %w", err)
	}

	path := fmt.Sprintf("%s/%d.%s", senderID, s.now().Unix(), Extension(clip.ContentType))
	url, err := s.blobs.Upload(ctx, path, clip.Data, clip.ContentType)
	if err != nil {
		return nil, fmt.Errorf("voice: send: %w", err)
	}

	m, err := s.ins.InsertAudioMessage(ctx, conversationID, senderID, audioCaption, url, clip.DurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("voice: send: %w", err)
	}
	return m, nil
}

// Extension maps a negotiated content type to the file extension used in the
// storage path. Unknown types fall back to webm, the first-preference
// encoding.
func Extension(contentType string) string {
	base := contentType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	switch strings.TrimSpace(base) {
	case "audio/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4":
		return "mp4"
	case "audio/mpeg":
		return "mp3"
	default:
		return "webm"
	}
}
