package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/pitchlink/chat-service/internal/blobstore"
	"github.com/pitchlink/chat-service/internal/metrics"
	"github.com/pitchlink/chat-service/internal/ratelimit"
	"github.com/pitchlink/chat-service/internal/store"
)

// maxUploadBytes caps a voice note upload. Multipart overhead included.
const maxUploadBytes = 32 << 20

// ConversationReader resolves the target conversation for an upload.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Broadcaster publishes the persisted audio message to conversation
// subscribers. Implemented by realtime.Client.
type Broadcaster interface {
	PublishMessageInsert(conversationID string, m store.Message) error
}

// UploadHandler serves POST /conversations/{id}/voice. The request is
// multipart: an "audio" file part plus a "duration" field with the recorded
// whole seconds. The authenticated user arrives in the "user" query
// parameter, stamped by the fronting proxy like the WebSocket upgrade.
type UploadHandler struct {
	convs   ConversationReader
	sender  *Sender
	bcast   Broadcaster
	limiter *ratelimit.Limiter
}

// NewUploadHandler wires the upload endpoint. limiter may be nil to disable
// throttling.
func NewUploadHandler(convs ConversationReader, sender *Sender, bcast Broadcaster, limiter *ratelimit.Limiter) *UploadHandler {
	return &UploadHandler{convs: convs, sender: sender, bcast: bcast, limiter: limiter}
}

func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}
	conversationID := r.PathValue("id")
	if conversationID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "missing conversation id")
		return
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(r.Context(), userID, ratelimit.RuleVoice)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("audio", "blocked").Inc()
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many voice notes")
			return
		}
	}

	conv, err := h.convs.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		log.Printf("[voice] load conversation %s: %v", conversationID, err)
		writeJSONError(w, http.StatusInternalServerError, "store_error", "could not load conversation")
		return
	}
	if !conv.IsParticipant(userID) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}

	duration, err := strconv.Atoi(r.FormValue("duration"))
	if err != nil || duration < 0 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid duration")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "missing audio part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "could not read audio part")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/webm"
	}

	clip := &Clip{Data: data, ContentType: contentType, DurationSeconds: duration}
	start := time.Now()
	m, err := h.sender.Send(r.Context(), conversationID, userID, clip)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("audio", "failed").Inc()
		if errors.Is(err, blobstore.ErrBucketMissing) {
			// Operator problem, reported distinctly so the client can show
			// an actionable notice instead of a generic failure.
			writeJSONError(w, http.StatusServiceUnavailable, "bucket_missing", "audio storage is not configured")
			return
		}
		log.Printf("[voice] send conv=%s user=%s: %v", conversationID, userID, err)
		writeJSONError(w, http.StatusBadGateway, "upload_failed", "could not store voice note")
		return
	}
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("audio", "sent").Inc()
	metrics.VoiceUploadBytes.Observe(float64(len(data)))

	if err := h.bcast.PublishMessageInsert(conversationID, *m); err != nil {
		log.Printf("[voice] broadcast conv=%s msg=%s: %v", conversationID, m.ID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(m)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
