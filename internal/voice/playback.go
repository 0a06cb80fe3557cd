package voice

import (
	"fmt"
	"sync"
)

// Speeds is the fixed playback multiplier cycle.
var Speeds = []float64{1, 1.25, 1.5, 2}

// Player is the underlying audio resource behind one handle. Seek takes
// absolute seconds; Release frees the resource for good.
type Player interface {
	Play() error
	Pause()
	SetRate(multiplier float64)
	Seek(seconds float64)
	Release()
}

// Mixer owns every playback handle of one conversation view and enforces
// that at most one is playing at any instant.
type Mixer struct {
	mu      sync.Mutex
	handles map[string]*PlaybackHandle // keyed by message id

	// startMu serializes Play across handles: without it two goroutines
	// starting different handles could each pause the others before either
	// marks itself playing, leaving both playing.
	startMu sync.Mutex
}

// NewMixer creates an empty mixer.
func NewMixer() *Mixer {
	return &Mixer{handles: make(map[string]*PlaybackHandle)}
}

// Handle returns the playback handle for a message, creating it on first
// use. Duration is the clip length in seconds; player may be nil until the
// underlying resource is ready.
func (m *Mixer) Handle(messageID string, durationSeconds float64, player Player) *PlaybackHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[messageID]; ok {
		return h
	}
	h := &PlaybackHandle{
		mixer:     m,
		messageID: messageID,
		duration:  durationSeconds,
		player:    player,
	}
	m.handles[messageID] = h
	return h
}

// pauseOthers synchronously pauses every playing handle except keep. This is
// the mutual-exclusion step that upholds the single-playing invariant.
func (m *Mixer) pauseOthers(keep *PlaybackHandle) {
	m.mu.Lock()
	others := make([]*PlaybackHandle, 0, len(m.handles))
	for _, h := range m.handles {
		if h != keep {
			others = append(others, h)
		}
	}
	m.mu.Unlock()

	for _, h := range others {
		h.Pause()
	}
}

// Playing returns the id of the currently playing message, or "".
func (m *Mixer) Playing() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.handles {
		if h.IsPlaying() {
			return id
		}
	}
	return ""
}

// Close pauses and releases every handle. Called on view teardown.
func (m *Mixer) Close() {
	m.mu.Lock()
	handles := make([]*PlaybackHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*PlaybackHandle)
	m.mu.Unlock()

	for _, h := range handles {
		h.Pause()
		h.release()
	}
}

// PlaybackHandle is the per-message playback state machine: paused/playing,
// position as a percentage, and the discrete speed multiplier.
type PlaybackHandle struct {
	mixer     *Mixer
	messageID string
	duration  float64

	mu          sync.Mutex
	player      Player
	playing     bool
	positionPct float64
	speedIdx    int
	onProgress  func(pct float64)
}

// OnProgress registers the progress-bar callback, invoked with the position
// percentage on every position update.
func (h *PlaybackHandle) OnProgress(cb func(pct float64)) {
	h.mu.Lock()
	h.onProgress = cb
	h.mu.Unlock()
}

// Attach sets the underlying player once the audio resource is ready. The
// stored speed is applied so a pre-playback CycleSpeed is not lost.
func (h *PlaybackHandle) Attach(p Player) {
	h.mu.Lock()
	h.player = p
	speed := Speeds[h.speedIdx]
	h.mu.Unlock()
	if p != nil {
		p.SetRate(speed)
	}
}

// IsPlaying reports whether this handle is in the playing state.
func (h *PlaybackHandle) IsPlaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

// Position returns the current position percentage.
func (h *PlaybackHandle) Position() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionPct
}

// Speed returns the current multiplier.
func (h *PlaybackHandle) Speed() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Speeds[h.speedIdx]
}

// Play pauses every other handle, then starts this one at the stored speed.
func (h *PlaybackHandle) Play() error {
	h.mixer.startMu.Lock()
	defer h.mixer.startMu.Unlock()

	h.mixer.pauseOthers(h)

	h.mu.Lock()
	if h.playing {
		h.mu.Unlock()
		return nil
	}
	p := h.player
	speed := Speeds[h.speedIdx]
	h.mu.Unlock()

	if p == nil {
		return fmt.Errorf("voice: play %s: no player attached", h.messageID)
	}
	p.SetRate(speed)
	if err := p.Play(); err != nil {
		return fmt.Errorf("voice: play %s: %w", h.messageID, err)
	}

	h.mu.Lock()
	h.playing = true
	h.mu.Unlock()
	return nil
}

// Pause stops playback, keeping the position.
func (h *PlaybackHandle) Pause() {
	h.mu.Lock()
	if !h.playing {
		h.mu.Unlock()
		return
	}
	h.playing = false
	p := h.player
	h.mu.Unlock()

	if p != nil {
		p.Pause()
	}
}

// Toggle plays when paused and pauses when playing.
func (h *PlaybackHandle) Toggle() error {
	if h.IsPlaying() {
		h.Pause()
		return nil
	}
	return h.Play()
}

// Seek jumps to a position percentage, clamped to [0,100]. Permitted in
// either state.
func (h *PlaybackHandle) Seek(pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	h.mu.Lock()
	h.positionPct = pct
	p := h.player
	duration := h.duration
	cb := h.onProgress
	h.mu.Unlock()

	if p != nil {
		p.Seek(pct / 100 * duration)
	}
	if cb != nil {
		cb(pct)
	}
}

// CycleSpeed advances to the next multiplier and returns it. Applied
// immediately to an attached player, otherwise stored for the next Play.
func (h *PlaybackHandle) CycleSpeed() float64 {
	h.mu.Lock()
	h.speedIdx = (h.speedIdx + 1) % len(Speeds)
	speed := Speeds[h.speedIdx]
	p := h.player
	h.mu.Unlock()

	if p != nil {
		p.SetRate(speed)
	}
	return speed
}

// Progress is the position feedback path from the underlying player, in
// absolute seconds. It recomputes the percentage and fires the callback.
func (h *PlaybackHandle) Progress(seconds float64) {
	h.mu.Lock()
	if h.duration > 0 {
		h.positionPct = seconds / h.duration * 100
		if h.positionPct > 100 {
			h.positionPct = 100
		}
	}
	pct := h.positionPct
	cb := h.onProgress
	h.mu.Unlock()

	if cb != nil {
		cb(pct)
	}
}

// Ended handles natural end of playback: back to paused with the position
// reset to the start.
func (h *PlaybackHandle) Ended() {
	h.mu.Lock()
	h.playing = false
	h.positionPct = 0
	cb := h.onProgress
	h.mu.Unlock()

	if cb != nil {
		cb(0)
	}
}

func (h *PlaybackHandle) release() {
	h.mu.Lock()
	p := h.player
	h.player = nil
	h.mu.Unlock()

	if p != nil {
		p.Release()
	}
}
