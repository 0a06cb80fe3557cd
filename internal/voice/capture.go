// Package voice implements voice note capture, upload, and playback as
// explicit state machines. Capture exclusively owns the audio device while
// armed and releases it on every exit path; playback enforces at most one
// playing handle across a conversation.
package voice

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnsupportedEncoding means the capture device supports none of the
// configured candidate encodings.
var ErrUnsupportedEncoding = errors.New("voice: no supported audio encoding")

// DefaultEncodings is the preference-ordered candidate list. It is
// configuration, not protocol: the recorder picks the first entry the device
// supports.
var DefaultEncodings = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/mp4",
	"audio/mpeg",
}

// Device is an exclusive-use audio capture source. Start hands chunks to the
// callback until Stop; Stop releases the device. A Device delivers chunks for
// at most one recorder at a time.
type Device interface {
	Supports(contentType string) bool
	Start(contentType string, onChunk func([]byte)) error
	Stop() error
}

// CaptureState is the recorder's lifecycle state.
type CaptureState int

const (
	Idle CaptureState = iota
	Recording
	Stopped
)

func (s CaptureState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Clip is a finalized recording: the joined chunk data, the negotiated
// encoding, and the elapsed whole seconds.
type Clip struct {
	Data            []byte
	ContentType     string
	DurationSeconds int
}

// Recorder drives one capture session at a time. Start arms it, Stop
// finalizes a Clip, Cancel and Discard return to Idle. The device is
// released on every path out of Recording.
type Recorder struct {
	dev       Device
	encodings []string
	tick      time.Duration // second granularity in production, shrunk in tests

	mu          sync.Mutex
	state       CaptureState
	contentType string
	chunks      [][]byte
	elapsed     int
	clip        *Clip
	done        chan struct{}
	onTick      func(elapsed int)
}

// NewRecorder creates an idle recorder. A nil or empty encodings list falls
// back to DefaultEncodings.
func NewRecorder(dev Device, encodings []string) *Recorder {
	if len(encodings) == 0 {
		encodings = DefaultEncodings
	}
	return &Recorder{dev: dev, encodings: encodings, tick: time.Second}
}

// OnTick registers a callback invoked with the elapsed seconds after each
// tick while recording.
func (r *Recorder) OnTick(cb func(elapsed int)) {
	r.mu.Lock()
	r.onTick = cb
	r.mu.Unlock()
}

// State returns the recorder's current state.
func (r *Recorder) State() CaptureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns the ticked whole seconds of the current or stopped session.
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Start negotiates an encoding, acquires the device, and begins buffering
// chunks and ticking elapsed time. Starting from any state but Idle is an
// error; a device refusal leaves the recorder Idle.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.state != Idle {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("voice: start capture from state %s", state)
	}

	contentType := ""
	for _, ct := range r.encodings {
		if r.dev.Supports(ct) {
			contentType = ct
			break
		}
	}
	if contentType == "" {
		r.mu.Unlock()
		return ErrUnsupportedEncoding
	}

	r.state = Recording
	r.contentType = contentType
	r.chunks = nil
	r.elapsed = 0
	r.clip = nil
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	if err := r.dev.Start(contentType, r.addChunk); err != nil {
		r.mu.Lock()
		r.state = Idle
		r.done = nil
		r.mu.Unlock()
		close(done)
		return fmt.Errorf("voice: acquire device: %w", err)
	}

	go r.run(done)
	return nil
}

func (r *Recorder) addChunk(chunk []byte) {
	r.mu.Lock()
	if r.state == Recording {
		r.chunks = append(r.chunks, chunk)
	}
	r.mu.Unlock()
}

func (r *Recorder) run(done chan struct{}) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.state != Recording {
				r.mu.Unlock()
				return
			}
			r.elapsed++
			elapsed := r.elapsed
			cb := r.onTick
			r.mu.Unlock()
			if cb != nil {
				cb(elapsed)
			}
		}
	}
}

// Stop finalizes the buffered chunks into a Clip and releases the device.
func (r *Recorder) Stop() (*Clip, error) {
	r.mu.Lock()
	if r.state != Recording {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("voice: stop capture from state %s", state)
	}
	r.state = Stopped
	close(r.done)
	r.done = nil

	var size int
	for _, c := range r.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range r.chunks {
		data = append(data, c...)
	}
	clip := &Clip{Data: data, ContentType: r.contentType, DurationSeconds: r.elapsed}
	r.clip = clip
	r.chunks = nil
	r.mu.Unlock()

	if err := r.dev.Stop(); err != nil {
		return nil, fmt.Errorf("voice: release device: %w", err)
	}
	return clip, nil
}

// Cancel discards the in-progress session and releases the device. It is a
// no-op outside Recording, so view teardown can call it unconditionally.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return
	}
	r.state = Idle
	close(r.done)
	r.done = nil
	r.chunks = nil
	r.elapsed = 0
	r.clip = nil
	r.mu.Unlock()

	_ = r.dev.Stop()
}

// Clip returns the finalized clip after Stop, nil otherwise.
func (r *Recorder) Clip() *Clip {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clip
}

// Discard drops a stopped clip and returns to Idle.
func (r *Recorder) Discard() {
	r.mu.Lock()
	if r.state == Stopped {
		r.state = Idle
		r.clip = nil
		r.elapsed = 0
	}
	r.mu.Unlock()
}
