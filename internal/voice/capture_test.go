package voice

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDevice records acquisition/release and feeds chunks through the
// callback the recorder registers.
type fakeDevice struct {
	mu        sync.Mutex
	supported map[string]bool
	startErr  error
	started   int
	stopped   int
	onChunk   func([]byte)
	usedType  string
}

func (d *fakeDevice) Supports(ct string) bool {
	return d.supported[ct]
}

func (d *fakeDevice) Start(ct string, onChunk func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started++
	d.usedType = ct
	d.onChunk = onChunk
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeDevice) emit(chunk []byte) {
	d.mu.Lock()
	cb := d.onChunk
	d.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

func (d *fakeDevice) releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func TestRecorderPicksFirstSupportedEncoding(t *testing.T) {
	dev := &fakeDevice{supported: map[string]bool{
		"audio/ogg;codecs=opus": true,
		"audio/mp4":             true,
	}}
	r := NewRecorder(dev, nil)

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Cancel()

	if dev.usedType != "audio/ogg;codecs=opus" {
		t.Errorf("negotiated %q, want first supported preference", dev.usedType)
	}
}

func TestRecorderNoSupportedEncoding(t *testing.T) {
	dev := &fakeDevice{supported: map[string]bool{}}
	r := NewRecorder(dev, nil)

	if err := r.Start(); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("err = %v, want ErrUnsupportedEncoding", err)
	}
	if r.State() != Idle {
		t.Errorf("state = %s, want idle", r.State())
	}
}

func TestRecorderDeviceFailureStaysIdle(t *testing.T) {
	dev := &fakeDevice{
		supported: map[string]bool{"audio/webm;codecs=opus": true},
		startErr:  errors.New("permission denied"),
	}
	r := NewRecorder(dev, nil)

	if err := r.Start(); err == nil {
		t.Fatal("start succeeded, want device error")
	}
	if r.State() != Idle {
		t.Errorf("state = %s, want idle", r.State())
	}
}

func TestRecorderStopFinalizesClip(t *testing.T) {
	dev := &fakeDevice{supported: map[string]bool{"audio/webm;codecs=opus": true}}
	r := NewRecorder(dev, nil)
	r.tick = 5 * time.Millisecond

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.emit([]byte("aaa"))
	dev.emit([]byte("bbb"))

	// Wait until the ticker has counted 5 "seconds".
	deadline := time.After(2 * time.Second)
	for r.Elapsed() < 5 {
		select {
		case <-deadline:
			t.Fatal("ticker never reached 5")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(clip.Data) != "aaabbb" {
		t.Errorf("clip data = %q", clip.Data)
	}
	if clip.DurationSeconds < 5 {
		t.Errorf("duration = %d, want >= 5", clip.DurationSeconds)
	}
	if clip.ContentType != "audio/webm;codecs=opus" {
		t.Errorf("content type = %q", clip.ContentType)
	}
	if dev.releases() != 1 {
		t.Errorf("device released %d times, want 1", dev.releases())
	}
	if r.State() != Stopped {
		t.Errorf("state = %s, want stopped", r.State())
	}
}

func TestRecorderCancelDiscardsAndReleases(t *testing.T) {
	dev := &fakeDevice{supported: map[string]bool{"audio/webm;codecs=opus": true}}
	r := NewRecorder(dev, nil)

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.emit([]byte("junk"))
	r.Cancel()

	if r.State() != Idle {
		t.Errorf("state = %s, want idle", r.State())
	}
	if r.Clip() != nil {
		t.Error("clip survived cancel")
	}
	if r.Elapsed() != 0 {
		t.Errorf("elapsed = %d after cancel, want 0", r.Elapsed())
	}
	if dev.releases() != 1 {
		t.Errorf("device released %d times, want 1", dev.releases())
	}

	// Cancel outside Recording is a no-op, so teardown may call it blindly.
	r.Cancel()
	if dev.releases() != 1 {
		t.Error("no-op cancel released the device again")
	}
}

func TestRecorderDiscardReturnsToIdle(t *testing.T) {
	dev := &fakeDevice{supported: map[string]bool{"audio/webm;codecs=opus": true}}
	r := NewRecorder(dev, nil)

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.emit([]byte("x"))
	if _, err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	r.Discard()
	if r.State() != Idle {
		t.Errorf("state = %s, want idle", r.State())
	}
	if r.Clip() != nil {
		t.Error("clip survived discard")
	}

	// A fresh session can start after discard.
	if err := r.Start(); err != nil {
		t.Fatalf("restart after discard: %v", err)
	}
	r.Cancel()
}

func TestRecorderDoubleStart(t *testing.T) {
	dev := &fakeDevice{supported: map[string]bool{"audio/webm;codecs=opus": true}}
	r := NewRecorder(dev, nil)

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Cancel()

	if err := r.Start(); err == nil {
		t.Error("second start succeeded while recording")
	}
}
