package mediasession

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu       sync.Mutex
	handlers map[Action]func()
	titles   []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: map[Action]func(){}}
}

func (f *fakeSession) SetActionHandler(action Action, handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = handler
}

func (f *fakeSession) ClearActionHandler(action Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, action)
}

func (f *fakeSession) SetTitle(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
}

func (f *fakeSession) has(action Action) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[action]
	return ok
}

type fakeSilentAudio struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeSilentAudio) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}
func (f *fakeSilentAudio) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func TestDetectCapabilitiesGatesOnIOS(t *testing.T) {
	if caps := DetectCapabilities("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15)"); caps.NeedsSilentAudioForMediaSession {
		t.Fatalf("desktop UA should not need silent audio")
	}
	caps := DetectCapabilities("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)")
	if !caps.NeedsSilentAudioForMediaSession || !caps.AvoidConcurrentPlaybackDuringCapture {
		t.Fatalf("iOS UA should trigger both capability flags")
	}
	if caps.ProfileSwitchDelayMs != 300 {
		t.Fatalf("profile switch delay = %d, want 300", caps.ProfileSwitchDelayMs)
	}
}

func TestDesktopBridgeIsNoOp(t *testing.T) {
	session := newFakeSession()
	silent := &fakeSilentAudio{}
	b := New(Capabilities{}, session, silent)

	if err := b.EnterRecording(context.Background(), func() {}, func() {}, func() {}); err != nil {
		t.Fatalf("EnterRecording: %v", err)
	}
	if silent.started {
		t.Fatalf("desktop bridge should never start silent audio")
	}
	if session.has(ActionPlay) {
		t.Fatalf("desktop bridge should never register OS handlers")
	}
}

func TestIOSBridgeRegistersRecordingHandlersAndStartsSilentAudio(t *testing.T) {
	session := newFakeSession()
	silent := &fakeSilentAudio{}
	caps := DetectCapabilities("iPhone")
	b := New(caps, session, silent)

	var resumed, paused, stopped bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.EnterRecording(ctx, func() { resumed = true }, func() { paused = true }, func() { stopped = true }); err != nil {
		t.Fatalf("EnterRecording: %v", err)
	}
	if !silent.started {
		t.Fatalf("expected silent audio to start")
	}
	if !session.has(ActionPlay) || !session.has(ActionPause) || !session.has(ActionNext) {
		t.Fatalf("expected play/pause/next handlers registered")
	}

	session.handlers[ActionPlay]()
	session.handlers[ActionPause]()
	session.handlers[ActionNext]()
	if !resumed || !paused || !stopped {
		t.Fatalf("handlers did not invoke callbacks: resumed=%v paused=%v stopped=%v", resumed, paused, stopped)
	}
}

func TestIOSBridgeProcessingExposesOnlyNext(t *testing.T) {
	session := newFakeSession()
	silent := &fakeSilentAudio{}
	caps := DetectCapabilities("iPhone")
	b := New(caps, session, silent)

	ctx := context.Background()
	if err := b.EnterRecording(ctx, func() {}, func() {}, func() {}); err != nil {
		t.Fatalf("EnterRecording: %v", err)
	}

	var cancelled bool
	if err := b.EnterProcessing(func() { cancelled = true }); err != nil {
		t.Fatalf("EnterProcessing: %v", err)
	}
	if session.has(ActionPlay) || session.has(ActionPause) {
		t.Fatalf("processing phase should clear play/pause handlers")
	}
	if !session.has(ActionNext) {
		t.Fatalf("processing phase should expose next")
	}
	session.handlers[ActionNext]()
	if !cancelled {
		t.Fatalf("next handler should invoke onCancel during processing")
	}
}

func TestIOSBridgePlaybackClearsAllHandlers(t *testing.T) {
	session := newFakeSession()
	silent := &fakeSilentAudio{}
	caps := DetectCapabilities("iPhone")
	b := New(caps, session, silent)

	ctx := context.Background()
	_ = b.EnterRecording(ctx, func() {}, func() {}, func() {})
	if err := b.EnterPlayback(); err != nil {
		t.Fatalf("EnterPlayback: %v", err)
	}
	if session.has(ActionPlay) || session.has(ActionPause) || session.has(ActionNext) {
		t.Fatalf("playback phase should clear every handler")
	}
}

func TestStopSilentAudioBeforeReacquiringMic(t *testing.T) {
	session := newFakeSession()
	silent := &fakeSilentAudio{}
	caps := DetectCapabilities("iPhone")
	b := New(caps, session, silent)

	_ = b.EnterRecording(context.Background(), func() {}, func() {}, func() {})
	if err := b.StopSilentAudio(); err != nil {
		t.Fatalf("StopSilentAudio: %v", err)
	}
	if !silent.stopped {
		t.Fatalf("expected silent audio stopped")
	}
}

func TestTitleTickerUpdatesElapsedTime(t *testing.T) {
	session := newFakeSession()
	silent := &fakeSilentAudio{}
	caps := DetectCapabilities("iPhone")
	b := New(caps, session, silent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.EnterRecording(ctx, func() {}, func() {}, func() {})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		session.mu.Lock()
		n := len(session.titles)
		session.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected at least one title update within 2s")
}
