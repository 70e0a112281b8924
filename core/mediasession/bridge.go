// Package mediasession implements component H: the lock-screen / OS
// media-session bridge that keeps transport controls (play/pause/next)
// usable on platforms whose media-session API is gated behind an active
// playback stream, notably iOS Safari.
package mediasession

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Action is one of the OS transport-control actions the bridge wires up.
type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionNext  Action = "next"
)

// OSMediaSession is the seam over the platform's "now playing" API. A
// desktop build or a headless test can supply a no-op implementation.
type OSMediaSession interface {
	SetActionHandler(action Action, handler func())
	ClearActionHandler(action Action)
	SetTitle(title string)
}

// SilentAudioSource drives the in-process oscillator routed to a
// media-stream destination that keeps iOS Safari's media session API
// active while no "real" audio element is playing.
type SilentAudioSource interface {
	Start(ctx context.Context) error
	Stop() error
}

// Capabilities is a small platform capability object used in place of
// scattering user-agent checks through the
// controller: everything platform-conditional about H's behavior funnels
// through these three fields.
type Capabilities struct {
	NeedsSilentAudioForMediaSession     bool
	AvoidConcurrentPlaybackDuringCapture bool
	ProfileSwitchDelayMs                int
}

var iosUserAgent = regexp.MustCompile(`(?i)iPhone|iPad|iPod`)

// DetectCapabilities derives a Capabilities value from a user-agent string.
// Non-iOS callers get the zero value, under which every Bridge method is a
// no-op: playback controls are surfaced natively by the real audio element.
func DetectCapabilities(userAgent string) Capabilities {
	if !iosUserAgent.MatchString(userAgent) {
		return Capabilities{}
	}
	return Capabilities{
		NeedsSilentAudioForMediaSession:      true,
		AvoidConcurrentPlaybackDuringCapture: true,
		ProfileSwitchDelayMs:                 300,
	}
}

// Bridge adapts controller phase transitions into OS media-session state.
// On platforms where Capabilities is the zero value, every method returns
// immediately without touching session or silent.
type Bridge struct {
	caps    Capabilities
	session OSMediaSession
	silent  SilentAudioSource

	mu               sync.Mutex
	silentActive     bool
	titleCancel      context.CancelFunc
	recordingStarted time.Time
}

// New builds a Bridge. session and silent may be nil when caps is the zero
// value, since neither is ever touched in that case.
func New(caps Capabilities, session OSMediaSession, silent SilentAudioSource) *Bridge {
	return &Bridge{caps: caps, session: session, silent: silent}
}

// Capabilities returns the platform capability object this bridge was built
// with.
func (b *Bridge) Capabilities() Capabilities { return b.caps }

// EnterRecording registers play→onResume, pause→onPause, next→onStop and
// begins updating the OS "now playing" title every second with elapsed
// recording time. Starts the silent audio stream if not already running.
func (b *Bridge) EnterRecording(ctx context.Context, onResume, onPause, onStop func()) error {
	if !b.caps.NeedsSilentAudioForMediaSession {
		return nil
	}

	if err := b.ensureSilentAudio(ctx); err != nil {
		return err
	}

	b.session.ClearActionHandler(ActionNext)
	b.session.SetActionHandler(ActionPlay, onResume)
	b.session.SetActionHandler(ActionPause, onPause)
	b.session.SetActionHandler(ActionNext, onStop)

	b.mu.Lock()
	b.recordingStarted = time.Now()
	b.mu.Unlock()

	b.startTitleTicker(ctx)
	return nil
}

// EnterProcessing clears the play/pause handlers and exposes only
// next→onCancel: during processing, only skip-forward and cancel make
// sense as lock-screen controls.
func (b *Bridge) EnterProcessing(onCancel func()) error {
	if !b.caps.NeedsSilentAudioForMediaSession {
		return nil
	}

	b.stopTitleTicker()
	b.session.ClearActionHandler(ActionPlay)
	b.session.ClearActionHandler(ActionPause)
	b.session.SetActionHandler(ActionNext, onCancel)
	return nil
}

// EnterPlayback clears every handler so the browser's real audio element
// surfaces transport controls natively.
func (b *Bridge) EnterPlayback() error {
	if !b.caps.NeedsSilentAudioForMediaSession {
		return nil
	}

	b.stopTitleTicker()
	b.session.ClearActionHandler(ActionPlay)
	b.session.ClearActionHandler(ActionPause)
	b.session.ClearActionHandler(ActionNext)
	return nil
}

// StopSilentAudio stops the oscillator stream. The controller must call
// this before re-acquiring the microphone on iOS: playing silent audio
// concurrently with an active capture
// stream can crash the platform's BT stack.
func (b *Bridge) StopSilentAudio() error {
	b.mu.Lock()
	active := b.silentActive
	b.silentActive = false
	b.mu.Unlock()

	if !active || b.silent == nil {
		return nil
	}
	return b.silent.Stop()
}

func (b *Bridge) ensureSilentAudio(ctx context.Context) error {
	b.mu.Lock()
	active := b.silentActive
	b.mu.Unlock()
	if active {
		return nil
	}

	if err := b.silent.Start(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.silentActive = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) startTitleTicker(ctx context.Context) {
	b.stopTitleTicker()
	tickerCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.titleCancel = cancel
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				b.mu.Lock()
				elapsed := time.Since(b.recordingStarted)
				b.mu.Unlock()
				b.session.SetTitle(formatElapsed(elapsed))
			}
		}
	}()
}

func (b *Bridge) stopTitleTicker() {
	b.mu.Lock()
	cancel := b.titleCancel
	b.titleCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d", m, s)
}
