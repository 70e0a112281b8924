// Package session implements component G: the voice-session controller
// that composes the chunked recorder (A), streaming transcription
// orchestrator (D), async LLM dispatcher (F), streaming TTS player (E), and
// the lock-screen media-session bridge (H) into the four-phase
// conversational loop (ready -> recording -> processing -> playback).
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hrosspet/voicecore/core/llmjob"
	"github.com/hrosspet/voicecore/core/mediasession"
	"github.com/hrosspet/voicecore/core/recorder"
	"github.com/hrosspet/voicecore/core/transcription"
	"github.com/hrosspet/voicecore/core/ttsplayer"
	"github.com/hrosspet/voicecore/internal/httpapi"
)

// Phase is the controller's observable session phase.
type Phase string

const (
	PhaseReady      Phase = "ready"
	PhaseRecording  Phase = "recording"
	PhaseProcessing Phase = "processing"
	PhasePlayback   Phase = "playback"
	PhaseError      Phase = "error"
)

func (p Phase) String() string { return string(p) }

// ErrInvalidPhase is returned when a phase-changing operation is invoked
// from a phase that does not permit it.
var ErrInvalidPhase = errors.New("session: invalid phase for requested operation")

const (
	defaultWorkflow          = "reflect"
	defaultFirstChunkTimeout = 15 * time.Second
	defaultErrorClearDelay   = 3 * time.Second
)

// Snapshot is a point-in-time, safely-copied view of the controller's
// observable state, including its composed components' own snapshots.
type Snapshot struct {
	Phase                Phase
	HasError             bool
	ErrorMessage         string
	CurrentParentNodeID  *string
	LastUserNodeID       *string
	TurnID               string
	Transcription        transcription.Snapshot
	Player               ttsplayer.Snapshot
}

// Controller drives one conversational voice session end to end.
type Controller struct {
	client *httpapi.Client

	workflow          string
	privacyLevel      httpapi.PrivacyLevel
	aiUsage           httpapi.AIUsage
	firstChunkTimeout time.Duration
	errorClearDelay   time.Duration

	initialLLMNodeID string
	initialParentID  *string

	mediaCaps    mediasession.Capabilities
	osSession    mediasession.OSMediaSession
	silentSource mediasession.SilentAudioSource

	extraTranscriptionOpts []transcription.Option
	extraPlayerOpts        []ttsplayer.Option
	extraDispatcherOpts    []llmjob.Option

	onPhaseChange    func(Snapshot)
	onLLMComplete    func(nodeID, content string)
	onTransientError func(error)

	transcriptionOrch *transcription.Orchestrator
	dispatcher        *llmjob.Dispatcher
	player            *ttsplayer.Player
	bridge            *mediasession.Bridge

	mu                   sync.Mutex
	phase                Phase
	hasError             bool
	errorMessage         string
	currentParentNodeID  *string
	lastUserNodeID       *string
	currentTurnID        string

	firstChunkTimer *time.Timer
	errorClearTimer *time.Timer
}

// New builds a Controller. source drives the underlying recorder (component
// A); element drives the underlying TTS player (component E). Both are
// required; construction performs no I/O.
func New(client *httpapi.Client, source recorder.MediaSource, element ttsplayer.AudioElement, opts ...Option) *Controller {
	c := &Controller{
		client:            client,
		workflow:          defaultWorkflow,
		privacyLevel:      httpapi.PrivacyPrivate,
		aiUsage:           httpapi.AIUsageChat,
		firstChunkTimeout: defaultFirstChunkTimeout,
		errorClearDelay:   defaultErrorClearDelay,
		onPhaseChange:     func(Snapshot) {},
		onLLMComplete:     func(string, string) {},
		onTransientError:  func(error) {},
		phase:             PhaseReady,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.transcriptionOrch = transcription.New(client, source, append([]transcription.Option{
		transcription.WithOnComplete(c.handleTranscriptionComplete),
		transcription.WithOnError(c.handleTranscriptionError),
	}, c.extraTranscriptionOpts...)...)

	c.dispatcher = llmjob.New(client, append([]llmjob.Option{
		llmjob.WithOnCompleted(c.handleLLMCompleted),
		llmjob.WithOnFailed(c.handleLLMFailed),
	}, c.extraDispatcherOpts...)...)

	c.player = ttsplayer.New(element, append([]ttsplayer.Option{
		ttsplayer.WithOnStateChange(c.handlePlayerStateChange),
		ttsplayer.WithOnError(c.handlePlayerError),
	}, c.extraPlayerOpts...)...)

	c.bridge = mediasession.New(c.mediaCaps, c.osSession, c.silentSource)

	if c.initialLLMNodeID != "" {
		c.phase = PhaseProcessing
		c.currentParentNodeID = c.initialParentID
	}

	return c
}

// Start performs the controller's one-time I/O-bearing setup. When the
// controller was built with WithInitialLLMNode, this rejoins the in-flight
// job: no recording is invoked, and polling resumes directly against the
// given node. Otherwise
// Start is a no-op and the session begins in PhaseReady.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	nodeID := c.initialLLMNodeID
	c.mu.Unlock()

	if nodeID == "" {
		return nil
	}
	return c.dispatcher.Resume(ctx, nodeID)
}

// StartRecording begins a new turn: starts the lock-screen media-session
// bridge's silent audio (if the platform needs it for OS transport
// controls) and starts component D's streaming session.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseReady {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start recording from %s", ErrInvalidPhase, phase)
	}
	c.mu.Unlock()

	return c.doStartRecording(ctx)
}

func (c *Controller) doStartRecording(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.startRecording")
	defer span.End()

	turnID := uuid.NewString()
	c.mu.Lock()
	c.currentTurnID = turnID
	c.mu.Unlock()
	span.SetAttributes(attribute.String("session.turn_id", turnID))

	onResume := func() {
		if err := c.transcriptionOrch.Resume(); err != nil {
			logger.Warn("session: resume from lock-screen control failed", "error", err)
		}
	}
	onPause := func() {
		if err := c.transcriptionOrch.Pause(); err != nil {
			logger.Warn("session: pause from lock-screen control failed", "error", err)
		}
	}
	onStop := func() {
		if err := c.StopRecording(context.Background()); err != nil {
			logger.Warn("session: stop from lock-screen control failed", "error", err)
		}
	}
	if err := c.bridge.EnterRecording(ctx, onResume, onPause, onStop); err != nil {
		return fmt.Errorf("session: entering recording media-session state: %w", err)
	}

	// The draft-level parent_id links a draft to a prior permanent node in
	// the backend's numeric id space; the thread parentage this controller
	// tracks (currentParentNodeID) is the LLM workflow's node id, a separate
	// identifier space (see DESIGN.md). No conversion between the two is
	// specified, so drafts are always initialized without a parent here.
	if err := c.transcriptionOrch.StartStreaming(ctx, nil, c.privacyLevel, c.aiUsage); err != nil {
		return fmt.Errorf("session: starting transcription: %w", err)
	}

	c.mu.Lock()
	c.phase = PhaseRecording
	c.mu.Unlock()
	c.emitPhaseChange()
	return nil
}

// StopRecording ends capture (flushing the final chunk) and begins
// finalizing. The recording->processing transition happens asynchronously
// once component D delivers its completion callback.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRecording {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop recording from %s", ErrInvalidPhase, phase)
	}
	c.mu.Unlock()

	return c.transcriptionOrch.StopStreaming(ctx)
}

// CancelRecording abandons the in-progress recording without finalizing a
// transcript. Uploads already in flight may still land server-side;
// component D makes no effort to abort them.
func (c *Controller) CancelRecording() {
	c.mu.Lock()
	if c.phase != PhaseRecording {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseReady
	c.mu.Unlock()

	c.transcriptionOrch.CancelStreaming()
	c.clearMediaSession()
	c.emitPhaseChange()
}

func (c *Controller) handleTranscriptionComplete(result transcription.Result) {
	ctx, span := tracer.Start(context.Background(), "session.handleTranscriptionComplete")
	defer span.End()

	content := strings.TrimSpace(result.Content)
	if content == "" {
		c.mu.Lock()
		c.phase = PhaseReady
		c.mu.Unlock()
		c.clearMediaSession()
		c.emitPhaseChange()
		return
	}

	c.mu.Lock()
	c.phase = PhaseProcessing
	parentID := c.currentParentNodeID
	c.mu.Unlock()
	c.emitPhaseChange()

	if err := c.bridge.EnterProcessing(c.CancelProcessing); err != nil {
		logger.Warn("session: entering processing media-session state failed", "error", err)
	}

	sessionID := result.SessionID
	resp, err := c.dispatcher.Dispatch(ctx, c.workflow, content, parentID, &sessionID)
	if err != nil {
		c.failTransient(fmt.Errorf("session: dispatching turn: %w", err))
		return
	}

	c.mu.Lock()
	userNodeID := resp.UserNodeID
	c.lastUserNodeID = &userNodeID
	c.mu.Unlock()
}

func (c *Controller) handleTranscriptionError(err error) {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	if phase == PhaseRecording {
		// Errors mid-recording are surfaced but recording continues where
		// possible - phase is left unchanged.
		c.onTransientError(err)
		return
	}
	c.failTransient(err)
}

func (c *Controller) handleLLMCompleted(nodeID, content string) {
	ctx, span := tracer.Start(context.Background(), "session.handleLLMCompleted")
	defer span.End()

	c.mu.Lock()
	id := nodeID
	c.currentParentNodeID = &id
	c.mu.Unlock()

	c.onLLMComplete(nodeID, content)

	if err := c.client.TriggerTTS(ctx, nodeID); err != nil {
		logger.Warn("session: triggering tts failed", "error", err)
	}

	c.player.Start(ctx, c.client, nodeID)
	c.scheduleFirstChunkTimeout()
}

func (c *Controller) handleLLMFailed(err error) {
	c.failTransient(fmt.Errorf("session: llm turn failed: %w", err))
}

func (c *Controller) handlePlayerStateChange(snap ttsplayer.Snapshot) {
	if snap.State != ttsplayer.StatePlaying {
		return
	}

	c.mu.Lock()
	transitioned := c.phase == PhaseProcessing
	if transitioned {
		c.phase = PhasePlayback
	}
	if c.firstChunkTimer != nil {
		c.firstChunkTimer.Stop()
		c.firstChunkTimer = nil
	}
	c.mu.Unlock()

	if transitioned {
		c.emitPhaseChange()
	}
}

func (c *Controller) handlePlayerError(err error) {
	logger.Warn("session: tts player subscription error", "error", err)
	c.onTransientError(fmt.Errorf("session: tts playback: %w", err))
}

func (c *Controller) scheduleFirstChunkTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstChunkTimer != nil {
		c.firstChunkTimer.Stop()
	}
	c.firstChunkTimer = time.AfterFunc(c.firstChunkTimeout, c.forcePlaybackTransition)
}

func (c *Controller) forcePlaybackTransition() {
	c.mu.Lock()
	if c.phase != PhaseProcessing {
		c.mu.Unlock()
		return
	}
	c.phase = PhasePlayback
	c.firstChunkTimer = nil
	c.mu.Unlock()

	logger.Warn("session: no tts chunk within safety window, forcing playback phase")
	c.emitPhaseChange()
}

// CancelProcessing aborts the in-flight LLM turn. Thread parentage is
// rewritten to the last user node rather than left pointing at the
// cancelled (still-completing) LLM node, so the next turn attaches to the
// last user message and the cancelled response becomes an orphan sibling
// branch server-side.
func (c *Controller) CancelProcessing() {
	c.mu.Lock()
	if c.phase != PhaseProcessing {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseReady
	c.currentParentNodeID = c.lastUserNodeID
	if c.firstChunkTimer != nil {
		c.firstChunkTimer.Stop()
		c.firstChunkTimer = nil
	}
	c.mu.Unlock()

	c.dispatcher.Cancel()
	c.clearMediaSession()
	c.emitPhaseChange()
}

// Continue moves from playback back into recording for the next turn,
// preserving thread parentage. On platforms where Bluetooth profile
// switching is slow, it delays briefly before re-acquiring the microphone
// so A2DP<->HFP can settle, and on iOS it stops the silent media-session
// audio before doing so: concurrent silent playback and capture can crash
// the platform's Bluetooth stack.
func (c *Controller) Continue(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhasePlayback {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot continue from %s", ErrInvalidPhase, phase)
	}
	c.mu.Unlock()

	c.player.Stop()

	caps := c.bridge.Capabilities()
	if caps.AvoidConcurrentPlaybackDuringCapture {
		if err := c.bridge.StopSilentAudio(); err != nil {
			logger.Warn("session: stopping silent audio before continue failed", "error", err)
		}
	}
	if caps.ProfileSwitchDelayMs > 0 {
		select {
		case <-time.After(time.Duration(caps.ProfileSwitchDelayMs) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.phase = PhaseReady
	c.mu.Unlock()

	return c.doStartRecording(ctx)
}

// Stop fully tears down the session: every timer is cleared, component D's
// session is cancelled, the LLM poller is cancelled, component E is
// stopped, and the media-session bridge's silent audio is released.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.firstChunkTimer != nil {
		c.firstChunkTimer.Stop()
		c.firstChunkTimer = nil
	}
	if c.errorClearTimer != nil {
		c.errorClearTimer.Stop()
		c.errorClearTimer = nil
	}
	c.mu.Unlock()

	c.transcriptionOrch.CancelStreaming()
	c.dispatcher.Cancel()
	c.player.Stop()
	if err := c.bridge.StopSilentAudio(); err != nil {
		logger.Warn("session: stopping silent audio during teardown failed", "error", err)
	}
}

func (c *Controller) failTransient(err error) {
	c.mu.Lock()
	c.phase = PhaseError
	c.hasError = true
	c.errorMessage = err.Error()
	if c.errorClearTimer != nil {
		c.errorClearTimer.Stop()
	}
	c.errorClearTimer = time.AfterFunc(c.errorClearDelay, c.clearError)
	c.mu.Unlock()

	logger.Warn("session: turn failed, returning to ready", "error", err)
	c.emitPhaseChange()
}

func (c *Controller) clearError() {
	c.mu.Lock()
	if c.phase != PhaseError {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseReady
	c.hasError = false
	c.errorMessage = ""
	c.errorClearTimer = nil
	c.mu.Unlock()
	c.emitPhaseChange()
}

func (c *Controller) clearMediaSession() {
	// EnterPlayback's handler-clearing behavior is also the correct action
	// when a turn ends early (cancel, empty transcript): it leaves the
	// bridge in the same "no action handlers registered" state it would be
	// in during real playback, with no phase-specific handlers bound.
	if err := c.bridge.EnterPlayback(); err != nil {
		logger.Warn("session: clearing media-session handlers failed", "error", err)
	}
}

func (c *Controller) emitPhaseChange() {
	c.onPhaseChange(c.Snapshot())
}

// Snapshot returns a safely-copied view of the controller's current
// observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	src := struct {
		Phase               Phase
		HasError            bool
		ErrorMessage        string
		CurrentParentNodeID *string
		LastUserNodeID      *string
		TurnID              string
	}{
		Phase:        c.phase,
		HasError:     c.hasError,
		ErrorMessage: c.errorMessage,
		TurnID:       c.currentTurnID,
	}
	if c.currentParentNodeID != nil {
		id := *c.currentParentNodeID
		src.CurrentParentNodeID = &id
	}
	if c.lastUserNodeID != nil {
		id := *c.lastUserNodeID
		src.LastUserNodeID = &id
	}
	c.mu.Unlock()

	var snap Snapshot
	copier.Copy(&snap, &src)
	snap.Transcription = c.transcriptionOrch.Snapshot()
	snap.Player = c.player.Snapshot()
	return snap
}
