package session

import (
	"time"

	"github.com/hrosspet/voicecore/core/llmjob"
	"github.com/hrosspet/voicecore/core/mediasession"
	"github.com/hrosspet/voicecore/core/transcription"
	"github.com/hrosspet/voicecore/core/ttsplayer"
	"github.com/hrosspet/voicecore/internal/httpapi"
)

// Option configures a Controller.
type Option func(*Controller)

// WithWorkflow sets the LLM workflow endpoint a finished transcript is
// posted to (e.g. "reflect", "orient", "converse/start").
func WithWorkflow(workflow string) Option {
	return func(c *Controller) {
		if workflow != "" {
			c.workflow = workflow
		}
	}
}

// WithPrivacyLevel sets the privacy_level sent on every draft init.
func WithPrivacyLevel(level httpapi.PrivacyLevel) Option {
	return func(c *Controller) {
		if level != "" {
			c.privacyLevel = level
		}
	}
}

// WithAIUsage sets the ai_usage sent on every draft init.
func WithAIUsage(usage httpapi.AIUsage) Option {
	return func(c *Controller) {
		if usage != "" {
			c.aiUsage = usage
		}
	}
}

// WithFirstChunkTimeout overrides the safety timer that force-transitions
// processing to playback if no TTS audio chunk arrives in time.
func WithFirstChunkTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.firstChunkTimeout = d
		}
	}
}

// WithErrorClearDelay overrides how long the transient hasError flag is
// held before being cleared.
func WithErrorClearDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.errorClearDelay = d
		}
	}
}

// WithInitialLLMNode configures the controller to resume an in-flight LLM
// job instead of starting a fresh turn: the start phase is processing, no
// recording is invoked, and a poller begins against the given node
// immediately on Start. Used to rejoin an in-flight job after a
// page-refresh style restart.
func WithInitialLLMNode(llmNodeID string, parentID *string) Option {
	return func(c *Controller) {
		if llmNodeID != "" {
			c.initialLLMNodeID = llmNodeID
			c.initialParentID = parentID
		}
	}
}

// WithOnPhaseChange registers a callback invoked on every Snapshot-visible
// phase transition.
func WithOnPhaseChange(fn func(Snapshot)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.onPhaseChange = fn
		}
	}
}

// WithOnLLMComplete registers a callback invoked once per turn with the LLM
// node id and its generated content, right before TTS is triggered.
func WithOnLLMComplete(fn func(nodeID, content string)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.onLLMComplete = fn
		}
	}
}

// WithOnTransientError registers a callback for errors that are surfaced
// without changing phase: recording continues where possible rather than
// failing the whole session.
func WithOnTransientError(fn func(error)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.onTransientError = fn
		}
	}
}

// WithMediaSessionBridge wires component H: the lock-screen / OS
// media-session bridge. caps gates every bridge method (the zero value
// makes the bridge a no-op on non-iOS platforms); osSession and silent may
// be nil in that case since they are never
// touched.
func WithMediaSessionBridge(caps mediasession.Capabilities, osSession mediasession.OSMediaSession, silent mediasession.SilentAudioSource) Option {
	return func(c *Controller) {
		c.mediaCaps = caps
		c.osSession = osSession
		c.silentSource = silent
	}
}

// WithTranscriptionOptions passes additional options through to the
// underlying component D transcription.Orchestrator (e.g. chunk interval,
// upload retry tuning), applied after the controller's own wiring of
// OnComplete/OnError.
func WithTranscriptionOptions(opts ...transcription.Option) Option {
	return func(c *Controller) {
		c.extraTranscriptionOpts = append(c.extraTranscriptionOpts, opts...)
	}
}

// WithPlayerOptions passes additional options through to the underlying
// component E ttsplayer.Player (e.g. inter-segment delay, autoplay),
// applied after the controller's own wiring of OnStateChange/OnError.
func WithPlayerOptions(opts ...ttsplayer.Option) Option {
	return func(c *Controller) {
		c.extraPlayerOpts = append(c.extraPlayerOpts, opts...)
	}
}

// WithDispatcherOptions passes additional options through to the underlying
// component F llmjob.Dispatcher (e.g. poll interval), applied after the
// controller's own wiring of OnCompleted/OnFailed.
func WithDispatcherOptions(opts ...llmjob.Option) Option {
	return func(c *Controller) {
		c.extraDispatcherOpts = append(c.extraDispatcherOpts, opts...)
	}
}
