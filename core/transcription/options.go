package transcription

import "time"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChunkInterval sets the recorder's emission cadence.
func WithChunkInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.chunkInterval = d
		}
	}
}

// WithMimeType sets the recorder's reported mime type for uploaded chunks.
func WithMimeType(mime string) Option {
	return func(o *Orchestrator) {
		if mime != "" {
			o.mimeType = mime
		}
	}
}

// WithUploadTimeout sets the per-chunk-upload-attempt timeout.
func WithUploadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.uploadTimeout = d
		}
	}
}

// WithUploadRetries sets how many upload attempts are made per chunk before
// the failure is surfaced without tearing down the session.
func WithUploadRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.uploadRetries = n
		}
	}
}

// WithUploadBackoff sets the initial exponential backoff interval between
// upload retries.
func WithUploadBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.uploadBackoffInitial = d
		}
	}
}

// WithSettleDelay sets how long stopStreaming waits after the recorder's
// final emission before calling finalize.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.settleDelay = d
		}
	}
}

// WithReconnectDelay sets the push-subscription reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.reconnectDelay = d
		}
	}
}

// WithHeartbeatInterval sets the push-subscription heartbeat interval used
// by its stale-connection watchdog, which fires at 3x this interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithOnTranscriptUpdate registers a callback invoked whenever the
// authoritative transcript text changes.
func WithOnTranscriptUpdate(fn func(string)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.onTranscriptUpdate = fn
		}
	}
}

// WithOnComplete registers a callback invoked once all_complete arrives.
func WithOnComplete(fn func(Result)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.onComplete = fn
		}
	}
}

// WithOnError registers a callback invoked on surfaced (non-recovered)
// errors: init failure, terminal server error events.
func WithOnError(fn func(error)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.onError = fn
		}
	}
}
