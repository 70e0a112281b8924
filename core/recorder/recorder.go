// Package recorder implements the chunked media recorder described as
// component A: it captures audio from an injected MediaSource, emits
// timeslice-sized self-decodable chunks while capture continues, and
// tracks recording duration excluding paused time.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hrosspet/voicecore/internal/webm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrDeviceUnavailable is returned by Start when the underlying MediaSource
// cannot be acquired (permission denied, no device present).
var ErrDeviceUnavailable = errors.New("recorder: device unavailable")

// State is the recorder's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateRecorded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateRecorded:
		return "recorded"
	default:
		return "unknown"
	}
}

// AudioChunk is one emitted, independently decodable media segment.
type AudioChunk struct {
	Index    int
	Blob     []byte
	MimeType string
}

// MediaSource is the capture backend the recorder drives. It models a
// browser MediaRecorder: Start begins continuous capture and registers a
// callback invoked once per emitted raw segment; RequestData asks for an
// immediate emission (used on every chunk-interval tick and as the pre-pause
// flush in Pause); Pause/Resume suspend capture without
// releasing the device; Stop ends capture, triggering one final onData
// callback synchronously before returning, mirroring the platform's
// terminal-emission guarantee.
type MediaSource interface {
	Start(ctx context.Context, onData func(raw []byte)) error
	RequestData() error
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
}

// Config configures chunk cadence and output framing.
type Config struct {
	ChunkInterval time.Duration
	MimeType      string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithOnChunkReady registers the callback invoked once per emitted chunk, in
// index order.
func WithOnChunkReady(onChunkReady func(AudioChunk)) Option {
	return func(r *Recorder) {
		if onChunkReady != nil {
			r.onChunkReady = onChunkReady
		}
	}
}

// WithChunkInterval overrides the default chunk cadence.
func WithChunkInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.config.ChunkInterval = d
		}
	}
}

// WithMimeType overrides the mime type reported on emitted chunks.
func WithMimeType(mimeType string) Option {
	return func(r *Recorder) {
		if mimeType != "" {
			r.config.MimeType = mimeType
		}
	}
}

const defaultChunkInterval = 10 * time.Second

// Recorder drives a MediaSource through the idle/recording/paused/recorded
// state machine and assigns monotonic, self-decodable chunk indices.
type Recorder struct {
	mu sync.Mutex

	source MediaSource
	config Config

	onChunkReady func(AudioChunk)

	state State

	header      []byte
	headerFound bool

	nextIndex int
	rawChunks [][]byte

	ticker *time.Ticker
	stopCh chan struct{}

	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
}

// New builds a Recorder around the given source with the provided options.
func New(source MediaSource, opts ...Option) *Recorder {
	r := &Recorder{
		source: source,
		config: Config{
			ChunkInterval: defaultChunkInterval,
			MimeType:      "audio/webm",
		},
		onChunkReady: func(AudioChunk) {},
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start acquires the source and begins capture, scheduling chunk emission
// every ChunkInterval. Returns ErrDeviceUnavailable if the source refuses to
// start.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "recorder.start")
	defer span.End()

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("recorder: cannot start from state %s", r.state)
	}
	r.mu.Unlock()

	if err := r.source.Start(ctx, r.handleEmission); err != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.mu.Lock()
	r.state = StateRecording
	r.startedAt = time.Now()
	r.stopCh = make(chan struct{})
	ticker := time.NewTicker(r.config.ChunkInterval)
	r.ticker = ticker
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.emitLoop(ticker, stopCh)

	logger.InfoContext(ctx, "recording started", "chunk_interval", r.config.ChunkInterval)
	return nil
}

func (r *Recorder) emitLoop(ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			recording := r.state == StateRecording
			source := r.source
			r.mu.Unlock()
			if recording && source != nil {
				if err := source.RequestData(); err != nil {
					logger.Warn("recorder: failed to request chunk emission", "error", err)
				}
			}
		}
	}
}

// handleEmission is the MediaSource callback. It assigns the next monotonic
// index, extracts or applies the cached initialization segment, and invokes
// onChunkReady.
func (r *Recorder) handleEmission(raw []byte) {
	r.mu.Lock()
	index := r.nextIndex
	r.nextIndex++

	var blob []byte
	if index == 0 {
		header, found := webm.SplitHeader(raw)
		r.header = header
		r.headerFound = found
		if !found {
			logger.Warn("recorder: cluster marker not found in first emission, using best-effort header")
		}
		blob = raw
	} else {
		blob = webm.Prepend(r.header, raw)
	}
	r.rawChunks = append(r.rawChunks, raw)
	mimeType := r.config.MimeType
	r.mu.Unlock()

	r.onChunkReady(AudioChunk{Index: index, Blob: blob, MimeType: mimeType})
}

// Pause flushes any buffered audio as one final pre-pause emission, then
// suspends capture. Paused wall time is excluded from Duration.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}
	source := r.source
	r.mu.Unlock()

	if err := source.RequestData(); err != nil {
		logger.Warn("recorder: pre-pause flush failed", "error", err)
	}

	if err := source.Pause(); err != nil {
		return fmt.Errorf("recorder: failed to pause source: %w", err)
	}

	r.mu.Lock()
	r.state = StatePaused
	r.pausedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// Resume continues capture after a Pause.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return nil
	}
	source := r.source
	pausedSince := time.Since(r.pausedAt)
	r.mu.Unlock()

	if err := source.Resume(); err != nil {
		return fmt.Errorf("recorder: failed to resume source: %w", err)
	}

	r.mu.Lock()
	r.state = StateRecording
	r.pausedTotal += pausedSince
	r.mu.Unlock()
	return nil
}

// Stop ends capture and returns only after the final onChunkReady
// invocation has completed. It deliberately does not request an explicit
// flush beforehand: the source's own terminal emission is authoritative.
func (r *Recorder) Stop(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "recorder.stop")
	defer span.End()

	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return nil
	}
	if r.state == StatePaused {
		r.pausedTotal += time.Since(r.pausedAt)
	}
	source := r.source
	ticker := r.ticker
	stopCh := r.stopCh
	r.ticker = nil
	r.stopCh = nil
	r.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if stopCh != nil {
		close(stopCh)
	}

	err := source.Stop(ctx)

	r.mu.Lock()
	r.state = StateRecorded
	r.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("recorder: failed to stop source: %w", err)
	}

	r.mu.Lock()
	total := r.nextIndex
	r.mu.Unlock()
	span.SetAttributes(attribute.Int("recorder.total_chunks", total))
	return nil
}

// Reset clears all session state and returns the recorder to idle,
// regardless of current state. If capture is still active (the ticker and
// stop channel are still set, as when Reset is used to cancel a recording
// or paused session outright rather than going through Stop), the emit
// loop's ticker and goroutine are torn down here.
func (r *Recorder) Reset() {
	r.mu.Lock()
	ticker := r.ticker
	stopCh := r.stopCh

	r.state = StateIdle
	r.header = nil
	r.headerFound = false
	r.nextIndex = 0
	r.rawChunks = nil
	r.startedAt = time.Time{}
	r.pausedAt = time.Time{}
	r.pausedTotal = 0
	r.ticker = nil
	r.stopCh = nil
	r.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if stopCh != nil {
		close(stopCh)
	}
}

// PartialBlob concatenates every raw emission received so far into one
// self-decodable blob. The first raw emission already carries the
// initialization segment, so the emissions are concatenated as-is. Useful
// for previewing or salvaging a recording before Stop is called.
func (r *Recorder) PartialBlob() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []byte
	for _, raw := range r.rawChunks {
		out = append(out, raw...)
	}
	return out
}

// State reports the recorder's current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Duration returns elapsed wall time since Start, excluding paused
// intervals.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startedAt.IsZero() {
		return 0
	}

	elapsed := time.Since(r.startedAt)
	paused := r.pausedTotal
	if r.state == StatePaused {
		paused += time.Since(r.pausedAt)
	}
	return elapsed - paused
}

// TotalChunks returns the number of chunks emitted so far.
func (r *Recorder) TotalChunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextIndex
}

// Header returns the cached initialization segment bytes, if one has been
// captured yet.
func (r *Recorder) Header() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.header == nil {
		return nil, false
	}
	return append([]byte(nil), r.header...), r.headerFound
}
