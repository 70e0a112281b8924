// Package transcription implements component D: the streaming transcription
// orchestrator that sequences draft-init, chunked upload with retry, live
// transcript reconciliation over a push subscription, and finalize.
package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/cenkalti/backoff/v5"

	"github.com/hrosspet/voicecore/core/pushsub"
	"github.com/hrosspet/voicecore/core/recorder"
	"github.com/hrosspet/voicecore/internal/httpapi"
)

// SessionState is the observable lifecycle of one streaming session.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateInitializing SessionState = "initializing"
	StateRecording    SessionState = "recording"
	StateFinalizing   SessionState = "finalizing"
	StateComplete     SessionState = "complete"
	StateError        SessionState = "error"
)

func (s SessionState) String() string { return string(s) }

// Result is delivered to OnComplete once all_complete arrives.
type Result struct {
	DraftID   string
	SessionID string
	Content   string
}

// Snapshot is a point-in-time, safely-copied view of the orchestrator's
// observable state.
type Snapshot struct {
	State             SessionState
	DraftID           string
	SessionID         string
	Transcript        string
	UploadedChunks    int
	TranscribedChunks int
	ErrorMessage      string
	Duration          time.Duration
	Chunks            []TranscriptChunk
}

const (
	defaultChunkInterval        = 10 * time.Second
	defaultMimeType              = "audio/webm"
	defaultUploadTimeout         = 2 * time.Minute
	defaultUploadRetries         = 3
	defaultUploadBackoffInitial = 1 * time.Second
	defaultSettleDelay          = 500 * time.Millisecond
	defaultReconnectDelay       = 2 * time.Second
	defaultHeartbeatInterval    = 15 * time.Second
)

// Orchestrator drives a draft's streaming lifecycle. One Orchestrator can
// drive successive drafts: each StartStreaming resets the previous draft's
// state, and startStreaming/cancelStreaming/stopStreaming move it through
// its session state machine.
type Orchestrator struct {
	client *httpapi.Client
	rec    *recorder.Recorder

	chunkInterval        time.Duration
	mimeType             string
	uploadTimeout        time.Duration
	uploadRetries        int
	uploadBackoffInitial time.Duration
	settleDelay          time.Duration
	reconnectDelay       time.Duration
	heartbeatInterval    time.Duration

	onTranscriptUpdate func(string)
	onComplete         func(Result)
	onError            func(error)

	mu                sync.Mutex
	state             SessionState
	draftID           string
	sessionID         string
	contentUpdate     string
	uploadedChunks    int
	transcribedChunks int
	totalChunksSeen   int
	errorMessage      string
	startedAt         time.Time

	transcript *orderedTranscript
	sub        *pushsub.Subscription
	subCancel  context.CancelFunc
}

// New builds an Orchestrator wrapping source as its chunked recorder's
// media source.
func New(client *httpapi.Client, source recorder.MediaSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:               client,
		chunkInterval:        defaultChunkInterval,
		mimeType:             defaultMimeType,
		uploadTimeout:        defaultUploadTimeout,
		uploadRetries:        defaultUploadRetries,
		uploadBackoffInitial: defaultUploadBackoffInitial,
		settleDelay:          defaultSettleDelay,
		reconnectDelay:       defaultReconnectDelay,
		heartbeatInterval:    defaultHeartbeatInterval,
		onTranscriptUpdate:   func(string) {},
		onComplete:           func(Result) {},
		onError:              func(error) {},
		state:                StateIdle,
		transcript:           newOrderedTranscript(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.rec = recorder.New(source,
		recorder.WithOnChunkReady(o.handleChunkReady),
		recorder.WithChunkInterval(o.chunkInterval),
		recorder.WithMimeType(o.mimeType),
	)
	return o
}

// StartStreaming begins a new session: init, subscribe, start the recorder.
func (o *Orchestrator) StartStreaming(ctx context.Context, parentID *int64, privacy httpapi.PrivacyLevel, aiUsage httpapi.AIUsage) error {
	ctx, span := tracer.Start(ctx, "transcription.startStreaming")
	defer span.End()

	// A prior turn leaves the recorder in StateRecorded and this
	// orchestrator's counters/transcript holding that turn's data; reset
	// both so a second StartStreaming on the same Orchestrator starts
	// clean.
	o.rec.Reset()

	o.mu.Lock()
	o.state = StateInitializing
	o.draftID = ""
	o.sessionID = ""
	o.contentUpdate = ""
	o.uploadedChunks = 0
	o.transcribedChunks = 0
	o.totalChunksSeen = 0
	o.errorMessage = ""
	o.transcript = newOrderedTranscript()
	o.mu.Unlock()

	resp, err := o.client.InitDraftSession(ctx, httpapi.InitRequest{
		ParentID:     parentID,
		PrivacyLevel: privacy,
		AIUsage:      aiUsage,
	})
	if err != nil {
		o.fail(fmt.Errorf("transcription: init: %w", err))
		return err
	}

	o.mu.Lock()
	o.draftID = resp.DraftID
	o.sessionID = resp.SessionID
	o.startedAt = time.Now()
	o.mu.Unlock()

	o.openSubscription(ctx)

	if err := o.rec.Start(ctx); err != nil {
		o.fail(fmt.Errorf("transcription: starting recorder: %w", err))
		return err
	}

	o.mu.Lock()
	o.state = StateRecording
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) openSubscription(ctx context.Context) {
	// A previous turn's subscription is still connected at this point (a
	// normal StopStreaming never disconnects it) - tear it down before
	// replacing o.sub/o.subCancel, or its reconnect/watchdog goroutines
	// leak for the life of the Orchestrator.
	if o.subCancel != nil {
		o.subCancel()
	}
	if o.sub != nil {
		o.sub.Disconnect()
	}

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	o.sub = pushsub.New(func() string {
		lastIdx, seen := o.transcript.lastIndex()
		if !seen {
			return o.client.TranscriptionStreamURL(sessionID, nil)
		}
		return o.client.TranscriptionStreamURL(sessionID, &lastIdx)
	},
		pushsub.WithReconnectDelay(o.reconnectDelay),
		pushsub.WithHeartbeatInterval(o.heartbeatInterval),
	)
	o.sub.On("chunk_complete", o.handleChunkComplete)
	o.sub.On("chunk_error", o.handleChunkError)
	o.sub.On("content_update", o.handleContentUpdate)
	o.sub.On("all_complete", o.handleAllComplete)
	o.sub.On("error", o.handleStreamError)

	subCtx, cancel := context.WithCancel(ctx)
	o.subCancel = cancel
	o.sub.Connect(subCtx)
}

// handleChunkReady is wired into the recorder as onChunkReady: it uploads
// the chunk with retry, never blocking the recorder's emission loop.
func (o *Orchestrator) handleChunkReady(chunk recorder.AudioChunk) {
	go o.uploadChunk(chunk)
}

func (o *Orchestrator) uploadChunk(chunk recorder.AudioChunk) {
	ctx, span := tracer.Start(context.Background(), "transcription.uploadChunk")
	defer span.End()

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.uploadBackoffInitial
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, o.uploadTimeout)
		defer cancel()
		if err := o.client.UploadAudioChunk(reqCtx, sessionID, chunk.Index, chunk.MimeType, chunk.Blob); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(o.uploadRetries)))

	if err != nil {
		logger.Warn("transcription: chunk upload failed after retries", "index", chunk.Index, "error", err)
		o.onError(fmt.Errorf("transcription: uploading chunk %d: %w", chunk.Index, err))
		return
	}

	o.mu.Lock()
	o.uploadedChunks++
	if chunk.Index+1 > o.totalChunksSeen {
		o.totalChunksSeen = chunk.Index + 1
	}
	o.mu.Unlock()
	chunksUploadedCounter.Add(ctx, 1)
}

func (o *Orchestrator) handleChunkComplete(e pushsub.Event) {
	var payload struct {
		ChunkIndex int    `json:"chunk_index"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Warn("transcription: malformed chunk_complete payload", "error", err)
		return
	}
	o.transcript.put(payload.ChunkIndex, payload.Text)

	o.mu.Lock()
	o.transcribedChunks++
	authoritative := o.contentUpdate != ""
	o.mu.Unlock()

	if !authoritative {
		o.onTranscriptUpdate(o.transcript.assembled())
	}
}

func (o *Orchestrator) handleChunkError(e pushsub.Event) {
	logger.Warn("transcription: chunk_error event received", "payload", string(e.Payload))
}

func (o *Orchestrator) handleContentUpdate(e pushsub.Event) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Warn("transcription: malformed content_update payload", "error", err)
		return
	}
	o.mu.Lock()
	o.contentUpdate = payload.Content
	o.mu.Unlock()
	o.onTranscriptUpdate(payload.Content)
}

func (o *Orchestrator) handleAllComplete(e pushsub.Event) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Warn("transcription: malformed all_complete payload", "error", err)
		return
	}

	o.mu.Lock()
	o.contentUpdate = payload.Content
	o.state = StateComplete
	draftID, sessionID := o.draftID, o.sessionID
	o.mu.Unlock()

	o.onComplete(Result{DraftID: draftID, SessionID: sessionID, Content: payload.Content})
}

func (o *Orchestrator) handleStreamError(e pushsub.Event) {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(e.Payload, &payload)
	o.fail(fmt.Errorf("transcription: server error: %s", payload.Error))
}

// StopStreaming stops the recorder (flushing the final chunk), waits a short
// settle delay, then finalizes. Completion arrives asynchronously via
// all_complete.
func (o *Orchestrator) StopStreaming(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "transcription.stopStreaming")
	defer span.End()

	if err := o.rec.Stop(ctx); err != nil {
		return fmt.Errorf("transcription: stopping recorder: %w", err)
	}

	o.mu.Lock()
	o.state = StateFinalizing
	sessionID := o.sessionID
	o.mu.Unlock()

	select {
	case <-time.After(o.settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	totalChunks := o.totalChunksSeen
	o.mu.Unlock()

	if err := o.client.Finalize(ctx, sessionID, totalChunks); err != nil {
		o.fail(fmt.Errorf("transcription: finalize: %w", err))
		return err
	}
	return nil
}

// Pause pauses the underlying recorder, flushing one final pre-pause chunk,
// without ending the session. Forwarded from component A so that callers
// wiring lock-screen media-session controls (component H) have a session-
// level pause to bind to.
func (o *Orchestrator) Pause() error {
	return o.rec.Pause()
}

// Resume continues capture after Pause.
func (o *Orchestrator) Resume() error {
	return o.rec.Resume()
}

// CancelStreaming tears down the session without finalizing.
func (o *Orchestrator) CancelStreaming() {
	if o.subCancel != nil {
		o.subCancel()
	}
	if o.sub != nil {
		o.sub.Disconnect()
	}
	o.rec.Reset()

	o.mu.Lock()
	o.state = StateIdle
	o.draftID = ""
	o.sessionID = ""
	o.contentUpdate = ""
	o.uploadedChunks = 0
	o.transcribedChunks = 0
	o.totalChunksSeen = 0
	o.errorMessage = ""
	o.transcript = newOrderedTranscript()
	o.mu.Unlock()
}

// SaveAsNode promotes the draft to a permanent node, using editedContent if
// provided, otherwise the authoritative (or assembled-fallback) transcript.
func (o *Orchestrator) SaveAsNode(ctx context.Context, editedContent *string) (*httpapi.NodeRecord, error) {
	o.mu.Lock()
	sessionID := o.sessionID
	content := o.contentUpdate
	transcript := o.transcript
	o.mu.Unlock()

	if content == "" {
		content = transcript.assembled()
	}
	if editedContent != nil {
		content = *editedContent
	}
	return o.client.SaveAsNode(ctx, sessionID, content)
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.state = StateError
	o.errorMessage = err.Error()
	o.mu.Unlock()
	o.onError(err)
}

// Snapshot returns a safely-copied view of the orchestrator's current
// observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	src := struct {
		State             SessionState
		DraftID           string
		SessionID         string
		Transcript        string
		UploadedChunks    int
		TranscribedChunks int
		ErrorMessage      string
		Duration          time.Duration
	}{
		State:             o.state,
		DraftID:           o.draftID,
		SessionID:         o.sessionID,
		UploadedChunks:    o.uploadedChunks,
		TranscribedChunks: o.transcribedChunks,
		ErrorMessage:      o.errorMessage,
	}
	if o.contentUpdate != "" {
		src.Transcript = o.contentUpdate
	}
	if !o.startedAt.IsZero() {
		src.Duration = time.Since(o.startedAt)
	}
	transcript := o.transcript
	o.mu.Unlock()

	var snap Snapshot
	copier.Copy(&snap, &src)
	if snap.Transcript == "" {
		snap.Transcript = transcript.assembled()
	}
	snap.Chunks = transcript.chunks()
	return snap
}
