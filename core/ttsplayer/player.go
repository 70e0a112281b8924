// Package ttsplayer implements component E: a gapless player over an
// index-ordered queue of TTS audio segments delivered one at a time over a
// push stream, with virtual-timeline seeking across the whole queue.
package ttsplayer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hrosspet/voicecore/core/pushsub"
	"github.com/hrosspet/voicecore/internal/httpapi"
)

// State is the player's observable lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
	StatePlaying    State = "playing"
	StatePaused     State = "paused"
	StateComplete   State = "complete"
	StateError      State = "error"
)

func (s State) String() string { return string(s) }

const defaultInterSegmentDelay = 50 * time.Millisecond

// AudioElement is the seam between the player and whatever actually renders
// audio (a browser <audio> element, a native decoder, a test double). The
// player drives it with one segment URL at a time and is notified of
// completion or failure through the callbacks registered via SetOnEnded/
// SetOnError.
type AudioElement interface {
	Play(ctx context.Context, url string, startOffset time.Duration) error
	Pause() error
	Resume() error
	Stop() error
	SetOnEnded(func())
	SetOnError(func(error))
}

// Snapshot is a point-in-time, race-free copy of the player's observable
// state.
type Snapshot struct {
	State             State
	CurrentChunkIndex int
	TotalChunks       int
	Position          time.Duration
	TotalDuration     time.Duration
}

// Player consumes a node's TTS push stream and drives an AudioElement
// through the resulting segment queue.
type Player struct {
	element AudioElement

	httpClient        *http.Client
	interSegmentDelay time.Duration
	reconnectDelay    time.Duration
	heartbeatInterval time.Duration
	autoPlay          bool

	onStateChange func(Snapshot)
	onError       func(error)

	mu               sync.Mutex
	state            State
	segments         *segmentSet
	queueComplete    bool
	currentIndex     int
	hasCurrent       bool
	segmentStartedAt time.Time
	pausedOffset     time.Duration

	sub *pushsub.Subscription
}

// New builds a Player driving element. Playback does not begin until Start
// is called.
func New(element AudioElement, opts ...Option) *Player {
	p := &Player{
		element:           element,
		httpClient:        http.DefaultClient,
		interSegmentDelay: defaultInterSegmentDelay,
		reconnectDelay:    2 * time.Second,
		heartbeatInterval: 15 * time.Second,
		autoPlay:          true,
		onStateChange:     func(Snapshot) {},
		onError:           func(error) {},
		state:             StateIdle,
		segments:          newSegmentSet(),
	}
	for _, opt := range opts {
		opt(p)
	}
	element.SetOnEnded(p.handleSegmentEnded)
	element.SetOnError(p.handleSegmentError)
	return p
}

// Start opens the push subscription for nodeID's TTS stream and begins
// accumulating segments. Playback starts automatically on the first segment
// unless WithAutoPlay(false) was set.
func (p *Player) Start(ctx context.Context, client *httpapi.Client, nodeID string) {
	p.mu.Lock()
	p.state = StateGenerating
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.onStateChange(snap)

	p.sub = pushsub.New(func() string { return client.TTSStreamURL(nodeID) },
		pushsub.WithHTTPClient(client.HTTPClient()),
		pushsub.WithReconnectDelay(p.reconnectDelay),
		pushsub.WithHeartbeatInterval(p.heartbeatInterval),
	)
	p.sub.On("chunk_ready", p.handleChunkReady)
	p.sub.On("all_complete", p.handleAllComplete)
	p.sub.On("error", p.handleStreamError)
	p.sub.Connect(ctx)
}

func (p *Player) handleChunkReady(e pushsub.Event) {
	var payload struct {
		ChunkIndex int     `json:"chunk_index"`
		AudioURL   string  `json:"audio_url"`
		Duration   float64 `json:"duration"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Warn("ttsplayer: malformed chunk_ready event", "error", err)
		return
	}

	seg := AudioSegment{Index: payload.ChunkIndex, URL: payload.AudioURL, DurationSec: payload.Duration}

	p.mu.Lock()
	p.segments.put(seg)
	shouldStart := p.autoPlay && p.state == StateGenerating && !p.hasCurrent
	p.mu.Unlock()

	if shouldStart {
		p.playSegment(seg, 0)
	}
}

func (p *Player) handleAllComplete(e pushsub.Event) {
	p.mu.Lock()
	p.queueComplete = true
	finished := p.hasCurrent == false && p.state != StatePaused
	p.mu.Unlock()

	if finished {
		p.markComplete()
	}
}

func (p *Player) handleStreamError(e pushsub.Event) {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(e.Payload, &payload)
	err := fmt.Errorf("ttsplayer: stream error: %s", payload.Message)

	p.mu.Lock()
	p.state = StateError
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.onStateChange(snap)
	p.onError(err)
}

func (p *Player) playSegment(seg AudioSegment, offset time.Duration) {
	_, span := tracer.Start(context.Background(), "ttsplayer.playSegment")
	span.SetAttributes(attribute.Int("segment.index", seg.Index))
	defer span.End()

	p.mu.Lock()
	p.currentIndex = seg.Index
	p.hasCurrent = true
	p.state = StatePlaying
	p.segmentStartedAt = time.Now().Add(-offset)
	p.pausedOffset = 0
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.onStateChange(snap)
	span.AddEvent("segment started", trace.WithAttributes(
		attribute.Int("segment.index", seg.Index),
		attribute.Float64("segment.offset_seconds", offset.Seconds()),
	))

	if err := p.element.Play(context.Background(), seg.URL, offset); err != nil {
		span.RecordError(err)
		logger.Warn("ttsplayer: segment failed to start", "index", seg.Index, "error", err)
		p.advanceAfterSegment(seg.Index)
	}
}

// handleSegmentEnded is invoked by the AudioElement when the current
// segment finishes playing cleanly.
func (p *Player) handleSegmentEnded() {
	p.mu.Lock()
	index := p.currentIndex
	p.mu.Unlock()
	p.advanceAfterSegment(index)
}

// handleSegmentError is invoked by the AudioElement when the current
// segment fails mid-playback. A single segment's failure advances the
// queue rather than failing the whole player.
func (p *Player) handleSegmentError(err error) {
	p.mu.Lock()
	index := p.currentIndex
	p.mu.Unlock()
	logger.Warn("ttsplayer: segment playback error", "index", index, "error", err)
	p.advanceAfterSegment(index)
}

func (p *Player) advanceAfterSegment(finishedIndex int) {
	p.mu.Lock()
	next, ok := p.segments.next(finishedIndex)
	if !ok {
		p.hasCurrent = false
		if p.queueComplete {
			p.mu.Unlock()
			p.markComplete()
			return
		}
		p.state = StateGenerating
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.onStateChange(snap)
		return
	}
	p.mu.Unlock()

	delay := p.interSegmentDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		p.playSegment(next, 0)
	}()
}

func (p *Player) markComplete() {
	p.mu.Lock()
	p.hasCurrent = false
	p.state = StateComplete
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.onStateChange(snap)
}

// Pause freezes playback in place; the queue and accumulated segments are
// untouched.
func (p *Player) Pause() error {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return nil
	}
	p.pausedOffset = time.Since(p.segmentStartedAt)
	p.state = StatePaused
	snap := p.snapshotLocked()
	p.mu.Unlock()

	err := p.element.Pause()
	p.onStateChange(snap)
	return err
}

// Resume continues playback from where Pause left off, or restarts from the
// first segment if the queue had already reached its end.
func (p *Player) Resume() error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	if state == StateComplete {
		return p.replayFromStart()
	}
	if state != StatePaused {
		return nil
	}

	p.mu.Lock()
	p.state = StatePlaying
	p.segmentStartedAt = time.Now().Add(-p.pausedOffset)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	err := p.element.Resume()
	p.onStateChange(snap)
	return err
}

func (p *Player) replayFromStart() error {
	p.mu.Lock()
	first, ok := p.segments.firstIndex()
	p.mu.Unlock()
	if !ok {
		return nil
	}
	seg, _ := p.segments.get(first)
	p.playSegment(seg, 0)
	return nil
}

// Seek jumps to cumulative position t across the virtual timeline spanning
// every known segment, in index order. Positions beyond the known total are
// clamped to the end.
func (p *Player) Seek(t time.Duration) error {
	p.mu.Lock()
	ordered := p.segments.ordered()
	p.mu.Unlock()
	if len(ordered) == 0 {
		return nil
	}

	target := t
	var cumulative time.Duration
	var seg AudioSegment
	var offset time.Duration
	found := false

	for _, s := range ordered {
		dur := time.Duration(s.DurationSec * float64(time.Second))
		if target <= cumulative+dur {
			seg = s
			offset = target - cumulative
			found = true
			break
		}
		cumulative += dur
	}
	if !found {
		last := ordered[len(ordered)-1]
		seg = last
		offset = time.Duration(last.DurationSec * float64(time.Second))
	}
	if offset < 0 {
		offset = 0
	}

	p.playSegment(seg, offset)
	return nil
}

// Stop fully disconnects the push subscription, releases the audio element,
// and clears the queue.
func (p *Player) Stop() {
	if p.sub != nil {
		p.sub.Disconnect()
	}
	_ = p.element.Stop()

	p.mu.Lock()
	p.segments = newSegmentSet()
	p.queueComplete = false
	p.hasCurrent = false
	p.currentIndex = 0
	p.pausedOffset = 0
	p.state = StateIdle
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.onStateChange(snap)
}

// Snapshot returns the player's current observable state.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Player) snapshotLocked() Snapshot {
	var segmentOffset time.Duration
	switch p.state {
	case StatePlaying:
		segmentOffset = time.Since(p.segmentStartedAt)
	case StatePaused:
		segmentOffset = p.pausedOffset
	}

	var position time.Duration
	if p.hasCurrent {
		position = p.segments.prefixDuration(p.currentIndex) + segmentOffset
	}

	var total time.Duration
	for _, s := range p.segments.ordered() {
		total += time.Duration(s.DurationSec * float64(time.Second))
	}

	return Snapshot{
		State:             p.state,
		CurrentChunkIndex: p.currentIndex,
		TotalChunks:       p.segments.count(),
		Position:          position,
		TotalDuration:     total,
	}
}
