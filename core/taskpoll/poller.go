// Package taskpoll implements component C: a generic, cancellable poller for
// backend endpoints that expose the progress of a long-running async task
// (an LLM generation, a batch job) behind a plain GET.
package taskpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Status is the observable lifecycle state of a poll run.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusPolling  Status = "polling"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
)

func (s Status) String() string { return string(s) }

// Result is what a Decoder extracts from one poll response body.
type Result struct {
	Done     bool
	Failed   bool
	Progress float64
	Data     json.RawMessage
}

// Decoder turns a response body into a Result. It returns an error only when
// the body itself could not be understood; HTTP-level failure is handled by
// the poller before a Decoder ever runs.
type Decoder func(body []byte) (Result, error)

const (
	defaultPollInterval   = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxDuration    = 30 * time.Minute
)

// Poller repeatedly GETs an endpoint until the task it tracks completes,
// fails terminally, is stopped, or exceeds its maximum duration. Starting a
// new poll while one is in flight supersedes it: the superseded run's
// in-flight response, if one arrives late, is discarded rather than
// clobbering the new run's state.
type Poller struct {
	decode         Decoder
	httpClient     *http.Client
	pollInterval   time.Duration
	requestTimeout time.Duration
	maxDuration    time.Duration
	onUpdate       func(Snapshot)

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	generation int
	endpoint   string
	startedAt  time.Time

	status   Status
	progress float64
	data     json.RawMessage
	lastErr  error
}

// Snapshot is the observable state delivered to an OnUpdate callback.
type Snapshot struct {
	Status   Status
	Progress float64
	Data     json.RawMessage
	Err      error
}

// New builds a Poller. decode interprets each poll response body.
func New(decode Decoder, opts ...Option) *Poller {
	p := &Poller{
		decode:         decode,
		httpClient:     http.DefaultClient,
		pollInterval:   defaultPollInterval,
		requestTimeout: defaultRequestTimeout,
		maxDuration:    defaultMaxDuration,
		status:         StatusIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling endpoint. Safe to call again with a different
// endpoint to supersede the current run.
func (p *Poller) Start(ctx context.Context, endpoint string) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.generation++
	gen := p.generation
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.endpoint = endpoint
	p.startedAt = time.Now()
	p.running = true
	p.status = StatusPolling
	p.progress = 0
	p.data = nil
	p.lastErr = nil
	p.mu.Unlock()

	go p.loop(loopCtx, gen, endpoint)
}

// Stop halts the current poll without altering the last observed status.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
}

func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Poller) Data() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller) loop(ctx context.Context, gen int, endpoint string) {
	p.tick(ctx, gen, endpoint)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.superseded(gen) {
				return
			}
			p.mu.Lock()
			elapsed := time.Since(p.startedAt)
			p.mu.Unlock()
			if elapsed > p.maxDuration {
				p.finish(gen, StatusTimedOut, 0, nil, fmt.Errorf("taskpoll: exceeded max duration %s", p.maxDuration))
				return
			}
			if p.tick(ctx, gen, endpoint) {
				return
			}
		}
	}
}

// tick runs one poll round. It returns true when the run reached a terminal
// outcome (complete, failed, or stale) and the loop should stop.
func (p *Poller) tick(ctx context.Context, gen int, endpoint string) bool {
	ctx, span := tracer.Start(ctx, "taskpoll.poll")
	defer span.End()
	pollTickCounter.Add(ctx, 1)

	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		p.finish(gen, StatusFailed, 0, nil, fmt.Errorf("taskpoll: building request: %w", err))
		return true
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := p.httpClient.Do(req)
	if p.superseded(gen) {
		if resp != nil {
			resp.Body.Close()
		}
		return true
	}
	if err != nil {
		// Network-level failures (timeouts, connection resets) are transient:
		// the run keeps polling until maxDuration, rather than failing on the
		// first hiccup.
		logger.Warn("taskpoll: transient request error", "endpoint", endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		logger.Warn("taskpoll: transient server error", "endpoint", endpoint, "status", resp.StatusCode)
		return false
	}
	if resp.StatusCode >= 400 {
		p.finish(gen, StatusFailed, 0, nil, fmt.Errorf("taskpoll: terminal status %d", resp.StatusCode))
		return true
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("taskpoll: reading response body", "error", err)
		return false
	}

	result, err := p.decode(body)
	if err != nil {
		logger.Warn("taskpoll: decoding response", "error", err)
		return false
	}

	if result.Failed {
		p.finish(gen, StatusFailed, result.Progress, result.Data, fmt.Errorf("taskpoll: task reported failure"))
		return true
	}
	if result.Done {
		p.finish(gen, StatusComplete, 1, result.Data, nil)
		return true
	}

	p.update(gen, StatusPolling, result.Progress, result.Data, nil)
	return false
}

func (p *Poller) superseded(gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.generation
}

func (p *Poller) update(gen int, status Status, progress float64, data json.RawMessage, err error) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.status = status
	p.progress = progress
	if data != nil {
		p.data = data
	}
	p.lastErr = err
	cb := p.onUpdate
	snap := Snapshot{Status: status, Progress: progress, Data: p.data, Err: err}
	p.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func (p *Poller) finish(gen int, status Status, progress float64, data json.RawMessage, err error) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.update(gen, status, progress, data, err)
}
