// Package pushsub implements component B: a resumable, auto-reconnecting
// subscription to a backend Server-Sent-Events endpoint, with stale
// connection detection and an indirection layer that keeps handler identity
// changes from tearing down the channel.
package pushsub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultWatchdogInterval  = 10 * time.Second
	staleFactor              = 3
)

// handlerSlot is the indirection that lets consumers swap a handler closure
// without tearing down and re-opening the underlying connection: only the
// function pointer behind the lock changes, the channel lifecycle is
// untouched.
type handlerSlot struct {
	mu sync.RWMutex
	fn func(Event)
}

func (h *handlerSlot) set(fn func(Event)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *handlerSlot) call(e Event) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// Subscription maintains a long-lived push connection to a URL resolved
// fresh on every connect/reconnect attempt, so callers can fold a resume
// hint (e.g. "?last_chunk=N") into the URL just before reconnecting.
type Subscription struct {
	urlFunc func() string

	httpClient        *http.Client
	reconnectDelay    time.Duration
	heartbeatInterval time.Duration
	watchdogInterval  time.Duration
	authHeaders       map[string]string

	handlersMu sync.Mutex
	handlers   map[string]*handlerSlot
	onMessage  *handlerSlot

	enabled   atomic.Bool
	connected atomic.Bool

	lastEventAtMu sync.Mutex
	lastEventAt   time.Time
	lastEvent     *Event

	lastErrMu sync.Mutex
	lastErr   error

	connMu     sync.Mutex
	connCancel context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Subscription. urlFunc is called at connect time and again on
// every reconnect so that resume hints appended by the caller are always
// fresh.
func New(urlFunc func() string, opts ...Option) *Subscription {
	s := &Subscription{
		urlFunc:           urlFunc,
		httpClient:        http.DefaultClient,
		reconnectDelay:    defaultReconnectDelay,
		heartbeatInterval: defaultHeartbeatInterval,
		watchdogInterval:  defaultWatchdogInterval,
		authHeaders:       map[string]string{},
		handlers:          map[string]*handlerSlot{},
		onMessage:         &handlerSlot{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers (or replaces) the handler for a named event. Safe to call at
// any time, including while connected; it never reconnects the channel.
func (s *Subscription) On(name string, handler func(Event)) {
	s.handlersMu.Lock()
	slot, ok := s.handlers[name]
	if !ok {
		slot = &handlerSlot{}
		s.handlers[name] = slot
	}
	s.handlersMu.Unlock()
	slot.set(handler)
}

// OnMessage registers the default handler invoked for events with no
// name-specific handler registered.
func (s *Subscription) OnMessage(handler func(Event)) {
	s.onMessage.set(handler)
}

// IsConnected reports whether the channel currently has an open connection.
func (s *Subscription) IsConnected() bool {
	return s.connected.Load()
}

// LastError returns the most recently observed connection error, if any.
func (s *Subscription) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// LastEvent returns the most recently dispatched event, if any has arrived.
func (s *Subscription) LastEvent() (Event, bool) {
	s.lastEventAtMu.Lock()
	defer s.lastEventAtMu.Unlock()
	if s.lastEvent == nil {
		return Event{}, false
	}
	return *s.lastEvent, true
}

// Connect opens the channel and begins the reconnect/watchdog loops. It is
// a no-op if already connected (enabled). The channel never reconnects once
// Disconnect is called.
func (s *Subscription) Connect(ctx context.Context) {
	if !s.enabled.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runLoop(loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(loopCtx)
	}()
}

// Disconnect tears down the channel. Idempotent.
func (s *Subscription) Disconnect() {
	if !s.enabled.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.connected.Store(false)
}

func (s *Subscription) runLoop(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			reconnectCounter.Add(ctx, 1)
		}
		first = false

		connCtx, connCancel := context.WithCancel(ctx)
		s.connMu.Lock()
		s.connCancel = connCancel
		s.connMu.Unlock()

		err := s.openOnce(connCtx)
		connCancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.lastErrMu.Lock()
			s.lastErr = err
			s.lastErrMu.Unlock()
			logger.Warn("pushsub: connection closed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Subscription) openOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pushsub.connect")
	defer span.End()

	url := s.urlFunc()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("pushsub: building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range s.authHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushsub: opening connection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pushsub: unexpected status %d", resp.StatusCode)
	}

	s.connected.Store(true)
	defer s.connected.Store(false)

	// The watchdog measures silence from the moment this connection opened,
	// so a fresh connection is not judged by an earlier connection's last
	// event and a connection that never delivers an event still goes stale.
	s.lastEventAtMu.Lock()
	s.lastEventAt = time.Now()
	s.lastEventAtMu.Unlock()

	return readEvents(resp.Body, s.dispatch)
}

func (s *Subscription) dispatch(e Event) {
	now := time.Now()
	s.lastEventAtMu.Lock()
	s.lastEventAt = now
	evCopy := e
	s.lastEvent = &evCopy
	s.lastEventAtMu.Unlock()

	s.handlersMu.Lock()
	slot, ok := s.handlers[e.Name]
	s.handlersMu.Unlock()

	if ok {
		slot.call(e)
		return
	}
	s.onMessage.call(e)
}

// watchdogLoop forces a reconnect when no event (including heartbeats) has
// arrived for 3x the configured heartbeat interval.
func (s *Subscription) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStale()
		}
	}
}

func (s *Subscription) checkStale() {
	if !s.connected.Load() {
		return
	}

	s.lastEventAtMu.Lock()
	lastEventAt := s.lastEventAt
	s.lastEventAtMu.Unlock()

	if lastEventAt.IsZero() {
		return
	}

	if time.Since(lastEventAt) < staleFactor*s.heartbeatInterval {
		return
	}

	logger.Warn("pushsub: connection stale, forcing reconnect")
	s.connMu.Lock()
	cancel := s.connCancel
	s.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
