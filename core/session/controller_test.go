package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hrosspet/voicecore/core/llmjob"
	"github.com/hrosspet/voicecore/core/ttsplayer"
	"github.com/hrosspet/voicecore/internal/httpapi"
)

// fakeSource is a minimal recorder.MediaSource whose emissions are driven
// entirely by explicit test calls, mirroring core/transcription's own test
// double.
type fakeSource struct {
	mu      sync.Mutex
	onData  func([]byte)
	emitted int
}

func (f *fakeSource) Start(ctx context.Context, onData func([]byte)) error {
	f.mu.Lock()
	f.onData = onData
	f.mu.Unlock()
	return nil
}
func (f *fakeSource) RequestData() error {
	f.mu.Lock()
	onData := f.onData
	n := f.emitted
	f.emitted++
	f.mu.Unlock()
	if onData != nil {
		onData([]byte(fmt.Sprintf("chunk-%d", n)))
	}
	return nil
}
func (f *fakeSource) Pause() error  { return nil }
func (f *fakeSource) Resume() error { return nil }
func (f *fakeSource) Stop(ctx context.Context) error {
	f.mu.Lock()
	onData := f.onData
	n := f.emitted
	f.emitted++
	f.mu.Unlock()
	if onData != nil {
		onData([]byte(fmt.Sprintf("final-%d", n)))
	}
	return nil
}

// fakeElement is a minimal ttsplayer.AudioElement whose segment completion
// is driven entirely by explicit test calls.
type fakeElement struct {
	mu        sync.Mutex
	onEnded   func()
	onError   func(error)
	playCalls []string
}

func (f *fakeElement) Play(ctx context.Context, url string, startOffset time.Duration) error {
	f.mu.Lock()
	f.playCalls = append(f.playCalls, url)
	f.mu.Unlock()
	return nil
}
func (f *fakeElement) Pause() error             { return nil }
func (f *fakeElement) Resume() error            { return nil }
func (f *fakeElement) Stop() error              { return nil }
func (f *fakeElement) SetOnEnded(fn func())     { f.onEnded = fn }
func (f *fakeElement) SetOnError(fn func(error)) { f.onError = fn }

func writeSSE(w http.ResponseWriter, records ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, r := range records {
		fmt.Fprint(w, r)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// snapshotRecorder collects every Snapshot delivered to WithOnPhaseChange,
// safe for concurrent reads from the test goroutine.
type snapshotRecorder struct {
	mu   sync.Mutex
	saw  []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	r.saw = append(r.saw, s)
	r.mu.Unlock()
}

func (r *snapshotRecorder) waitForPhase(t *testing.T, phase Phase, within time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, s := range r.saw {
			if s.Phase == phase {
				r.mu.Unlock()
				return s
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase %s never observed", phase)
	return Snapshot{}
}

// fullBackendMux wires every endpoint the happy path touches, gating the
// transcription stream's completion events on finalize actually having been
// called so the session's processing phase cannot begin before recording
// legitimately ends.
func fullBackendMux(t *testing.T) (*httptest.Server, *httpapi.Client) {
	t.Helper()
	finalizeCalled := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/drafts/streaming/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpapi.InitResponse{DraftID: "d1", SessionID: "s1"})
	})
	mux.HandleFunc("/drafts/streaming/s1/audio-chunk", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/drafts/streaming/s1/finalize", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-finalizeCalled:
		default:
			close(finalizeCalled)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sse/drafts/s1/transcription-stream", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-finalizeCalled:
		case <-r.Context().Done():
			return
		}
		writeSSE(w,
			"event: content_update\ndata: {\"content\":\"hello world\"}\n\n",
			"event: all_complete\ndata: {\"content\":\"hello world.\"}\n\n",
		)
	})
	mux.HandleFunc("/reflect", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpapi.WorkflowResponse{UserNodeID: "u1", LLMNodeID: "l1"})
	})
	mux.HandleFunc("/nodes/l1/llm-status", func(w http.ResponseWriter, r *http.Request) {
		content := "you said: hello world."
		json.NewEncoder(w).Encode(httpapi.LLMStatusResponse{Status: httpapi.LLMStatusCompleted, Content: &content})
	})
	mux.HandleFunc("/nodes/l1/tts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sse/nodes/l1/tts-stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "event: chunk_ready\ndata: {\"chunk_index\":0,\"audio_url\":\"https://example/a1.mp3\",\"duration\":2.1}\n\n")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, httpapi.New(srv.URL)
}

func TestHappyPathReachesPlayback(t *testing.T) {
	srv, client := fullBackendMux(t)
	_ = srv

	rec := &snapshotRecorder{}
	source := &fakeSource{}
	element := &fakeElement{}

	ctrl := New(client, source, element,
		WithWorkflow("reflect"),
		WithOnPhaseChange(rec.record),
	)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if ctrl.Snapshot().Phase != PhaseRecording {
		t.Fatalf("phase = %s, want recording", ctrl.Snapshot().Phase)
	}

	source.RequestData()

	if err := ctrl.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	rec.waitForPhase(t, PhaseProcessing, time.Second)
	final := rec.waitForPhase(t, PhasePlayback, time.Second)

	if final.CurrentParentNodeID == nil || *final.CurrentParentNodeID != "l1" {
		t.Fatalf("CurrentParentNodeID = %v, want l1", final.CurrentParentNodeID)
	}
	if final.Player.State != ttsplayer.StatePlaying && final.Player.State != ttsplayer.StateGenerating {
		t.Fatalf("player state = %s", final.Player.State)
	}
}

// TestContinueStartsSecondTurnRecording drives the controller through two
// full turns via Continue, exercising the playback->recording transition
// that doStartRecording's StartStreaming call must survive even though the
// recorder and orchestrator are left holding turn 1's state.
func TestContinueStartsSecondTurnRecording(t *testing.T) {
	srv, client := fullBackendMux(t)
	_ = srv

	rec := &snapshotRecorder{}
	source := &fakeSource{}
	element := &fakeElement{}

	waitForPhaseCount := func(phase Phase, count int, within time.Duration) {
		t.Helper()
		deadline := time.Now().Add(within)
		for time.Now().Before(deadline) {
			rec.mu.Lock()
			n := 0
			for _, s := range rec.saw {
				if s.Phase == phase {
					n++
				}
			}
			rec.mu.Unlock()
			if n >= count {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("phase %s never reached count %d", phase, count)
	}

	ctrl := New(client, source, element,
		WithWorkflow("reflect"),
		WithOnPhaseChange(rec.record),
	)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("first StartRecording: %v", err)
	}
	source.RequestData()
	if err := ctrl.StopRecording(context.Background()); err != nil {
		t.Fatalf("first StopRecording: %v", err)
	}
	waitForPhaseCount(PhasePlayback, 1, time.Second)

	if err := ctrl.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if phase := ctrl.Snapshot().Phase; phase != PhaseRecording {
		t.Fatalf("phase after Continue = %s, want recording", phase)
	}

	source.RequestData()
	if err := ctrl.StopRecording(context.Background()); err != nil {
		t.Fatalf("second StopRecording: %v", err)
	}
	waitForPhaseCount(PhasePlayback, 2, time.Second)

	final := ctrl.Snapshot()
	if final.CurrentParentNodeID == nil || *final.CurrentParentNodeID != "l1" {
		t.Fatalf("second turn CurrentParentNodeID = %v, want l1", final.CurrentParentNodeID)
	}
}

func TestCancelProcessingRewritesParentToLastUserNode(t *testing.T) {
	blockStatus := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/drafts/streaming/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpapi.InitResponse{DraftID: "d1", SessionID: "s1"})
	})
	mux.HandleFunc("/drafts/streaming/s1/audio-chunk", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/drafts/streaming/s1/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sse/drafts/s1/transcription-stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "event: all_complete\ndata: {\"content\":\"hi there\"}\n\n")
	})
	mux.HandleFunc("/reflect", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpapi.WorkflowResponse{UserNodeID: "u1", LLMNodeID: "l1"})
	})
	mux.HandleFunc("/nodes/l1/llm-status", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-blockStatus:
		case <-r.Context().Done():
			return
		}
		json.NewEncoder(w).Encode(httpapi.LLMStatusResponse{Status: httpapi.LLMStatusProcessing})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(blockStatus)

	client := httpapi.New(srv.URL)
	rec := &snapshotRecorder{}
	source := &fakeSource{}
	element := &fakeElement{}

	ctrl := New(client, source, element,
		WithWorkflow("reflect"),
		WithOnPhaseChange(rec.record),
		WithDispatcherOptions(llmjob.WithPollInterval(5*time.Millisecond)),
	)

	if err := ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := ctrl.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	rec.waitForPhase(t, PhaseProcessing, time.Second)

	ctrl.CancelProcessing()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := ctrl.Snapshot()
		if snap.Phase == PhaseReady {
			if snap.CurrentParentNodeID == nil || *snap.CurrentParentNodeID != "u1" {
				t.Fatalf("CurrentParentNodeID = %v, want u1 (lastUserNodeId)", snap.CurrentParentNodeID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("controller never returned to ready after cancel")
}

func TestResumeStartsInProcessingAndPolls(t *testing.T) {
	var statusCalls int
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/nodes/l1/llm-status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		statusCalls++
		mu.Unlock()
		content := "resumed reply"
		json.NewEncoder(w).Encode(httpapi.LLMStatusResponse{Status: httpapi.LLMStatusCompleted, Content: &content})
	})
	mux.HandleFunc("/nodes/l1/tts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sse/nodes/l1/tts-stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "event: chunk_ready\ndata: {\"chunk_index\":0,\"audio_url\":\"https://example/a1.mp3\",\"duration\":1.0}\n\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := httpapi.New(srv.URL)
	parentID := "u0"
	rec := &snapshotRecorder{}
	source := &fakeSource{}
	element := &fakeElement{}

	ctrl := New(client, source, element,
		WithInitialLLMNode("l1", &parentID),
		WithOnPhaseChange(rec.record),
	)

	if ctrl.Snapshot().Phase != PhaseProcessing {
		t.Fatalf("initial phase = %s, want processing", ctrl.Snapshot().Phase)
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec.waitForPhase(t, PhasePlayback, time.Second)

	mu.Lock()
	n := statusCalls
	mu.Unlock()
	if n == 0 {
		t.Fatalf("expected at least one llm-status poll")
	}
}

func TestFirstChunkSafetyTimeoutForcesPlayback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drafts/streaming/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpapi.InitResponse{DraftID: "d1", SessionID: "s1"})
	})
	mux.HandleFunc("/drafts/streaming/s1/audio-chunk", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/drafts/streaming/s1/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sse/drafts/s1/transcription-stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "event: all_complete\ndata: {\"content\":\"hi\"}\n\n")
	})
	mux.HandleFunc("/reflect", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpapi.WorkflowResponse{UserNodeID: "u1", LLMNodeID: "l1"})
	})
	mux.HandleFunc("/nodes/l1/llm-status", func(w http.ResponseWriter, r *http.Request) {
		content := "reply"
		json.NewEncoder(w).Encode(httpapi.LLMStatusResponse{Status: httpapi.LLMStatusCompleted, Content: &content})
	})
	mux.HandleFunc("/nodes/l1/tts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sse/nodes/l1/tts-stream", func(w http.ResponseWriter, r *http.Request) {
		// Deliberately never sends chunk_ready, to exercise the safety timer.
		select {
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := httpapi.New(srv.URL)
	rec := &snapshotRecorder{}
	source := &fakeSource{}
	element := &fakeElement{}

	ctrl := New(client, source, element,
		WithWorkflow("reflect"),
		WithOnPhaseChange(rec.record),
		WithFirstChunkTimeout(30*time.Millisecond),
	)
	// Stop closes the TTS subscription so the blocking tts-stream handler
	// returns before srv.Close waits on it.
	defer ctrl.Stop()

	if err := ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := ctrl.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	rec.waitForPhase(t, PhasePlayback, time.Second)
}
