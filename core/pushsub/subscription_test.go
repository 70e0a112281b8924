package pushsub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func sseServer(t *testing.T, records []string) *httptest.Server {
	t.Helper()
	var served int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, rec := range records {
			fmt.Fprint(w, rec)
			if flusher != nil {
				flusher.Flush()
			}
		}
		served++
	}))
}

func TestSubscriptionDispatchesNamedAndDefaultHandlers(t *testing.T) {
	srv := sseServer(t, []string{
		"event: chunk_ready\ndata: {\"index\":0}\n\n",
		"data: {\"raw\":true}\n\n",
	})
	defer srv.Close()

	var mu sync.Mutex
	var named, def int

	sub := New(func() string { return srv.URL }, WithReconnectDelay(10*time.Millisecond))
	sub.On("chunk_ready", func(e Event) {
		mu.Lock()
		named++
		mu.Unlock()
	})
	sub.OnMessage(func(e Event) {
		mu.Lock()
		def++
		mu.Unlock()
	})

	sub.Connect(context.Background())
	defer sub.Disconnect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n, d := named, def
		mu.Unlock()
		if n == 1 && d == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("handlers not both called: named=%d default=%d", named, def)
}

func TestSubscriptionReconnectsWithFreshURL(t *testing.T) {
	var mu sync.Mutex
	var urls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		urls = append(urls, r.URL.RawQuery)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: hello\ndata: {}\n\n")
	}))
	defer srv.Close()

	var calls int
	sub := New(func() string {
		calls++
		return fmt.Sprintf("%s?n=%d", srv.URL, calls)
	}, WithReconnectDelay(5*time.Millisecond))

	sub.Connect(context.Background())
	defer sub.Disconnect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		distinct := len(urls) >= 2 && urls[0] != urls[1]
		mu.Unlock()
		if distinct {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 connection attempts with distinct URLs")
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := New(func() string { return srv.URL }, WithReconnectDelay(5*time.Millisecond))
	sub.Connect(context.Background())
	time.Sleep(30 * time.Millisecond)
	sub.Disconnect()

	seenAfterDisconnect := attempts
	time.Sleep(50 * time.Millisecond)
	if attempts > seenAfterDisconnect+1 {
		t.Fatalf("expected no further connection attempts after Disconnect")
	}
}
