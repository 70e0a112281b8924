package taskpoll

import (
	"net/http"
	"time"
)

// Option configures a Poller.
type Option func(*Poller)

// WithHTTPClient overrides the HTTP client used for poll requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Poller) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithPollInterval sets the delay between poll requests.
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.requestTimeout = d
		}
	}
}

// WithMaxDuration sets the overall ceiling on a single poll run, after which
// it is abandoned with StatusTimedOut.
func WithMaxDuration(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.maxDuration = d
		}
	}
}

// WithOnUpdate registers a callback invoked after every observable state
// change (progress update, completion, failure, timeout).
func WithOnUpdate(fn func(Snapshot)) Option {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}
