package pushsub

import (
	"net/http"
	"time"
)

// Option configures a Subscription.
type Option func(*Subscription)

// WithHTTPClient overrides the HTTP client used to open the push connection.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscription) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithReconnectDelay overrides the delay before attempting to reopen a
// closed connection.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Subscription) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithHeartbeatInterval sets the server's advertised heartbeat cadence. The
// stale watchdog fires after 3x this interval without any event.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Subscription) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithWatchdogInterval overrides how often the stale-connection watchdog
// runs.
func WithWatchdogInterval(d time.Duration) Option {
	return func(s *Subscription) {
		if d > 0 {
			s.watchdogInterval = d
		}
	}
}

// WithAuthHeader attaches a static header (e.g. a session cookie or bearer
// token) to every connection attempt. Authentication itself is an external
// collaborator; Subscription only carries the header through.
func WithAuthHeader(key, value string) Option {
	return func(s *Subscription) {
		if key != "" {
			s.authHeaders[key] = value
		}
	}
}
