package ttsplayer

import (
	"net/http"
	"time"
)

// Option configures a Player.
type Option func(*Player)

// WithHTTPClient overrides the HTTP client used for the underlying push
// subscription.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Player) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithInterSegmentDelay overrides the pause inserted between segments to
// avoid an audible glitch at the splice point.
func WithInterSegmentDelay(d time.Duration) Option {
	return func(p *Player) {
		if d >= 0 {
			p.interSegmentDelay = d
		}
	}
}

// WithReconnectDelay overrides the push subscription's reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.reconnectDelay = d
		}
	}
}

// WithHeartbeatInterval overrides the push subscription's heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.heartbeatInterval = d
		}
	}
}

// WithAutoPlay controls whether the player begins playback as soon as the
// first segment arrives (the default) or waits for an explicit Play call.
func WithAutoPlay(autoPlay bool) Option {
	return func(p *Player) {
		p.autoPlay = autoPlay
	}
}

// WithOnStateChange registers a callback invoked whenever State transitions.
func WithOnStateChange(fn func(Snapshot)) Option {
	return func(p *Player) {
		if fn != nil {
			p.onStateChange = fn
		}
	}
}

// WithOnError registers a callback invoked when the subscription itself
// errors out (as opposed to a single segment failing to play).
func WithOnError(fn func(error)) Option {
	return func(p *Player) {
		if fn != nil {
			p.onError = fn
		}
	}
}
