package reliability

import (
	"math/rand/v2"
	"time"
)

// Action says how the supervisor reacts to a service-reported status code.
type Action int

const (
	// ActionFail surfaces the error and stops retrying.
	ActionFail Action = iota
	// ActionReconnect backs off and reconnects with the same credential.
	ActionReconnect
	// ActionReauthenticate drops the cached credential before reconnecting.
	ActionReauthenticate
)

func (a Action) String() string {
	switch a {
	case ActionReconnect:
		return "reconnect"
	case ActionReauthenticate:
		return "reauthenticate"
	default:
		return "fail"
	}
}

// ClassifyServiceCode maps a service error code onto a recovery action.
func ClassifyServiceCode(code int) Action {
	switch code {
	case 401, 403:
		return ActionReauthenticate
	case 429, 503:
		return ActionReconnect
	default:
		return ActionFail
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Backoff computes reconnect delays as min(prev*2 + jitter, Max), starting
// from Base + jitter. Jitter is drawn uniformly from [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	prev time.Duration
}

// Next returns the delay before the next attempt and remembers it.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	d := base
	if b.prev > 0 {
		d = b.prev * 2
	}
	d += b.jitter()
	if d > maxDelay || d < 0 {
		d = maxDelay
	}
	b.prev = d
	return d
}

// Reset starts the sequence over; called after a successful handshake.
func (b *Backoff) Reset() {
	b.prev = 0
}

func (b *Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(b.Jitter))
}
