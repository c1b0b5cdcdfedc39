// Package breaker implements per-provider circuit breakers. A provider that
// fails repeatedly is isolated for a cooldown period, then probed with a
// single request before traffic is restored.
package breaker

import (
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// Closed is the normal operating state: requests flow to the provider.
	Closed State = iota
	// Open means the circuit has tripped: requests skip the provider.
	Open
	// HalfOpen allows a single probe request through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = 5 * time.Minute
)

// Breaker is a goroutine-safe circuit breaker tracking consecutive failures
// for one provider.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	lastFailure      time.Time
	onStateChange    func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures required to trip the
// breaker from Closed to Open. The default is 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning to
// HalfOpen. The default is 5 minutes.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithNowFunc overrides the breaker's time source.
func WithNowFunc(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.nowFunc = now
		}
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next request may go to the provider.
//
// In Closed state it always returns true. In Open state it returns false
// unless the cooldown has elapsed, in which case it transitions to HalfOpen
// and returns true for a single probe request. In HalfOpen state it returns
// false (only one probe is allowed at a time).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// Only one probe at a time; reject additional requests while probing.
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call. If the breaker is HalfOpen (probe
// succeeded), it transitions back to Closed. In Closed state it resets the
// consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure records a failed call. In Closed state it increments the
// consecutive failure counter and trips the breaker at the threshold-th
// failure. In HalfOpen state (probe failed) it immediately reopens the
// breaker with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.nowFunc()

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.setState(Open)
			b.lastTripped = b.nowFunc()
		}
	case HalfOpen:
		b.setState(Open)
		b.lastTripped = b.nowFunc()
	}
}

// ForceOpen trips the breaker regardless of the failure count. Used by the
// rollback manager to isolate all providers at once.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		b.setState(Open)
	}
	b.lastTripped = b.nowFunc()
}

// Reset returns the breaker to Closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state != Closed {
		b.setState(Closed)
	}
}

// CurrentState returns the current breaker state. Note: in Open state this
// does NOT check the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one breaker, exposed by health and
// admin queries.
type Snapshot struct {
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	OpenUntil    time.Time `json:"open_until,omitempty"`
	FailureLimit int       `json:"failure_limit"`
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:        b.state.String(),
		Failures:     b.failureCount,
		LastFailure:  b.lastFailure,
		FailureLimit: b.failureThreshold,
	}
	if b.state == Open {
		s.OpenUntil = b.lastTripped.Add(b.cooldown)
	}
	return s
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
