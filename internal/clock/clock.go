// Package clock abstracts time reads so tests can advance time
// deterministically. Components take a Clock; loops that genuinely sleep use
// short real intervals in tests instead.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Manual is a settable clock for tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual returns a Manual clock fixed at start.
func NewManual(start time.Time) *Manual {
	return &Manual{t: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
}
