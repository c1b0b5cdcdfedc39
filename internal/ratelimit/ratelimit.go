// Package ratelimit enforces per-client request budgets on the HTTP surface.
// A client is the API key credential when the request carries one, otherwise
// the originating IP, so a tenant burning through its budget never starves
// anonymous health checks or other tenants.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jordanhubbard/modelplane/internal/clock"
)

// KeyFunc derives the budget key for a request.
type KeyFunc func(*http.Request) string

// ClientKey is the default KeyFunc. Authenticated requests are keyed by a
// digest of their Bearer credential, so each API key gets one budget wherever
// its calls originate and raw secrets never sit in the bucket map. Everything
// else is keyed by client IP.
func ClientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		sum := sha256.Sum256([]byte(strings.TrimPrefix(auth, "Bearer ")))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// budget is one client's token bucket. Tokens refill continuously at the
// limiter's rate, capped at burst.
type budget struct {
	tokens  float64
	touched time.Time
}

// Limiter hands out request tokens per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*budget

	refill     float64 // tokens per second
	burst      float64
	maxClients int
	keyFn      KeyFunc
	clk        clock.Clock
	counter    prometheus.Counter // optional: incremented on each 429
	stop       chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithKeyFunc overrides how clients are identified.
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFn = fn
		}
	}
}

// WithMaxClients caps the bucket map; the stalest client is evicted when a
// new one arrives at capacity.
func WithMaxClients(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxClients = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clk = c
		}
	}
}

// New creates a limiter allowing rps sustained requests per second per client
// with the given burst capacity.
func New(rps, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		clients:    make(map[string]*budget),
		refill:     float64(rps),
		burst:      float64(burst),
		maxClients: 100000,
		keyFn:      ClientKey,
		clk:        clock.Real(),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweep()
	return l
}

// Middleware rejects requests whose client budget is exhausted with a 429 and
// a JSON error body matching the rest of the API.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.keyFn(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow spends one token from the client's budget, reporting whether one was
// available.
func (l *Limiter) Allow(key string) bool {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evictStalestLocked()
		}
		b = &budget{tokens: l.burst, touched: now}
		l.clients[key] = b
	}

	b.tokens = min(l.burst, b.tokens+now.Sub(b.touched).Seconds()*l.refill)
	b.touched = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evictStalestLocked drops the client idle the longest. Caller holds l.mu.
func (l *Limiter) evictStalestLocked() {
	var stalest string
	var stalestTime time.Time
	first := true
	for k, b := range l.clients {
		if first || b.touched.Before(stalestTime) {
			stalest, stalestTime = k, b.touched
			first = false
		}
	}
	if !first {
		delete(l.clients, stalest)
	}
}

// Stop terminates the background sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// sweep periodically drops budgets that have been idle long enough to be
// fully refilled anyway.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := l.clk.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for k, b := range l.clients {
				if b.touched.Before(cutoff) {
					delete(l.clients, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
