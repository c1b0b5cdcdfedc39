// Package cache implements the semantic response cache and its hit-rate
// optimizer. Entries are keyed by a canonical hash of the prompt and routing
// context, expire on an absolute (optionally access-refreshed) TTL, and may
// be gzip-compressed and mirrored to Redis.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// opTimeout bounds one mirror operation; cache trouble must never stall the
// request path.
const opTimeout = 100 * time.Millisecond

// Config enumerates the recognized cache options.
type Config struct {
	Enabled              bool
	TTLSeconds           int
	MaxKeyLength         int
	CompressionThreshold int
	HitRateTarget        float64
	MaxCacheSize         int

	// SlidingRefresh restarts an entry's TTL on every hit, so frequently
	// asked prompts stay cached. Off by default: expiry is absolute.
	SlidingRefresh bool
}

// DefaultConfig returns the production cache defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		TTLSeconds:           3600,
		MaxKeyLength:         128,
		CompressionThreshold: 1024,
		HitRateTarget:        0.8,
		MaxCacheSize:         10000,
	}
}

// entry is one stored response. The payload is the JSON-encoded response,
// gzip-compressed past the threshold.
type entry struct {
	payload     []byte
	compressed  bool
	insertedAt  time.Time
	ttl         time.Duration
	accessCount int64
	domain      route.Domain
	normPrompt  string
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Mirror is an optional write-through backing store, last-writer-wins.
type Mirror interface {
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Cache is the concurrent-safe semantic cache.
type Cache struct {
	cfg    Config
	clk    clock.Clock
	log    *slog.Logger
	mirror Mirror

	mu      sync.Mutex
	entries map[string]*entry
	hits    uint64
	misses  uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the cache's time source.
func WithClock(c clock.Clock) Option {
	return func(ca *Cache) {
		if c != nil {
			ca.clk = c
		}
	}
}

// WithMirror attaches a write-through backing store. Mirror failures are
// logged as cache_unavailable and otherwise ignored.
func WithMirror(m Mirror) Option {
	return func(ca *Cache) { ca.mirror = m }
}

// WithLogger sets the logger for mirror failures.
func WithLogger(l *slog.Logger) Option {
	return func(ca *Cache) {
		if l != nil {
			ca.log = l
		}
	}
}

// New creates a Cache.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = def.TTLSeconds
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = def.MaxCacheSize
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.HitRateTarget <= 0 || cfg.HitRateTarget > 1 {
		cfg.HitRateTarget = def.HitRateTarget
	}
	c := &Cache{
		cfg:     cfg,
		clk:     clock.Real(),
		log:     slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTLFor computes the per-entry TTL from the base TTL, the response cost, and
// the request domain. Costly answers live longer; support answers churn fast.
func (c *Cache) TTLFor(domain route.Domain, costEuro float64) time.Duration {
	ttl := time.Duration(c.cfg.TTLSeconds) * time.Second
	if costEuro > 0.01 {
		ttl *= 2
	}
	switch domain {
	case route.DomainSupport:
		ttl /= 2
	case route.DomainGeneral:
		ttl = ttl * 3 / 2
	}
	return ttl
}

// Get returns the cached response for a request, with Cached set, iff a live
// entry exists. Expired entries are deleted lazily. Expiry is absolute unless
// SlidingRefresh is set, in which case a hit restarts the entry's TTL.
func (c *Cache) Get(ctx context.Context, req route.Request) (route.Response, bool) {
	if !c.cfg.Enabled {
		return route.Response{}, false
	}
	key := Key(req, c.cfg.MaxKeyLength)
	now := c.clk.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		delete(c.entries, key)
		ok = false
		if c.mirror != nil {
			go c.mirrorDelete(key)
		}
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		return route.Response{}, false
	}
	e.accessCount++
	c.hits++
	if c.cfg.SlidingRefresh {
		e.insertedAt = now
	}
	payload, compressed := e.payload, e.compressed
	c.mu.Unlock()

	resp, err := decodeEntry(payload, compressed)
	if err != nil {
		c.log.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return route.Response{}, false
	}
	resp.Cached = true
	return resp, true
}

// Set stores a successful response. Errored responses are never cached.
func (c *Cache) Set(ctx context.Context, req route.Request, resp route.Response) error {
	if !c.cfg.Enabled || !resp.Success {
		return nil
	}
	// A cached copy of a cached copy would double-count hits.
	resp.Cached = false

	payload, err := json.Marshal(resp)
	if err != nil {
		return route.WrapError(route.ErrCacheUnavailable, err, "encode response")
	}
	compressed := false
	if len(resp.Text) >= c.cfg.CompressionThreshold {
		payload, err = gzipBytes(payload)
		if err != nil {
			return route.WrapError(route.ErrCacheUnavailable, err, "compress response")
		}
		compressed = true
	}

	key := Key(req, c.cfg.MaxKeyLength)
	ttl := c.TTLFor(req.Context.Domain, resp.CostEuro)
	e := &entry{
		payload:    payload,
		compressed: compressed,
		insertedAt: c.clk.Now(),
		ttl:        ttl,
		domain:     req.Context.Domain,
		normPrompt: NormalizePrompt(req.Prompt),
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxCacheSize {
		c.evictOldestLocked()
	}
	c.entries[key] = e
	c.mu.Unlock()

	if c.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
		defer cancel()
		if err := c.mirror.Put(mctx, key, payload, ttl); err != nil {
			c.log.Warn("cache mirror put failed", "key", key, "error", err)
		}
	}
	return nil
}

// Age returns how old the live entry for req is; ok is false when absent or
// expired. The optimizer uses this to schedule refreshes.
func (c *Cache) Age(req route.Request) (age, ttl time.Duration, ok bool) {
	key := Key(req, c.cfg.MaxKeyLength)
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || e.expired(now) {
		return 0, 0, false
	}
	return now.Sub(e.insertedAt), e.ttl, true
}

// Contains reports whether a live entry exists without counting a hit or
// touching access counters.
func (c *Cache) Contains(req route.Request) bool {
	_, _, ok := c.Age(req)
	return ok
}

// NearMatch looks for a semantically close live entry: same domain, and the
// normalized prompt either shares a prefix with or sits within levenshtein
// similarity of the entry's normalized prompt. Used by the fallback engine's
// cached_response degradation.
func (c *Cache) NearMatch(domain route.Domain, prompt string, minSimilarity float64) (route.Response, bool) {
	norm := NormalizePrompt(prompt)
	if norm == "" {
		return route.Response{}, false
	}
	prefix := norm
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	now := c.clk.Now()

	c.mu.Lock()
	var best *entry
	bestSim := minSimilarity
	for _, e := range c.entries {
		if e.domain != domain || e.expired(now) {
			continue
		}
		if strings.HasPrefix(e.normPrompt, prefix) || strings.HasPrefix(norm, prefixOf(e.normPrompt, 32)) {
			best = e
			bestSim = 1
			break
		}
		if sim := promptSimilarity(norm, e.normPrompt); sim >= bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil {
		c.mu.Unlock()
		return route.Response{}, false
	}
	payload, compressed := best.payload, best.compressed
	c.mu.Unlock()

	resp, err := decodeEntry(payload, compressed)
	if err != nil {
		return route.Response{}, false
	}
	resp.Cached = true
	return resp, true
}

// Stats reports cache counters.
func (c *Cache) Stats() (size int, hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.hits, c.misses
}

// HitRate returns the global hit rate; 0 before any lookups.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Purge drops every entry. Admin operation.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey, oldestTime = k, e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) mirrorDelete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.mirror.Delete(ctx, key); err != nil {
		c.log.Warn("cache mirror delete failed", "key", key, "error", err)
	}
}

func prefixOf(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func promptSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(payload []byte, compressed bool) (route.Response, error) {
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return route.Response{}, err
		}
		payload, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return route.Response{}, err
		}
	}
	var resp route.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return route.Response{}, err
	}
	return resp, nil
}
