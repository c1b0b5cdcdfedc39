// Package history persists routing metrics over time in an embedded SQLite
// store, so operators can chart error rates, latency, and spend per provider
// beyond the monitor's in-memory window.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/modelplane/internal/monitor"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// Metric names recorded by the sampler.
const (
	MetricErrorRate      = "error_rate"
	MetricP95Latency     = "p95_latency_ms"
	MetricThroughput     = "throughput_rps"
	MetricCostPerRequest = "cost_per_request_euro"
	MetricRequestCount   = "request_count"
)

// Sample is one recorded measurement. An empty Provider means a fleet-wide
// aggregate; a non-empty Provider scopes the value to that provider.
type Sample struct {
	At       time.Time      `json:"at"`
	Metric   string         `json:"metric"`
	Provider route.Provider `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Value    float64        `json:"value"`
}

// Series is a metric's data points for one provider/model combination.
type Series struct {
	Metric   string         `json:"metric"`
	Provider route.Provider `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Points   []Point        `json:"points"`
}

// Point is a timestamp+value pair.
type Point struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// Query selects which samples to return. Zero times mean unbounded; a
// StepMs > 0 downsamples into fixed buckets, averaging values per bucket.
type Query struct {
	Metric   string
	Provider route.Provider
	Model    string
	Since    time.Time
	Until    time.Time
	StepMs   int64
}

// Store is the SQLite-backed metrics history.
type Store struct {
	db      *sql.DB
	ownedDB bool

	mu        sync.Mutex
	buf       []Sample
	bufMax    int
	retention time.Duration
}

// Open creates a history store at the given SQLite DSN. The returned store
// owns the connection and closes it on Close. Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and writes
	// serialize through the buffer mutex anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history sqlite pragmas: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownedDB = true
	return s, nil
}

// New creates a history store on an existing SQLite handle. The caller keeps
// ownership of the connection.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:        db,
		bufMax:    64,
		retention: 7 * 24 * time.Hour,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention adjusts how far back Prune keeps samples.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metric_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_ts ON metric_samples(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_metric ON metric_samples(metric, ts)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}

// Record buffers samples for batched insertion. The buffer is flushed once it
// reaches capacity, on Query, and on Close.
func (s *Store) Record(samples ...Sample) {
	now := time.Now().UTC()
	s.mu.Lock()
	for _, sm := range samples {
		if sm.At.IsZero() {
			sm.At = now
		}
		s.buf = append(s.buf, sm)
	}
	if len(s.buf) < s.bufMax {
		s.mu.Unlock()
		return
	}
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	s.insert(buf)
}

// Flush writes all buffered samples to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) > 0 {
		s.insert(buf)
	}
}

func (s *Store) insert(samples []Sample) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO metric_samples (ts, metric, provider, model, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, sm := range samples {
		_, _ = stmt.Exec(sm.At.UnixMilli(), sm.Metric, string(sm.Provider), sm.Model, sm.Value)
	}
	_ = tx.Commit()
}

// Select returns the series matching q, grouped by provider and model.
func (s *Store) Select(ctx context.Context, q Query) ([]Series, error) {
	s.Flush()

	where := "WHERE metric = ?"
	args := []any{q.Metric}
	if q.Provider != "" {
		where += " AND provider = ?"
		args = append(args, string(q.Provider))
	}
	if q.Model != "" {
		where += " AND model = ?"
		args = append(args, q.Model)
	}
	if !q.Since.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where += " AND ts <= ?"
		args = append(args, q.Until.UnixMilli())
	}

	var query string
	if q.StepMs > 0 {
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, provider, model, AVG(value)
			 FROM metric_samples %s
			 GROUP BY bucket, provider, model
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, provider, model, value
			 FROM metric_samples %s
			 ORDER BY ts ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type key struct{ provider, model string }
	grouped := make(map[key][]Point)
	var order []key

	for rows.Next() {
		var tsMs int64
		var provider, model string
		var value float64
		if err := rows.Scan(&tsMs, &provider, &model, &value); err != nil {
			return nil, err
		}
		k := key{provider, model}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], Point{T: time.UnixMilli(tsMs), Value: value})
	}

	var out []Series
	for _, k := range order {
		out = append(out, Series{
			Metric:   q.Metric,
			Provider: route.Provider(k.provider),
			Model:    k.model,
			Points:   grouped[k],
		})
	}
	return out, rows.Err()
}

// Prune deletes samples older than the retention period and reports how many
// rows were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush()
	s.mu.Lock()
	retention := s.retention
	s.mu.Unlock()
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Metrics lists the distinct metric names present in the store.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM metric_samples ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		names = append(names, m)
	}
	return names, rows.Err()
}

// Close flushes pending samples and, when the store opened its own
// connection, closes it.
func (s *Store) Close() error {
	s.Flush()
	if s.ownedDB {
		return s.db.Close()
	}
	return nil
}

// FromSnapshot converts a monitor snapshot into samples at time ts. Pass an
// empty provider for the fleet-wide aggregate.
func FromSnapshot(ts time.Time, provider route.Provider, m monitor.Metrics) []Sample {
	return []Sample{
		{At: ts, Metric: MetricErrorRate, Provider: provider, Value: m.ErrorRate},
		{At: ts, Metric: MetricP95Latency, Provider: provider, Value: m.P95Latency},
		{At: ts, Metric: MetricThroughput, Provider: provider, Value: m.ThroughputRPS},
		{At: ts, Metric: MetricCostPerRequest, Provider: provider, Value: m.CostPerRequest},
		{At: ts, Metric: MetricRequestCount, Provider: provider, Value: float64(m.RequestCount)},
	}
}
