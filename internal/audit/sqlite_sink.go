package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors audit lines into a SQLite table so events survive
// process restarts and can be pruned by retention.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens or creates the audit mirror database at dsn.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time; audit writes are serial
	// anyway, so keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteSink{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			line TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(timestamp_ms)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("audit migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, line []byte) error {
	// Pull the index columns out of the canonical line.
	var head struct {
		EventID   string `json:"event_id"`
		RequestID string `json:"request_id"`
		EventType string `json:"event_type"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return fmt.Errorf("index audit line: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_events (event_id, request_id, event_type, timestamp_ms, line) VALUES (?, ?, ?, ?, ?)`,
		head.EventID, head.RequestID, head.EventType, head.Timestamp, string(line))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Prune deletes mirrored events older than the cutoff.
func (s *SQLiteSink) Prune(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp_ms < ?`, before.UnixMilli())
	if err != nil {
		return fmt.Errorf("prune audit events: %w", err)
	}
	return nil
}

// Load reads mirrored events back, oldest first, optionally filtered by
// request id. Used to rebuild verification sets after a restart.
func (s *SQLiteSink) Load(ctx context.Context, requestID string, limit int) ([]*Event, error) {
	query := `SELECT line FROM audit_events`
	args := []any{}
	if requestID != "" {
		query += ` WHERE request_id = ?`
		args = append(args, requestID)
	}
	query += ` ORDER BY timestamp_ms ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e, err := ParseEvent([]byte(line))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
