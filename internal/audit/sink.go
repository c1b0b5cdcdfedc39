package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Sink receives one canonical JSON line per event.
type Sink interface {
	Write(ctx context.Context, line []byte) error
}

// Pruner is implemented by sinks that support retention pruning.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) error
}

// WriterSink emits line-delimited JSON to an io.Writer, stdout by default.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w; nil means os.Stdout.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	return nil
}

// FileSink appends audit lines to a file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (or creates) the audit log file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit line: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// MultiSink fans out to several sinks; the first error wins but all sinks are
// attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Write(ctx context.Context, line []byte) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Write(ctx, line); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Prune(ctx context.Context, before time.Time) error {
	var first error
	for _, s := range m.sinks {
		if p, ok := s.(Pruner); ok {
			if err := p.Prune(ctx, before); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
