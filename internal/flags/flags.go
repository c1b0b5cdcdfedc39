// Package flags holds the runtime feature switches consumed by every
// component. Flags are a flat map of string keys to boolean or scalar values;
// unknown keys are carried as-is so configs stay forward compatible.
package flags

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jordanhubbard/modelplane/internal/events"
)

// ExperimentalPrefix marks flags that an emergency rollback force-disables.
const ExperimentalPrefix = "experimental_"

// Store is a concurrent feature-flag map. Reads take a shared lock; admin
// writes take the writer lock.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	bus    *events.Bus
}

// Option configures a Store.
type Option func(*Store)

// WithEventBus publishes a flag_change event on every write.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// New creates a Store seeded with the given values. The seed map is copied.
func New(seed map[string]any, opts ...Option) *Store {
	s := &Store{values: make(map[string]any, len(seed))}
	for k, v := range seed {
		s.values[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bool returns the flag as a boolean; unset or non-boolean values read false.
func (s *Store) Bool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key].(bool)
	return ok && v
}

// Float returns the flag as a float64, or def when unset or not numeric.
func (s *Store) Float(key string, def float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch v := s.values[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// String returns the flag as a string, or def when unset.
func (s *Store) String(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return def
}

// Set stores a flag value and publishes the change.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.publishChange(key, value)
}

// Delete removes a flag.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	s.publishChange(key, nil)
}

// DisableExperimental sets every experimental_-prefixed boolean flag to false
// and returns the keys that changed, sorted. Used by emergency rollback.
func (s *Store) DisableExperimental() []string {
	s.mu.Lock()
	var changed []string
	for k, v := range s.values {
		if !strings.HasPrefix(k, ExperimentalPrefix) {
			continue
		}
		if b, ok := v.(bool); ok && b {
			s.values[k] = false
			changed = append(changed, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(changed)
	for _, k := range changed {
		s.publishChange(k, false)
	}
	return changed
}

// Snapshot returns a copy of the full flag map.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Restore replaces the flag map with the given snapshot.
func (s *Store) Restore(snap map[string]any) {
	s.mu.Lock()
	s.values = make(map[string]any, len(snap))
	for k, v := range snap {
		s.values[k] = v
	}
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.EventFlagChange, FlagKey: "*", FlagValue: "restored"})
	}
}

// Keys returns all flag keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) publishChange(key string, value any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      events.EventFlagChange,
		FlagKey:   key,
		FlagValue: fmt.Sprintf("%v", value),
	})
}
