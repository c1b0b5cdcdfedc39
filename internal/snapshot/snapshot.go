// Package snapshot is a small key-to-bytes store used to persist
// configuration snapshots and other crash-recovery state. All backends are
// write-through with last-writer-wins; a missing key reads as (nil, nil).
package snapshot

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store persists opaque byte payloads by key.
type Store interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Memory is the in-process Store. It is the default when no external
// persistence is configured.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.mu.Lock()
	m.entries[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
