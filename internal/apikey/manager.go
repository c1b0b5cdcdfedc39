// Package apikey issues and validates the bearer keys that guard the HTTP
// surface. Only bcrypt hashes are persisted; the plaintext key is returned
// exactly once at generation or rotation.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/snapshot"
)

const (
	keyPrefix    = "modelplane_"
	keyRandBytes = 32 // 64 hex chars
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
	storePrefix  = "apikey/"
)

// Scopes understood by the HTTP surface. A record with no scopes is allowed
// everywhere.
const (
	ScopeExecute = "execute"
	ScopeAdmin   = "admin"
)

// Record is the stored form of one API key. KeyHash is a bcrypt hash of the
// SHA-256 of the plaintext; the plaintext itself is never persisted.
type Record struct {
	ID                string     `json:"id"`
	KeyHash           string     `json:"key_hash"`
	KeyPrefix         string     `json:"key_prefix"`
	Name              string     `json:"name"`
	Scopes            []string   `json:"scopes,omitempty"`
	Tenant            string     `json:"tenant,omitempty"`
	MonthlyBudgetEuro float64    `json:"monthly_budget_euro,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	Enabled           bool       `json:"enabled"`
}

// HasScope reports whether the record grants the given scope. Empty scopes
// grant everything.
func (r *Record) HasScope(scope string) bool {
	if len(r.Scopes) == 0 {
		return true
	}
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's
// 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

type cachedKey struct {
	record    *Record
	expiresAt time.Time
}

// Manager handles API key generation, validation, rotation, and revocation,
// persisting records through a snapshot store.
type Manager struct {
	store snapshot.Store
	clk   clock.Clock

	mu    sync.RWMutex
	cache map[string]cachedKey // plaintext key -> cached record
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clk = c
		}
	}
}

// NewManager creates an API key manager backed by the given store.
func NewManager(s snapshot.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: s,
		clk:   clock.Real(),
		cache: make(map[string]cachedKey),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Spec describes the key to generate.
type Spec struct {
	Name              string
	Scopes            []string
	Tenant            string
	MonthlyBudgetEuro float64
	ExpiresAt         *time.Time
}

// Generate creates a new API key, stores its bcrypt hash, and returns the
// plaintext key exactly once.
func (m *Manager) Generate(ctx context.Context, spec Spec) (string, *Record, error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	rec := Record{
		ID:                hex.EncodeToString(raw[:8]),
		KeyHash:           string(hash),
		KeyPrefix:         plaintext[:len(keyPrefix)+8],
		Name:              spec.Name,
		Scopes:            spec.Scopes,
		Tenant:            spec.Tenant,
		MonthlyBudgetEuro: spec.MonthlyBudgetEuro,
		CreatedAt:         m.clk.Now().UTC(),
		ExpiresAt:         spec.ExpiresAt,
		Enabled:           true,
	}
	if err := m.putRecord(ctx, &rec); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, &rec, nil
}

// Validate checks a plaintext API key and returns the associated record. A
// short TTL cache avoids running bcrypt on every request.
func (m *Manager) Validate(ctx context.Context, keyString string) (*Record, error) {
	if !strings.HasPrefix(keyString, keyPrefix) {
		return nil, errors.New("invalid api key format")
	}

	m.mu.RLock()
	if cached, ok := m.cache[keyString]; ok && m.clk.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		return cached.record, nil
	}
	m.mu.RUnlock()

	records, err := m.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	for i := range records {
		rec := &records[i]
		if !rec.Enabled {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), hashForBcrypt(keyString)); err != nil {
			continue
		}
		if rec.ExpiresAt != nil && m.clk.Now().After(*rec.ExpiresAt) {
			return nil, errors.New("api key expired")
		}

		now := m.clk.Now().UTC()
		rec.LastUsedAt = &now
		// Best effort; a failed last-used update must not fail the request.
		_ = m.putRecord(ctx, rec)

		m.mu.Lock()
		m.cache[keyString] = cachedKey{record: rec, expiresAt: m.clk.Now().Add(cacheTTL)}
		m.mu.Unlock()
		return rec, nil
	}
	return nil, errors.New("invalid api key")
}

// Rotate replaces the hash of an existing record with a fresh key and returns
// the new plaintext exactly once. The old key stops validating immediately.
func (m *Manager) Rotate(ctx context.Context, id string) (string, error) {
	rec, err := m.getRecord(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", errors.New("api key not found")
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	rec.KeyHash = string(hash)
	rec.KeyPrefix = plaintext[:len(keyPrefix)+8]
	if err := m.putRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("update key: %w", err)
	}
	m.invalidate(id)
	return plaintext, nil
}

// Revoke disables a key. Revocation takes effect immediately for new
// validations; cached entries for the key are dropped.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	rec, err := m.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("api key not found")
	}
	rec.Enabled = false
	if err := m.putRecord(ctx, rec); err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	m.invalidate(id)
	return nil
}

// List returns all stored key records, hashes included.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	keys, err := m.store.Keys(ctx, storePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		payload, err := m.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode key record %s: %w", k, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) getRecord(ctx context.Context, id string) (*Record, error) {
	payload, err := m.store.Get(ctx, storePrefix+id)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode key record %s: %w", id, err)
	}
	return &rec, nil
}

func (m *Manager) putRecord(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, storePrefix+rec.ID, payload)
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
}
