package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/snapshot"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewManager(snapshot.NewMemory())

	plaintext, rec, err := m.Generate(context.Background(), Spec{Name: "ci", Scopes: []string{ScopeExecute}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, keyPrefix) {
		t.Errorf("plaintext = %q, want %q prefix", plaintext, keyPrefix)
	}
	if strings.Contains(rec.KeyHash, plaintext) {
		t.Error("plaintext leaked into stored hash")
	}

	got, err := m.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != rec.ID || got.Name != "ci" {
		t.Errorf("validated record = %+v", got)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not stamped")
	}
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	m := NewManager(snapshot.NewMemory())
	if _, _, err := m.Generate(context.Background(), Spec{Name: "ci"}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Validate(context.Background(), keyPrefix+strings.Repeat("00", keyRandBytes)); err == nil {
		t.Error("unknown key validated")
	}
	if _, err := m.Validate(context.Background(), "sk-wrong-prefix"); err == nil {
		t.Error("foreign key format validated")
	}
}

func TestValidateRejectsExpiredKey(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(snapshot.NewMemory(), WithClock(clk))

	exp := clk.Now().Add(time.Hour)
	plaintext, _, err := m.Generate(context.Background(), Spec{Name: "short-lived", ExpiresAt: &exp})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(context.Background(), plaintext); err != nil {
		t.Fatalf("validate before expiry: %v", err)
	}

	// The verify cache TTL is shorter than this advance, so the cached entry
	// lapses together with the key.
	clk.Advance(2 * time.Hour)
	if _, err := m.Validate(context.Background(), plaintext); err == nil {
		t.Error("expired key validated")
	}
}

func TestRotateInvalidatesOldKey(t *testing.T) {
	m := NewManager(snapshot.NewMemory())
	oldKey, rec, err := m.Generate(context.Background(), Spec{Name: "rotating"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(context.Background(), oldKey); err != nil {
		t.Fatal(err)
	}

	newKey, err := m.Rotate(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation returned the old key")
	}
	if _, err := m.Validate(context.Background(), oldKey); err == nil {
		t.Error("old key still validates after rotation")
	}
	got, err := m.Validate(context.Background(), newKey)
	if err != nil {
		t.Fatalf("validate rotated key: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("rotated record id = %s, want %s", got.ID, rec.ID)
	}
}

func TestRevokeDisablesKey(t *testing.T) {
	m := NewManager(snapshot.NewMemory())
	plaintext, rec, err := m.Generate(context.Background(), Spec{Name: "doomed"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(context.Background(), plaintext); err != nil {
		t.Fatal(err)
	}

	if err := m.Revoke(context.Background(), rec.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.Validate(context.Background(), plaintext); err == nil {
		t.Error("revoked key still validates")
	}
}

func TestScopes(t *testing.T) {
	unrestricted := &Record{}
	if !unrestricted.HasScope(ScopeAdmin) || !unrestricted.HasScope(ScopeExecute) {
		t.Error("empty scopes should grant everything")
	}

	executeOnly := &Record{Scopes: []string{ScopeExecute}}
	if !executeOnly.HasScope(ScopeExecute) {
		t.Error("execute scope denied")
	}
	if executeOnly.HasScope(ScopeAdmin) {
		t.Error("admin scope granted to execute-only key")
	}
}

func TestRecordsSurviveManagerRestart(t *testing.T) {
	store := snapshot.NewMemory()
	m1 := NewManager(store)
	plaintext, _, err := m1.Generate(context.Background(), Spec{Name: "persistent"})
	if err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(store)
	got, err := m2.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("validate after restart: %v", err)
	}
	if got.Name != "persistent" {
		t.Errorf("record = %+v", got)
	}
}
