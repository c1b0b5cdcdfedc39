package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// keyPrefix namespaces cache keys in shared stores.
const keyPrefix = "mpc:"

// keyContext is the routing-relevant subset of the request context that
// participates in the cache key. Field order is fixed; encoding/json emits
// struct fields in declaration order, which makes the serialization
// canonical.
type keyContext struct {
	Prompt       string           `json:"prompt"`
	Domain       route.Domain     `json:"domain"`
	Locale       string           `json:"locale"`
	RequireTools bool             `json:"require_tools"`
	BudgetTier   route.BudgetTier `json:"budget_tier"`
	Tools        []route.Tool     `json:"tools,omitempty"`
}

// Key derives the cache key for a request: a prefixed hex SHA-256 over the
// canonical serialization of the prompt, the routing context subset, and the
// tool descriptors in order. Two structurally equal requests always produce
// the same key.
func Key(req route.Request, maxLen int) string {
	kc := keyContext{
		Prompt:       req.Prompt,
		Domain:       req.Context.Domain,
		Locale:       req.Context.Locale,
		RequireTools: req.Context.RequireTools,
		BudgetTier:   req.Context.BudgetTier,
		Tools:        req.Tools,
	}
	b, _ := json.Marshal(kc)
	sum := sha256.Sum256(b)
	key := keyPrefix + hex.EncodeToString(sum[:])
	if maxLen > 0 && len(key) > maxLen {
		key = key[:maxLen]
	}
	return key
}

var (
	punctRe   = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	spacesRe  = regexp.MustCompile(`\s+`)
	maxPrompt = 500
)

// NormalizePrompt is the pattern key for the optimizer: lowercase, whitespace
// collapsed, punctuation stripped, capped at 500 characters.
func NormalizePrompt(prompt string) string {
	s := strings.ToLower(prompt)
	s = punctRe.ReplaceAllString(s, "")
	s = spacesRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxPrompt {
		s = s[:maxPrompt]
	}
	return s
}
