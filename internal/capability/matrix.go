// Package capability holds the (provider, model) capability matrix the
// router selects from. The matrix is readable concurrently; admin updates
// take the writer lock and take effect for subsequent requests.
package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jordanhubbard/modelplane/internal/route"
)

type key struct {
	provider route.Provider
	modelID  string
}

// Matrix maps (provider, modelId) to a capability entry.
type Matrix struct {
	mu   sync.RWMutex
	caps map[key]route.Capability
}

// NewMatrix returns an empty matrix.
func NewMatrix() *Matrix {
	return &Matrix{caps: make(map[key]route.Capability)}
}

// validate enforces the matrix invariant: strictly positive token limits and
// non-negative costs.
func validate(c route.Capability) error {
	if c.Provider == "" || c.ModelID == "" {
		return fmt.Errorf("capability missing provider or model id")
	}
	if c.ContextTokens <= 0 {
		return fmt.Errorf("model %s/%s: context tokens must be positive, got %d", c.Provider, c.ModelID, c.ContextTokens)
	}
	if c.CostPer1kInput < 0 || c.CostPer1kOutput < 0 {
		return fmt.Errorf("model %s/%s: costs must be non-negative", c.Provider, c.ModelID)
	}
	if c.DefaultLatencyMs < 0 {
		return fmt.Errorf("model %s/%s: default latency must be non-negative", c.Provider, c.ModelID)
	}
	return nil
}

// Register adds or replaces a full capability entry.
func (m *Matrix) Register(c route.Capability) error {
	if err := validate(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps[key{c.Provider, c.ModelID}] = c
	return nil
}

// Partial is an admin update; nil fields are left unchanged.
type Partial struct {
	ContextTokens    *int     `json:"context_tokens,omitempty"`
	SupportsTools    *bool    `json:"supports_tools,omitempty"`
	SupportsJSON     *bool    `json:"supports_json,omitempty"`
	SupportsVision   *bool    `json:"supports_vision,omitempty"`
	DefaultLatencyMs *int64   `json:"default_latency_ms,omitempty"`
	CostPer1kInput   *float64 `json:"cost_per_1k_input,omitempty"`
	CostPer1kOutput  *float64 `json:"cost_per_1k_output,omitempty"`
}

// Update applies a partial update to an existing entry. The updated entry is
// validated before it replaces the old one, so a bad update cannot corrupt
// the matrix.
func (m *Matrix) Update(provider route.Provider, modelID string, p Partial) (route.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{provider, modelID}
	c, ok := m.caps[k]
	if !ok {
		return route.Capability{}, fmt.Errorf("model %s/%s not registered", provider, modelID)
	}
	if p.ContextTokens != nil {
		c.ContextTokens = *p.ContextTokens
	}
	if p.SupportsTools != nil {
		c.SupportsTools = *p.SupportsTools
	}
	if p.SupportsJSON != nil {
		c.SupportsJSON = *p.SupportsJSON
	}
	if p.SupportsVision != nil {
		c.SupportsVision = *p.SupportsVision
	}
	if p.DefaultLatencyMs != nil {
		c.DefaultLatencyMs = *p.DefaultLatencyMs
	}
	if p.CostPer1kInput != nil {
		c.CostPer1kInput = *p.CostPer1kInput
	}
	if p.CostPer1kOutput != nil {
		c.CostPer1kOutput = *p.CostPer1kOutput
	}
	if err := validate(c); err != nil {
		return route.Capability{}, err
	}
	m.caps[k] = c
	return c, nil
}

// Get returns one entry.
func (m *Matrix) Get(provider route.Provider, modelID string) (route.Capability, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caps[key{provider, modelID}]
	return c, ok
}

// All returns every entry, ordered by provider then model id.
func (m *Matrix) All() []route.Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]route.Capability, 0, len(m.caps))
	for _, c := range m.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// ForProvider returns the entries for one provider, ordered by model id.
func (m *Matrix) ForProvider(p route.Provider) []route.Capability {
	var out []route.Capability
	for _, c := range m.All() {
		if c.Provider == p {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of entries.
func (m *Matrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.caps)
}

// Defaults returns the built-in capability matrix: three provider families,
// two models each, spanning the cost and latency range the router's tertile
// filters need.
func Defaults() []route.Capability {
	return []route.Capability{
		{Provider: route.ProviderAWS, ModelID: "titan-text-premier", ContextTokens: 32000, SupportsTools: true, SupportsJSON: true, DefaultLatencyMs: 1400, CostPer1kInput: 0.0005, CostPer1kOutput: 0.0015},
		{Provider: route.ProviderAWS, ModelID: "titan-text-express", ContextTokens: 8000, SupportsJSON: true, DefaultLatencyMs: 650, CostPer1kInput: 0.0002, CostPer1kOutput: 0.0006},
		{Provider: route.ProviderGoogle, ModelID: "gemini-pro", ContextTokens: 128000, SupportsTools: true, SupportsJSON: true, SupportsVision: true, DefaultLatencyMs: 1800, CostPer1kInput: 0.00125, CostPer1kOutput: 0.005},
		{Provider: route.ProviderGoogle, ModelID: "gemini-flash", ContextTokens: 128000, SupportsTools: true, SupportsJSON: true, DefaultLatencyMs: 500, CostPer1kInput: 0.000075, CostPer1kOutput: 0.0003},
		{Provider: route.ProviderMeta, ModelID: "llama-3-70b", ContextTokens: 8192, SupportsTools: true, SupportsJSON: true, DefaultLatencyMs: 1100, CostPer1kInput: 0.00265, CostPer1kOutput: 0.0035},
		{Provider: route.ProviderMeta, ModelID: "llama-3-8b", ContextTokens: 8192, SupportsJSON: true, DefaultLatencyMs: 400, CostPer1kInput: 0.0003, CostPer1kOutput: 0.0006},
	}
}
