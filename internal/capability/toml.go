package capability

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// fileConfig is the on-disk matrix format. Unknown keys are ignored by the
// decoder, keeping old binaries compatible with newer files.
type fileConfig struct {
	Models []modelEntry   `toml:"models"`
	Flags  map[string]any `toml:"flags"`
}

type modelEntry struct {
	Provider         string  `toml:"provider"`
	ModelID          string  `toml:"model_id"`
	ContextTokens    int     `toml:"context_tokens"`
	SupportsTools    bool    `toml:"supports_tools"`
	SupportsJSON     bool    `toml:"supports_json"`
	SupportsVision   bool    `toml:"supports_vision"`
	DefaultLatencyMs int64   `toml:"default_latency_ms"`
	CostPer1kInput   float64 `toml:"cost_per_1k_input"`
	CostPer1kOutput  float64 `toml:"cost_per_1k_output"`
}

// LoadFile reads capability entries and flag seeds from a TOML file. A
// missing file is not an error: the built-in defaults apply and the flag
// seed is empty.
func LoadFile(path string) ([]route.Capability, map[string]any, error) {
	if path == "" {
		return Defaults(), nil, nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil, nil
		}
		return nil, nil, fmt.Errorf("parsing capability file %s: %w", path, err)
	}
	if len(fc.Models) == 0 {
		return Defaults(), fc.Flags, nil
	}
	caps := make([]route.Capability, 0, len(fc.Models))
	for _, m := range fc.Models {
		c := route.Capability{
			Provider:         route.Provider(m.Provider),
			ModelID:          m.ModelID,
			ContextTokens:    m.ContextTokens,
			SupportsTools:    m.SupportsTools,
			SupportsJSON:     m.SupportsJSON,
			SupportsVision:   m.SupportsVision,
			DefaultLatencyMs: m.DefaultLatencyMs,
			CostPer1kInput:   m.CostPer1kInput,
			CostPer1kOutput:  m.CostPer1kOutput,
		}
		if err := validate(c); err != nil {
			return nil, nil, fmt.Errorf("capability file %s: %w", path, err)
		}
		caps = append(caps, c)
	}
	return caps, fc.Flags, nil
}
