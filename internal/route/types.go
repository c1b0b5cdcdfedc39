package route

// Provider identifies one of the external model families the orchestrator
// routes across. The set is closed; adapters are registered per provider.
type Provider string

const (
	ProviderAWS    Provider = "aws"
	ProviderGoogle Provider = "google"
	ProviderMeta   Provider = "meta"

	// ProviderFallback marks degraded responses produced by the fallback
	// engine itself rather than by an external invocation.
	ProviderFallback Provider = "fallback"
)

// Providers returns the routable providers in deterministic order.
// ProviderFallback is excluded; it never receives live traffic.
func Providers() []Provider {
	return []Provider{ProviderAWS, ProviderGoogle, ProviderMeta}
}

// Domain is the coarse task domain carried by a request context.
type Domain string

const (
	DomainGeneral  Domain = "general"
	DomainCulinary Domain = "culinary"
	DomainSupport  Domain = "support"
	DomainLegal    Domain = "legal"
	DomainMedical  Domain = "medical"
)

// BudgetTier expresses the caller's cost tolerance.
type BudgetTier string

const (
	BudgetLow      BudgetTier = "low"
	BudgetStandard BudgetTier = "standard"
	BudgetHigh     BudgetTier = "high"
)

// Context carries the routing-relevant attributes of a request. It is set by
// the gateway and never mutated by the orchestrator.
type Context struct {
	Domain       Domain     `json:"domain"`
	Intent       string     `json:"intent,omitempty"`
	Locale       string     `json:"locale,omitempty"`
	BudgetTier   BudgetTier `json:"budget_tier,omitempty"`
	RequireTools bool       `json:"require_tools,omitempty"`
	SLAMillis    int64      `json:"sla_ms,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Tenant       string     `json:"tenant,omitempty"`
	PII          bool       `json:"pii,omitempty"`
}

// Tool describes one tool the model may call. Order matters: the cache key
// covers the descriptor list as given.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SchemaJSON  string `json:"schema,omitempty"`
}

// Request is the immutable unit of work handed to Execute. The orchestrator
// never stores the raw prompt beyond what the cache and audit trail require.
type Request struct {
	ID      string  `json:"id,omitempty"`
	Prompt  string  `json:"prompt"`
	Context Context `json:"context"`
	Tools   []Tool  `json:"tools,omitempty"`
}

// Capability describes one (provider, model) entry in the capability matrix.
type Capability struct {
	Provider         Provider `json:"provider"`
	ModelID          string   `json:"model_id"`
	ContextTokens    int      `json:"context_tokens"`
	SupportsTools    bool     `json:"supports_tools"`
	SupportsJSON     bool     `json:"supports_json"`
	SupportsVision   bool     `json:"supports_vision"`
	DefaultLatencyMs int64    `json:"default_latency_ms"`
	CostPer1kInput   float64  `json:"cost_per_1k_input"`
	CostPer1kOutput  float64  `json:"cost_per_1k_output"`
}

// BlendedCost is the per-1k cost used for ranking, weighted toward input
// tokens which dominate prompt-heavy traffic.
func (c Capability) BlendedCost() float64 {
	return c.CostPer1kInput*0.75 + c.CostPer1kOutput*0.25
}

// Decision is the router's verdict for one request. It is consumed by the
// fallback engine and never persisted.
type Decision struct {
	Provider    Provider `json:"provider"`
	ModelID     string   `json:"model_id"`
	Temperature float64  `json:"temperature"`
	Tools       []Tool   `json:"tools,omitempty"`
	Reason      string   `json:"reason"`
}

// ToolCall is a structured tool invocation returned by a model.
type ToolCall struct {
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// Response is created exactly once per completed request.
// Invariants: LatencyMs >= 0, CostEuro >= 0, and Success is false exactly
// when ErrorKind is non-empty.
type Response struct {
	Provider   Provider   `json:"provider"`
	ModelID    string     `json:"model_id"`
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	LatencyMs  int64      `json:"latency_ms"`
	CostEuro   float64    `json:"cost_euro"`
	Success    bool       `json:"success"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
	Cached     bool       `json:"cached,omitempty"`
	TokensUsed int        `json:"tokens_used,omitempty"`
}

// Valid reports whether the response satisfies its structural invariants.
func (r Response) Valid() bool {
	if r.LatencyMs < 0 || r.CostEuro < 0 {
		return false
	}
	return r.Success == (r.ErrorKind == "")
}

// EstimateTokens estimates the token count for a request (chars/4 heuristic).
// Tool schemas count toward the estimate since they are sent to the provider.
func EstimateTokens(req Request) int {
	total := len(req.Prompt) / 4
	for _, tl := range req.Tools {
		total += (len(tl.Name) + len(tl.Description) + len(tl.SchemaJSON)) / 4
	}
	if total < 1 {
		total = 1
	}
	return total
}
