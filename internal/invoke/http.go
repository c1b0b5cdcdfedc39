package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// HTTPAdapter invokes an OpenAI-compatible chat completion endpoint. One
// adapter serves one provider; register it on a Mux per provider.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cost    func(modelID string, tokens int) float64
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient replaces the default client (30s timeout). Use this to
// install a tracing transport.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if c != nil {
			a.client = c
		}
	}
}

// WithCostFunc sets the per-invocation cost estimator. Without one, cost is
// reported as zero.
func WithCostFunc(fn func(modelID string, tokens int) float64) HTTPOption {
	return func(a *HTTPAdapter) {
		if fn != nil {
			a.cost = fn
		}
	}
}

// NewHTTP creates an adapter for the given base URL. The API key may be empty
// for unauthenticated endpoints.
func NewHTTP(baseURL, apiKey string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		cost:    func(string, int) float64 { return 0 },
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// statusError carries a non-200 provider reply for error-kind mapping.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.code, e.body)
}

func (a *HTTPAdapter) Invoke(ctx context.Context, provider route.Provider, modelID, prompt string, tools []route.Tool) (route.Response, error) {
	payload := map[string]any{
		"model":    modelID,
		"messages": []chatMessage{{Role: "user", Content: prompt}},
	}
	if len(tools) > 0 {
		wire := make([]chatTool, 0, len(tools))
		for _, tl := range tools {
			ct := chatTool{Type: "function", Function: chatFunction{
				Name:        tl.Name,
				Description: tl.Description,
			}}
			if tl.SchemaJSON != "" {
				ct.Function.Parameters = json.RawMessage(tl.SchemaJSON)
			}
			wire = append(wire, ct)
		}
		payload["tools"] = wire
	}

	start := time.Now()
	body, err := a.post(ctx, a.baseURL+"/v1/chat/completions", payload)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return route.Response{}, classifyHTTPError(provider, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return route.Response{}, route.WrapError(route.ErrProviderUnavailable, err, "provider %s returned malformed response", provider)
	}
	if len(parsed.Choices) == 0 {
		return route.Response{}, route.NewError(route.ErrProviderUnavailable, "provider %s returned no choices", provider)
	}

	resp := route.Response{
		Provider:   provider,
		ModelID:    modelID,
		Text:       parsed.Choices[0].Message.Content,
		LatencyMs:  latency,
		Success:    true,
		TokensUsed: parsed.Usage.TotalTokens,
		CostEuro:   a.cost(modelID, parsed.Usage.TotalTokens),
	}
	for _, tc := range parsed.Choices[0].Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, route.ToolCall{
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		})
	}
	return resp, nil
}

func (a *HTTPAdapter) post(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 256)}
	}
	return body, nil
}

// classifyHTTPError maps transport failures to error kinds so the fallback
// engine can decide on retry vs degrade without inspecting error types.
func classifyHTTPError(provider route.Provider, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusTooManyRequests:
			return route.WrapError(route.ErrProviderQuotaExceeded, err, "provider %s quota exhausted", provider)
		case se.code >= 500:
			return route.WrapError(route.ErrProviderUnavailable, err, "provider %s unavailable (HTTP %s)", provider, strconv.Itoa(se.code))
		default:
			return route.WrapError(route.ErrProviderUnavailable, err, "provider %s rejected request", provider)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return route.WrapError(route.ErrProviderTimeout, err, "provider %s timed out", provider)
	}
	return route.WrapError(route.ErrProviderUnavailable, err, "provider %s unreachable", provider)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
