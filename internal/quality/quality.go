// Package quality scores completed responses and watches per-model trends for
// drift. It is a pure consumer: it never mutates routing, but its alerts feed
// the rollback manager through the event bus.
package quality

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// Signals are the six per-response quality inputs, each in [0,1].
type Signals struct {
	Coherence    float64 `json:"coherence"`
	Relevance    float64 `json:"relevance"`
	Factuality   float64 `json:"factuality"`
	Completeness float64 `json:"completeness"`
	Toxicity     float64 `json:"toxicity"`
	Bias         float64 `json:"bias"`
}

// Signal weights. Toxicity and bias subtract.
const (
	weightCoherence    = 0.2
	weightRelevance    = 0.25
	weightFactuality   = 0.2
	weightCompleteness = 0.1
	weightToxicity     = 0.15
	weightBias         = 0.1
)

// Score folds the six signals into a scalar in [0,1].
func Score(s Signals) float64 {
	raw := weightCoherence*s.Coherence +
		weightRelevance*s.Relevance +
		weightFactuality*s.Factuality +
		weightCompleteness*s.Completeness -
		weightToxicity*s.Toxicity -
		weightBias*s.Bias
	return clamp01(raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var (
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}']+`)
	hedgeRe    = regexp.MustCompile(`(?i)\b(i think|probably|might be|not sure|i guess|maybe|possibly)\b`)
	numberRe   = regexp.MustCompile(`\b\d`)
	absolutes  = []string{"always", "never", "everyone", "nobody", "all of them", "none of them"}
	toxicTerms = []string{"idiot", "stupid", "hate you", "shut up", "worthless", "moron"}
)

// Extract derives heuristic signals from the prompt and response text. The
// heuristics are crude on purpose: the score's job is detecting relative
// movement per model, not absolute judgment.
func Extract(prompt, response string) Signals {
	respLower := strings.ToLower(response)
	respWords := wordRe.FindAllString(respLower, -1)
	promptWords := wordRe.FindAllString(strings.ToLower(prompt), -1)

	var s Signals
	s.Coherence = coherenceOf(respWords)
	s.Relevance = overlapOf(promptWords, respWords)
	s.Factuality = factualityOf(response)
	s.Completeness = math.Min(float64(len(respWords))/80.0, 1.0)
	s.Toxicity = termDensity(respLower, toxicTerms)
	s.Bias = termDensity(respLower, absolutes)
	return s
}

// coherenceOf penalizes degenerate repetition: the unique-word ratio of a
// looping response collapses toward zero.
func coherenceOf(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	if len(words) < 4 {
		return 0.5
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	ratio := float64(len(unique)) / float64(len(words))
	// A normal paragraph sits around 0.5-0.8 unique; scale so it scores high.
	return clamp01(ratio * 1.4)
}

// overlapOf measures how many prompt terms reappear in the response.
func overlapOf(promptWords, respWords []string) float64 {
	if len(promptWords) == 0 {
		return 0.5
	}
	respSet := make(map[string]struct{}, len(respWords))
	for _, w := range respWords {
		respSet[w] = struct{}{}
	}
	var hit, counted int
	for _, w := range promptWords {
		if len(w) < 4 {
			continue // skip stopword-sized terms
		}
		counted++
		if _, ok := respSet[w]; ok {
			hit++
		}
	}
	if counted == 0 {
		return 0.5
	}
	return clamp01(float64(hit)/float64(counted) + 0.2)
}

// factualityOf rewards concrete content and penalizes hedging.
func factualityOf(response string) float64 {
	score := 0.6
	if numberRe.MatchString(response) {
		score += 0.2
	}
	score -= 0.2 * float64(len(hedgeRe.FindAllString(response, -1)))
	return clamp01(score)
}

func termDensity(text string, terms []string) float64 {
	var hits int
	for _, t := range terms {
		hits += strings.Count(text, t)
	}
	return clamp01(float64(hits) * 0.34)
}

// Assessment is one scored response.
type Assessment struct {
	Timestamp time.Time      `json:"timestamp"`
	Provider  route.Provider `json:"provider"`
	ModelID   string         `json:"model_id"`
	Score     float64        `json:"score"`
	Signals   Signals        `json:"signals"`
	LatencyMs int64          `json:"latency_ms"`
	CostEuro  float64        `json:"cost_euro"`
	PromptLen int            `json:"prompt_len"`
}
