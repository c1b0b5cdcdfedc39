package quality

import (
	"strings"
	"testing"

	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

const analysisPrompt = "please summarize the quarterly revenue report"

const strongAnswer = "The quarterly revenue report shows revenue grew 12 percent " +
	"compared with the previous quarterly period, and the report attributes " +
	"growth to strong subscription renewals across several regions."

const degenerateAnswer = "bad bad bad bad bad bad bad bad"

func respFrom(modelID, text string, latencyMs int64) route.Response {
	return route.Response{
		Provider:  route.ProviderAWS,
		ModelID:   modelID,
		Text:      text,
		LatencyMs: latencyMs,
		CostEuro:  0.002,
		Success:   true,
	}
}

func TestScoreWeighting(t *testing.T) {
	perfect := Signals{Coherence: 1, Relevance: 1, Factuality: 1, Completeness: 1}
	if got := Score(perfect); got != 0.75 {
		t.Errorf("score of all-positive signals = %v, want 0.75", got)
	}
	toxic := Signals{Coherence: 1, Relevance: 1, Factuality: 1, Completeness: 1, Toxicity: 1, Bias: 1}
	if got := Score(toxic); got != 0.5 {
		t.Errorf("score with full penalties = %v, want 0.5", got)
	}
	if got := Score(Signals{Toxicity: 1, Bias: 1}); got != 0 {
		t.Errorf("negative raw score not clamped: %v", got)
	}
}

func TestExtractSeparatesStrongFromDegenerate(t *testing.T) {
	strong := Score(Extract(analysisPrompt, strongAnswer))
	weak := Score(Extract(analysisPrompt, degenerateAnswer))
	if strong <= weak {
		t.Fatalf("strong answer scored %v, degenerate %v", strong, weak)
	}
	if strong-weak < 0.2 {
		t.Errorf("score separation too small: %v vs %v", strong, weak)
	}
}

func TestExtractCoherencePenalizesRepetition(t *testing.T) {
	varied := Extract("", "each word in this sentence appears exactly once today")
	looping := Extract("", strings.Repeat("loop ", 30))
	if looping.Coherence >= varied.Coherence {
		t.Errorf("repetition not penalized: %v vs %v", looping.Coherence, varied.Coherence)
	}
}

func TestExtractToxicityAndHedging(t *testing.T) {
	s := Extract("", "you are an idiot and worthless")
	if s.Toxicity == 0 {
		t.Error("toxic terms not detected")
	}
	hedged := Extract("", "I think it might be around forty, but I guess maybe not")
	plain := Extract("", "the value is forty")
	if hedged.Factuality >= plain.Factuality {
		t.Errorf("hedging not penalized: %v vs %v", hedged.Factuality, plain.Factuality)
	}
}

func TestSeverityBetween(t *testing.T) {
	cases := []struct {
		measured float64
		want     string
	}{
		{0.05, ""},
		{0.1, "warning"},
		{0.19, "warning"},
		{0.2, "critical"},
		{0.9, "critical"},
	}
	for _, tc := range cases {
		if got := severityBetween(tc.measured, 0.1, 0.2); got != tc.want {
			t.Errorf("severityBetween(%v) = %q, want %q", tc.measured, got, tc.want)
		}
	}
}

func TestDegradationAlertFiresOnTrendCollapse(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	cfg := DefaultConfig()
	cfg.RingSize = 8
	cfg.MinSamples = 4
	m := New(cfg, WithEventBus(bus))

	req := route.Request{Prompt: analysisPrompt}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", strongAnswer, 100))
	}
	if _, sevOK := m.ActiveAlerts()["titan/"+string(AlertDegradation)]; sevOK {
		t.Fatal("alert raised while scores were stable")
	}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", degenerateAnswer, 100))
	}

	if sev := m.ActiveAlerts()["titan/"+string(AlertDegradation)]; sev != "critical" {
		t.Fatalf("degradation severity = %q, want critical", sev)
	}
	var lastSeverity string
	var alerts int
	for {
		select {
		case e := <-sub.C:
			if e.Type == events.EventQualityAlert && e.Reason == string(AlertDegradation) {
				alerts++
				lastSeverity = e.Severity
			}
		default:
			if alerts == 0 {
				t.Fatal("no degradation alert published")
			}
			if lastSeverity != "critical" {
				t.Errorf("final published severity = %q", lastSeverity)
			}
			return
		}
	}
}

func TestDataDriftAgainstBaseline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 8
	cfg.MinSamples = 4
	m := New(cfg)
	m.SetBaseline("titan", Baseline{MeanScore: 0.95, MeanLatencyMs: 100})

	req := route.Request{Prompt: analysisPrompt}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", degenerateAnswer, 100))
	}
	if sev := m.ActiveAlerts()["titan/"+string(AlertDataDrift)]; sev != "critical" {
		t.Errorf("data drift severity = %q, want critical", sev)
	}
}

func TestPerformanceRegressionAgainstBaseline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 8
	cfg.MinSamples = 4
	m := New(cfg)
	m.SetBaseline("titan", Baseline{MeanScore: 0.6, MeanLatencyMs: 100})

	req := route.Request{Prompt: analysisPrompt}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", strongAnswer, 300))
	}
	if sev := m.ActiveAlerts()["titan/"+string(AlertRegression)]; sev != "critical" {
		t.Errorf("regression severity = %q, want critical", sev)
	}
}

func TestTrendComparesWindowHalves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 8
	cfg.MinSamples = 4
	m := New(cfg)

	req := route.Request{Prompt: analysisPrompt}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", strongAnswer, 100))
	}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", degenerateAnswer, 100))
	}

	trend, ok := m.TrendFor("titan")
	if !ok {
		t.Fatal("trend unavailable")
	}
	if trend.Samples != 8 {
		t.Errorf("samples = %d, want 8", trend.Samples)
	}
	if trend.Delta >= 0 {
		t.Errorf("delta = %v, want negative after collapse", trend.Delta)
	}
	if _, ok := m.TrendFor("unknown-model"); ok {
		t.Error("trend reported for a model never assessed")
	}
}

func TestModelsTrackedIndependently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 8
	cfg.MinSamples = 4
	m := New(cfg)

	req := route.Request{Prompt: analysisPrompt}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", strongAnswer, 100))
		m.Assess(req, respFrom("gemini", strongAnswer, 100))
	}
	for i := 0; i < 4; i++ {
		m.Assess(req, respFrom("titan", degenerateAnswer, 100))
	}

	if sev := m.ActiveAlerts()["gemini/"+string(AlertDegradation)]; sev != "" {
		t.Errorf("healthy model alerted: %q", sev)
	}
	if sev := m.ActiveAlerts()["titan/"+string(AlertDegradation)]; sev == "" {
		t.Error("degraded model not alerted")
	}
}
