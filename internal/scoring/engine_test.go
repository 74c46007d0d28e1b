package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCriticalTierWorstCase(t *testing.T) {
	e := NewEngine(nil)

	// Risky industry, no policies, unknown processor, 100 chars of text:
	// 0 (policy) + 0 (depth) + 5 (industry) + 10 (processor) = 15.
	result := e.Score(context.Background(), Input{
		Text:      strings.Repeat("x", 100),
		Industry:  "gambling",
		Processor: "Unknown",
	})

	if result.Score != 15 {
		t.Errorf("Score = %d, want 15", result.Score)
	}
	if result.Tier != TierCritical {
		t.Errorf("Tier = %d, want %d", result.Tier, TierCritical)
	}
	if result.TierLabel != "CRITICAL" {
		t.Errorf("TierLabel = %q, want CRITICAL", result.TierLabel)
	}
}

func TestLowTierBestCase(t *testing.T) {
	e := NewEngine(nil)

	// All four policies present twice, deep content, safe industry,
	// trusted processor: 40 + 20 + 20 + 20 = 100.
	text := strings.Repeat(
		"terms of service terms and conditions privacy policy privacy notice "+
			"refund policy return policy contact us customer support ", 100)

	result := e.Score(context.Background(), Input{
		Text:      text,
		Industry:  "apparel",
		Processor: "Stripe",
	})

	if result.Score != 100 {
		t.Errorf("Score = %d, want 100", result.Score)
	}
	if result.Tier != TierLow {
		t.Errorf("Tier = %d, want %d", result.Tier, TierLow)
	}
}

func TestPolicyStates(t *testing.T) {
	e := NewEngine(nil)

	// terms: two hits (Present), privacy: one hit (Weak), refund and
	// contact absent (Missing).
	result := e.Score(context.Background(), Input{
		Text:      "our terms of service and terms and conditions; see the privacy policy",
		Industry:  "apparel",
		Processor: "Unknown",
	})

	byCategory := map[string]CategoryResult{}
	for _, p := range result.Policies {
		byCategory[p.Category] = p
	}

	if got := byCategory["terms"]; got.State != PolicyPresent || got.Points != 10 {
		t.Errorf("terms = %+v, want Present/10", got)
	}
	if got := byCategory["privacy"]; got.State != PolicyWeak || got.Points != 5 {
		t.Errorf("privacy = %+v, want Weak/5", got)
	}
	if got := byCategory["refund"]; got.State != PolicyMissing || got.Points != 0 {
		t.Errorf("refund = %+v, want Missing/0", got)
	}
	if result.MissingPolicyCount() != 2 {
		t.Errorf("MissingPolicyCount = %d, want 2", result.MissingPolicyCount())
	}
}

func TestDepthScoreCapped(t *testing.T) {
	e := NewEngine(nil)

	result := e.Score(context.Background(), Input{
		Text:      strings.Repeat("a", 100000),
		Industry:  "apparel",
		Processor: "Unknown",
	})
	if result.Breakdown.DepthScore != 20 {
		t.Errorf("DepthScore = %d, want 20 (capped)", result.Breakdown.DepthScore)
	}

	result = e.Score(context.Background(), Input{
		Text:      strings.Repeat("a", 900),
		Industry:  "apparel",
		Processor: "Unknown",
	})
	if result.Breakdown.DepthScore != 3 {
		t.Errorf("DepthScore = %d, want 3", result.Breakdown.DepthScore)
	}
}

func TestTierThresholds(t *testing.T) {
	cases := []struct {
		score int
		tier  int
	}{
		{100, TierLow}, {80, TierLow},
		{79, TierModerate}, {60, TierModerate},
		{59, TierElevated}, {40, TierElevated},
		{39, TierHigh}, {20, TierHigh},
		{19, TierCritical}, {0, TierCritical},
	}
	for _, tc := range cases {
		if got := tierForScore(tc.score); got != tc.tier {
			t.Errorf("tierForScore(%d) = %d, want %d", tc.score, got, tc.tier)
		}
	}
}

func TestDeterminism(t *testing.T) {
	e := NewEngine(nil)
	in := Input{
		Text:      "terms of service, privacy policy, refund policy, contact us",
		Industry:  "electronics",
		Processor: "adyen",
	}

	a, errA := json.Marshal(e.Score(context.Background(), in))
	b, errB := json.Marshal(e.Score(context.Background(), in))
	if errA != nil || errB != nil {
		t.Fatalf("Marshal failed: %v / %v", errA, errB)
	}

	// Byte-identical, not just field-equal: the result must carry nothing
	// run-dependent (timestamps, ids).
	if !bytes.Equal(a, b) {
		t.Errorf("Identical inputs serialized differently:\n%s\n%s", a, b)
	}
}

func TestIndustryMatchIsSubstring(t *testing.T) {
	e := NewEngine(nil)
	result := e.Score(context.Background(), Input{
		Industry:  "Online Casino Games",
		Processor: "stripe",
	})
	if result.Breakdown.IndustryScore != 5 {
		t.Errorf("IndustryScore = %d, want 5 for casino", result.Breakdown.IndustryScore)
	}
}

// stubNarrativeProvider returns canned results for provider tests.
type stubNarrativeProvider struct {
	narrative *Narrative
	err       error
	calls     int
}

func (s *stubNarrativeProvider) Generate(ctx context.Context, in Input, result *Result) (*Narrative, error) {
	s.calls++
	return s.narrative, s.err
}

func validStubNarrative() *Narrative {
	return &Narrative{
		Summary: "stub summary",
		Drivers: []Driver{
			{Factor: "a", Impact: "negative", Evidence: "e1", Weight: 5},
			{Factor: "b", Impact: "positive", Evidence: "e2", Weight: 5},
			{Factor: "c", Impact: "neutral", Evidence: "e3", Weight: 5},
		},
		Recommendations: []string{"do something"},
	}
}

func TestNarrativeProviderUsed(t *testing.T) {
	provider := &stubNarrativeProvider{narrative: validStubNarrative()}
	e := NewEngine(provider)

	result := e.Score(context.Background(), Input{Industry: "apparel", Processor: "stripe"})
	if result.Narrative == nil || !result.Narrative.Generated {
		t.Fatal("Provider narrative should be used")
	}
	if result.Narrative.Summary != "stub summary" {
		t.Errorf("Summary = %q", result.Narrative.Summary)
	}
}

func TestNarrativeProviderErrorRetriesOnce(t *testing.T) {
	provider := &stubNarrativeProvider{err: errors.New("upstream timeout")}
	e := NewEngine(provider)

	result := e.Score(context.Background(), Input{Industry: "apparel", Processor: "stripe"})
	if provider.calls != 2 {
		t.Errorf("Provider called %d times, want 2 (one retry)", provider.calls)
	}
	if result.Narrative == nil || result.Narrative.Generated {
		t.Error("Fallback narrative should be used on provider failure")
	}
}

func TestNarrativeSchemaViolationNotRetried(t *testing.T) {
	bad := validStubNarrative()
	bad.Drivers[0].Impact = "amazing" // invalid enum
	provider := &stubNarrativeProvider{narrative: bad}
	e := NewEngine(provider)

	result := e.Score(context.Background(), Input{Industry: "apparel", Processor: "stripe"})
	if provider.calls != 1 {
		t.Errorf("Schema violations should not be retried, provider called %d times", provider.calls)
	}
	if result.Narrative.Generated {
		t.Error("Fallback narrative should be used on schema violation")
	}
}

func TestFallbackNarrativeShape(t *testing.T) {
	e := NewEngine(nil)

	// Even a fully clean merchant gets a schema-complete fallback.
	text := strings.Repeat(
		"terms of service user agreement privacy policy gdpr refund policy "+
			"return policy contact us customer support ", 50)
	result := e.Score(context.Background(), Input{Text: text, Industry: "apparel", Processor: "stripe"})

	n := result.Narrative
	if n == nil {
		t.Fatal("Fallback narrative missing")
	}
	if err := validateNarrative(n); err != nil {
		t.Errorf("Fallback narrative violates its own schema: %v", err)
	}
	if n.Generated {
		t.Error("Fallback must report Generated=false")
	}
}
