package scoring

import (
	"context"
	"strings"
)

// Scoring weights and thresholds.
const (
	maxPolicyScore = 40
	maxDepthScore  = 20
	depthDivisor   = 300

	pointsPresent = 10
	pointsWeak    = 5

	industryRisky   = 5
	industryDefault = 20

	processorTrusted = 20
	processorDefault = 10
)

// policyCategories are evaluated in fixed order so identical inputs always
// produce byte-identical results.
var policyCategories = []struct {
	name     string
	keywords []string
}{
	{"terms", []string{"terms of service", "terms and conditions", "terms of use", "user agreement", "service agreement"}},
	{"privacy", []string{"privacy policy", "privacy notice", "data protection", "personal data", "gdpr"}},
	{"refund", []string{"refund policy", "money back", "return policy", "refunds", "cancellation policy"}},
	{"contact", []string{"contact us", "customer support", "support@", "contact@", "help center"}},
}

var riskyIndustries = []string{
	"gambling", "casino", "betting", "crypto", "cryptocurrency",
	"cbd", "vape", "tobacco", "adult", "pharmaceutical", "nutraceutical",
	"forex", "lottery", "firearms",
}

var trustedProcessors = []string{
	"stripe", "adyen", "braintree", "square", "paypal", "checkout.com",
	"worldpay", "authorize.net",
}

// Engine produces deterministic scoring results. A NarrativeProvider may be
// attached to generate a human-readable assessment; the engine falls back to
// a deterministic narrative when the provider fails or is absent.
type Engine struct {
	narrative NarrativeProvider
}

// NewEngine creates a scoring engine. provider may be nil.
func NewEngine(provider NarrativeProvider) *Engine {
	return &Engine{narrative: provider}
}

// Score evaluates merchant content. The numeric result depends only on the
// input; the narrative is advisory and never changes score or tier.
func (e *Engine) Score(ctx context.Context, in Input) *Result {
	text := strings.ToLower(in.Text)

	policies := make([]CategoryResult, 0, len(policyCategories))
	policyScore := 0
	for _, cat := range policyCategories {
		hits := 0
		for _, kw := range cat.keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		cr := CategoryResult{Category: cat.name, Hits: hits}
		switch {
		case hits >= 2:
			cr.State = PolicyPresent
			cr.Points = pointsPresent
		case hits == 1:
			cr.State = PolicyWeak
			cr.Points = pointsWeak
		default:
			cr.State = PolicyMissing
		}
		policyScore += cr.Points
		policies = append(policies, cr)
	}
	if policyScore > maxPolicyScore {
		policyScore = maxPolicyScore
	}

	depthScore := len(in.Text) / depthDivisor
	if depthScore > maxDepthScore {
		depthScore = maxDepthScore
	}

	industryScore := industryDefault
	industry := strings.ToLower(in.Industry)
	for _, kw := range riskyIndustries {
		if strings.Contains(industry, kw) {
			industryScore = industryRisky
			break
		}
	}

	processorScore := processorDefault
	processor := strings.ToLower(in.Processor)
	for _, kw := range trustedProcessors {
		if strings.Contains(processor, kw) {
			processorScore = processorTrusted
			break
		}
	}

	total := policyScore + depthScore + industryScore + processorScore
	tier := tierForScore(total)

	result := &Result{
		Score:     total,
		Tier:      tier,
		TierLabel: TierLabel(tier),
		Policies:  policies,
		Breakdown: Breakdown{
			PolicyScore:    policyScore,
			DepthScore:     depthScore,
			IndustryScore:  industryScore,
			ProcessorScore: processorScore,
		},
	}

	result.Narrative = e.buildNarrative(ctx, in, result)
	return result
}

func tierForScore(score int) int {
	switch {
	case score >= 80:
		return TierLow
	case score >= 60:
		return TierModerate
	case score >= 40:
		return TierElevated
	case score >= 20:
		return TierHigh
	default:
		return TierCritical
	}
}
