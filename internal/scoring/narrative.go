package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/retry"
)

// Narrative schema bounds.
const (
	minDrivers         = 3
	maxDrivers         = 5
	minRecommendations = 1
	maxRecommendations = 5
	minWeight          = 1
	maxWeight          = 10
)

// Driver is one factor in a narrative, with supporting evidence.
type Driver struct {
	Factor   string `json:"factor"`
	Impact   string `json:"impact"` // positive, negative, neutral
	Evidence string `json:"evidence"`
	Weight   int    `json:"weight"` // 1-10
}

// Narrative is a human-readable assessment of a scoring result.
type Narrative struct {
	Summary         string   `json:"summary"`
	Drivers         []Driver `json:"drivers"`
	Recommendations []string `json:"recommendations"`
	Generated       bool     `json:"generated"` // false when the fallback was used
}

// NarrativeProvider generates a narrative for a scoring result. Typically an
// LLM client; anything implementing the schema works.
type NarrativeProvider interface {
	Generate(ctx context.Context, in Input, result *Result) (*Narrative, error)
}

// buildNarrative asks the provider (with one retry) and falls back to a
// deterministic narrative when unavailable or schema-invalid.
func (e *Engine) buildNarrative(ctx context.Context, in Input, result *Result) *Narrative {
	if e.narrative != nil {
		var n *Narrative
		err := retry.Do(ctx, 2, 200*time.Millisecond, func() error {
			generated, err := e.narrative.Generate(ctx, in, result)
			if err != nil {
				return err
			}
			if err := validateNarrative(generated); err != nil {
				// A provider returning malformed output will do so again.
				return retry.Permanent(err)
			}
			n = generated
			return nil
		})
		if err == nil {
			n.Generated = true
			return n
		}
		logging.L(ctx).Warn("narrative provider failed, using fallback", "error", err)
	}
	return fallbackNarrative(in, result)
}

func validateNarrative(n *Narrative) error {
	if n == nil || n.Summary == "" {
		return fmt.Errorf("narrative missing summary")
	}
	if len(n.Drivers) < minDrivers || len(n.Drivers) > maxDrivers {
		return fmt.Errorf("narrative has %d drivers, want %d-%d", len(n.Drivers), minDrivers, maxDrivers)
	}
	for i, d := range n.Drivers {
		if d.Factor == "" || d.Evidence == "" {
			return fmt.Errorf("driver %d missing factor or evidence", i)
		}
		switch d.Impact {
		case "positive", "negative", "neutral":
		default:
			return fmt.Errorf("driver %d has invalid impact %q", i, d.Impact)
		}
		if d.Weight < minWeight || d.Weight > maxWeight {
			return fmt.Errorf("driver %d weight %d out of range", i, d.Weight)
		}
	}
	if len(n.Recommendations) < minRecommendations || len(n.Recommendations) > maxRecommendations {
		return fmt.Errorf("narrative has %d recommendations, want %d-%d", len(n.Recommendations), minRecommendations, maxRecommendations)
	}
	return nil
}

// fallbackNarrative builds a deterministic narrative from the scoring data.
// Drivers are padded to the schema minimum so consumers can rely on shape.
func fallbackNarrative(in Input, result *Result) *Narrative {
	var drivers []Driver

	for _, p := range result.Policies {
		switch p.State {
		case PolicyMissing:
			drivers = append(drivers, Driver{
				Factor:   p.Category + " policy",
				Impact:   "negative",
				Evidence: fmt.Sprintf("no %s policy signals detected on the site", p.Category),
				Weight:   7,
			})
		case PolicyWeak:
			drivers = append(drivers, Driver{
				Factor:   p.Category + " policy",
				Impact:   "neutral",
				Evidence: fmt.Sprintf("only one %s policy signal detected", p.Category),
				Weight:   4,
			})
		}
	}

	if result.Breakdown.IndustryScore == industryRisky {
		drivers = append(drivers, Driver{
			Factor:   "industry",
			Impact:   "negative",
			Evidence: fmt.Sprintf("declared industry %q matches a high-risk category", in.Industry),
			Weight:   8,
		})
	}
	if result.Breakdown.ProcessorScore == processorTrusted {
		drivers = append(drivers, Driver{
			Factor:   "processor",
			Impact:   "positive",
			Evidence: fmt.Sprintf("declared processor %q is an established provider", in.Processor),
			Weight:   5,
		})
	}

	// Pad to the schema minimum with neutral structural observations.
	padding := []Driver{
		{Factor: "content depth", Impact: "neutral",
			Evidence: fmt.Sprintf("site text length contributes %d of %d depth points", result.Breakdown.DepthScore, maxDepthScore),
			Weight:   3},
		{Factor: "policy coverage", Impact: "neutral",
			Evidence: fmt.Sprintf("policy signals contribute %d of %d points", result.Breakdown.PolicyScore, maxPolicyScore),
			Weight:   3},
		{Factor: "overall stability", Impact: "neutral",
			Evidence: fmt.Sprintf("composite score %d maps to tier %d (%s)", result.Score, result.Tier, result.TierLabel),
			Weight:   3},
	}
	for _, p := range padding {
		if len(drivers) >= minDrivers {
			break
		}
		drivers = append(drivers, p)
	}
	if len(drivers) > maxDrivers {
		drivers = drivers[:maxDrivers]
	}

	recommendations := []string{}
	for _, p := range result.Policies {
		if p.State != PolicyPresent {
			recommendations = append(recommendations,
				fmt.Sprintf("publish a clearly labeled %s policy", p.Category))
		}
		if len(recommendations) == maxRecommendations {
			break
		}
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "maintain current policy coverage")
	}

	return &Narrative{
		Summary: fmt.Sprintf("Merchant scored %d/100 (tier %d, %s) from deterministic policy and content analysis.",
			result.Score, result.Tier, result.TierLabel),
		Drivers:         drivers,
		Recommendations: recommendations,
		Generated:       false,
	}
}
