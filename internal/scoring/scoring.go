// Package scoring analyzes merchant website content and produces a
// deterministic 0-100 stability score mapped to a 1-5 risk tier.
package scoring

// Risk tiers. Lower is safer.
const (
	TierLow      = 1
	TierModerate = 2
	TierElevated = 3
	TierHigh     = 4
	TierCritical = 5
)

// Policy detection states for a single compliance category.
const (
	PolicyPresent = "PRESENT"
	PolicyWeak    = "WEAK"
	PolicyMissing = "MISSING"
)

// Input carries everything the engine scores.
type Input struct {
	// Text is the extracted page text of the merchant site.
	Text string
	// Industry is the caller-declared industry string.
	Industry string
	// Processor is the caller-declared payment processor.
	Processor string
}

// CategoryResult is the detection outcome for one policy category.
type CategoryResult struct {
	Category string `json:"category"`
	State    string `json:"state"`
	Hits     int    `json:"hits"`
	Points   int    `json:"points"`
}

// Result is a complete deterministic scoring outcome. It carries no
// timestamp: identical inputs serialize to identical bytes, and the stored
// report envelope records when the scan ran.
type Result struct {
	Score     int              `json:"score"` // 0-100
	Tier      int              `json:"tier"`  // 1-5
	TierLabel string           `json:"tierLabel"`
	Policies  []CategoryResult `json:"policies"`
	Breakdown Breakdown        `json:"breakdown"`
	Narrative *Narrative       `json:"narrative,omitempty"`
}

// Breakdown shows where the points came from.
type Breakdown struct {
	PolicyScore    int `json:"policyScore"`    // 0-40
	DepthScore     int `json:"depthScore"`     // 0-20
	IndustryScore  int `json:"industryScore"`  // 5 or 20
	ProcessorScore int `json:"processorScore"` // 10 or 20
}

// MissingPolicyCount returns how many categories were not detected at all.
func (r *Result) MissingPolicyCount() int {
	n := 0
	for _, p := range r.Policies {
		if p.State == PolicyMissing {
			n++
		}
	}
	return n
}

// TierLabel maps a tier to its display label.
func TierLabel(tier int) string {
	switch tier {
	case TierLow:
		return "LOW"
	case TierModerate:
		return "MODERATE"
	case TierElevated:
		return "ELEVATED"
	case TierHigh:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}
