// Package reserve projects reserve exposure for a merchant from its risk
// snapshot. Everything here is a pure function of its inputs so projections
// are reproducible and safe to sign.
package reserve

import (
	"math"

	"github.com/harborpay/reservoir/internal/intel"
)

// RateCeiling is the hard cap on any reserve rate.
const RateCeiling = 0.25

// Projection windows in days.
var WindowDays = []int{90, 120, 180}

// Instability signals, strongest first.
const (
	SignalAccelerating = "ACCELERATING"
	SignalElevated     = "ELEVATED"
	SignalLatent       = "LATENT"
	SignalRecovering   = "RECOVERING"
	SignalNominal      = "NOMINAL"
)

// Volume modes for a projection response.
const (
	VolumeModeBpsOnly    = "bps_only"
	VolumeModeBpsPlusUSD = "bps_plus_usd"
)

// Simulation escalation exponents. Shared between projection and what-if
// simulation so both move on one model.
const (
	exposureExponent = 1.5
	rateExponent     = 1.2
)

// baseRates maps risk tier to base reserve rate.
var baseRates = map[int]float64{
	1: 0.00,
	2: 0.05,
	3: 0.10,
	4: 0.15,
	5: 0.25,
}

// trendMultipliers scales the worst case by trajectory.
var trendMultipliers = map[string]float64{
	intel.TrendDegrading: 1.5,
	intel.TrendStable:    1.0,
	intel.TrendImproving: 0.75,
}

// WindowProjection is the reserve exposure for one forward window.
type WindowProjection struct {
	Days         int     `json:"days"`
	WindowFactor float64 `json:"windowFactor"`
	ProjectedBps int     `json:"projectedBps"`
	WorstCaseBps int     `json:"worstCaseBps"`
	// USD amounts appear only when a monthly volume was supplied.
	ProjectedUSD *int64 `json:"projectedUsd,omitempty"`
	WorstCaseUSD *int64 `json:"worstCaseUsd,omitempty"`
}

// Intervention is one advisory action from the decision table.
type Intervention struct {
	Action            string  `json:"action"`
	Priority          int     `json:"priority"` // 1 = most urgent
	Rationale         string  `json:"rationale"`
	VelocityReduction float64 `json:"velocityReduction,omitempty"` // fraction of volume held back
}

// SimulationDelta models the effect of applying the strongest intervention.
type SimulationDelta struct {
	VelocityReduction  float64 `json:"velocityReduction"`
	ExposureMultiplier float64 `json:"exposureMultiplier"`
	RateMultiplier     float64 `json:"rateMultiplier"`
}

// Projection is a complete reserve-exposure forecast.
type Projection struct {
	CurrentRiskTier   int                `json:"currentRiskTier"`
	Trend             string             `json:"trend"`
	TierDelta         int                `json:"tierDelta"`
	ProjectedTier     int                `json:"projectedTier"`
	BaseRate          float64            `json:"baseRate"`
	ProjectedRate     float64            `json:"projectedRate"`
	WorstCaseRate     float64            `json:"worstCaseRate"`
	InstabilitySignal string             `json:"instabilitySignal"`
	Windows           []WindowProjection `json:"reserveProjections"`
	Interventions     []Intervention     `json:"recommendedInterventions"`
	SimulationDelta   *SimulationDelta   `json:"simulationDelta,omitempty"`
	VolumeMode        string             `json:"volumeMode"`
}

// TrendMultiplier returns the worst-case multiplier for a trend, defaulting
// to stable for unrecognized labels.
func TrendMultiplier(trend string) float64 {
	if m, ok := trendMultipliers[trend]; ok {
		return m
	}
	return trendMultipliers[intel.TrendStable]
}

// BaseRate returns the clamped base reserve rate for a tier.
func BaseRate(tier int) float64 {
	rate, ok := baseRates[clampTier(tier)]
	if !ok {
		return RateCeiling
	}
	return math.Min(RateCeiling, math.Max(0, rate))
}

func clampTier(tier int) int {
	if tier < 1 {
		return 1
	}
	if tier > 5 {
		return 5
	}
	return tier
}

// Project computes the reserve forecast for a snapshot. monthlyVolume, when
// non-nil, adds USD amounts; it is never defaulted.
func Project(snapshot *intel.MerchantSnapshot, monthlyVolume *float64) *Projection {
	tier := clampTier(snapshot.CurrentRiskTier)
	delta := snapshot.TierDeltaLast
	trend := snapshot.Trend

	projectedTier := clampTier(tier + delta)
	baseRate := BaseRate(tier)
	projectedRate := BaseRate(projectedTier)

	mult := TrendMultiplier(trend)
	worstCaseRate := math.Min(RateCeiling, projectedRate*mult)

	windows := make([]WindowProjection, 0, len(WindowDays))
	for _, days := range WindowDays {
		factor := float64(days) / 30.0
		w := WindowProjection{
			Days:         days,
			WindowFactor: factor,
			ProjectedBps: int(math.Round(baseRate * factor * 10000)),
			WorstCaseBps: int(math.Round(worstCaseRate * factor * 10000)),
		}
		if monthlyVolume != nil {
			projUSD := int64(math.Round(*monthlyVolume * float64(w.ProjectedBps) / 10000))
			worstUSD := int64(math.Round(*monthlyVolume * float64(w.WorstCaseBps) / 10000))
			w.ProjectedUSD = &projUSD
			w.WorstCaseUSD = &worstUSD
		}
		windows = append(windows, w)
	}

	interventions := deriveInterventions(trend, tier, delta, snapshot.PolicySurface)

	volumeMode := VolumeModeBpsOnly
	if monthlyVolume != nil {
		volumeMode = VolumeModeBpsPlusUSD
	}

	return &Projection{
		CurrentRiskTier:   tier,
		Trend:             trend,
		TierDelta:         delta,
		ProjectedTier:     projectedTier,
		BaseRate:          baseRate,
		ProjectedRate:     projectedRate,
		WorstCaseRate:     worstCaseRate,
		InstabilitySignal: classifyInstability(trend, tier, delta, snapshot.PolicySurface),
		Windows:           windows,
		Interventions:     interventions,
		SimulationDelta:   simulate(interventions),
		VolumeMode:        volumeMode,
	}
}

// classifyInstability picks the strongest matching signal.
func classifyInstability(trend string, tier, delta int, surface intel.PolicySurface) string {
	switch {
	case trend == intel.TrendDegrading && delta > 0 && surface.Missing > 0:
		return SignalAccelerating
	case trend == intel.TrendDegrading || delta > 0:
		return SignalElevated
	case tier >= 4 && trend == intel.TrendStable:
		return SignalLatent
	case trend == intel.TrendImproving && delta < 0:
		return SignalRecovering
	default:
		return SignalNominal
	}
}

// deriveInterventions applies the fixed decision table. Rules are evaluated
// in order; every matching rule contributes one action.
func deriveInterventions(trend string, tier, delta int, surface intel.PolicySurface) []Intervention {
	out := []Intervention{}

	if trend == intel.TrendDegrading && delta > 0 {
		out = append(out, Intervention{
			Action:            "increase_reserve_hold",
			Priority:          1,
			Rationale:         "risk tier rising on a degrading trajectory",
			VelocityReduction: 0.30,
		})
	}
	if tier >= 4 && trend == intel.TrendDegrading {
		out = append(out, Intervention{
			Action:            "manual_review",
			Priority:          1,
			Rationale:         "high tier with continued degradation",
			VelocityReduction: 0.40,
		})
	}
	if tier >= 4 {
		out = append(out, Intervention{
			Action:            "enhanced_monitoring",
			Priority:          2,
			Rationale:         "merchant in a high risk tier",
			VelocityReduction: 0.20,
		})
	}
	if surface.Missing > 0 {
		out = append(out, Intervention{
			Action:    "require_policy_remediation",
			Priority:  2,
			Rationale: "one or more compliance policies undetected",
		})
	}
	if trend == intel.TrendImproving && delta < 0 {
		out = append(out, Intervention{
			Action:    "schedule_reserve_review",
			Priority:  3,
			Rationale: "sustained improvement may justify a lower hold",
		})
	}
	return out
}

// simulate derives the what-if effect of the strongest velocity reduction.
// Nil when no intervention reduces velocity.
func simulate(interventions []Intervention) *SimulationDelta {
	v := 0.0
	for _, iv := range interventions {
		if iv.VelocityReduction > v {
			v = iv.VelocityReduction
		}
	}
	if v == 0 {
		return nil
	}
	return &SimulationDelta{
		VelocityReduction:  v,
		ExposureMultiplier: math.Pow(1-v, exposureExponent),
		RateMultiplier:     math.Pow(1-v, rateExponent),
	}
}
