package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/harborpay/reservoir/internal/intel"
	"github.com/harborpay/reservoir/internal/reserve"
)

// minEvaluationWindow is how much newer a record must be before it counts as
// ground truth for an earlier projection.
const minEvaluationWindow = 6 * time.Hour

// Accuracy summarizes how well past projections predicted later state.
// Derived at read time, never persisted.
type Accuracy struct {
	EvaluatedPairs         int     `json:"evaluatedPairs"`
	TierAccuracyPct        float64 `json:"tierAccuracyPct"`
	TrendAccuracyPct       float64 `json:"trendAccuracyPct"`
	MeanAbsTierVariance    float64 `json:"meanAbsTierVariance"`
	MeanAbsRateVarianceBps float64 `json:"meanAbsRateVarianceBps"`
}

// deriveAccuracy pairs each projection with the earliest record at least the
// evaluation window later and scores the prediction against it. Returns nil
// when no pair qualifies.
func deriveAccuracy(records []VerifiedRecord) *Accuracy {
	if len(records) < 2 {
		return nil
	}

	// Records arrive newest first; evaluation runs chronologically.
	chrono := make([]*ProjectionArtifact, 0, len(records))
	for _, r := range records {
		if r.Artifact != nil {
			chrono = append(chrono, r.Artifact)
		}
	}
	sort.Slice(chrono, func(i, j int) bool {
		return chrono[i].CreatedAt.Before(chrono[j].CreatedAt)
	})

	var (
		pairs        int
		tierHits     int
		trendHits    int
		tierVariance float64
		rateVariance float64
	)

	for i, predicted := range chrono {
		truth := groundTruth(chrono, i)
		if truth == nil {
			continue
		}
		pairs++

		predTier := predicted.Projection.ProjectedTier
		actualTier := truth.InputSnapshot.Tier
		if predTier == actualTier {
			tierHits++
		}
		tierVariance += math.Abs(float64(predTier - actualTier))

		if trendAccurate(predicted, truth) {
			trendHits++
		}

		predRate := predicted.Projection.ProjectedRate
		actualRate := reserve.BaseRate(actualTier)
		rateVariance += math.Abs(predRate-actualRate) * 10000
	}

	if pairs == 0 {
		return nil
	}
	return &Accuracy{
		EvaluatedPairs:         pairs,
		TierAccuracyPct:        round2(float64(tierHits) / float64(pairs) * 100),
		TrendAccuracyPct:       round2(float64(trendHits) / float64(pairs) * 100),
		MeanAbsTierVariance:    round2(tierVariance / float64(pairs)),
		MeanAbsRateVarianceBps: round2(rateVariance / float64(pairs)),
	}
}

// groundTruth finds the earliest record at least minEvaluationWindow after
// chrono[i].
func groundTruth(chrono []*ProjectionArtifact, i int) *ProjectionArtifact {
	cutoff := chrono[i].CreatedAt.Add(minEvaluationWindow)
	for _, later := range chrono[i+1:] {
		if !later.CreatedAt.Before(cutoff) {
			return later
		}
	}
	return nil
}

// trendAccurate compares the predicted trend against what happened. A
// DEGRADING prediction also counts as accurate whenever the tier did not
// decrease, even if the observed trend label differs.
// TODO(reservoir#governance): product has not confirmed whether the
// DEGRADING relaxation is intentional; revisit before publishing accuracy
// numbers externally.
func trendAccurate(predicted, truth *ProjectionArtifact) bool {
	if predicted.InputSnapshot.Trend == truth.InputSnapshot.Trend {
		return true
	}
	if predicted.InputSnapshot.Trend == intel.TrendDegrading &&
		truth.InputSnapshot.Tier >= predicted.InputSnapshot.Tier {
		return true
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
