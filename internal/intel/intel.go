// Package intel persists merchant scan reports and maintains a rolling
// per-merchant risk snapshot.
package intel

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/harborpay/reservoir/internal/scoring"
	"github.com/harborpay/reservoir/internal/validation"
)

// Trend directions for a merchant's risk tier over time.
const (
	TrendDegrading = "DEGRADING"
	TrendStable    = "STABLE"
	TrendImproving = "IMPROVING"
)

// Report sources.
const (
	SourceFresh = "fresh"
	SourceCache = "cache"
)

// PolicySurface counts the detection state of the four policy categories.
// Present + Weak + Missing always equals the category count.
type PolicySurface struct {
	Present int `json:"present"`
	Weak    int `json:"weak"`
	Missing int `json:"missing"`
}

// MerchantSnapshot is the rolling risk state for one merchant, updated on
// every fresh scan.
type MerchantSnapshot struct {
	MerchantID      string        `json:"merchantId"`
	NormalizedHost  string        `json:"normalizedHost"`
	ScanCount       int           `json:"scanCount"`
	LastScanAt      time.Time     `json:"lastScanAt"`
	CurrentRiskTier int           `json:"currentRiskTier"`
	TierDeltaLast   int           `json:"tierDeltaLast"` // tier change vs previous scan
	Trend           string        `json:"trend"`
	PolicySurface   PolicySurface `json:"policySurface"`
}

// StoredRiskReport is one immutable scan record.
type StoredRiskReport struct {
	ID         string          `json:"id"`
	MerchantID string          `json:"merchantId"`
	CreatedAt  time.Time       `json:"createdAt"`
	TraceID    string          `json:"traceId,omitempty"`
	Result     *scoring.Result `json:"result"`
	Source     string          `json:"source"`
}

// MerchantID derives the stable merchant identifier from a hostname.
// The host is normalized first so www/case/port variants collapse to one
// merchant.
func MerchantID(host string) string {
	normalized := validation.NormalizeHost(host)
	sum := sha256.Sum256([]byte(normalized))
	return "mrc_" + hex.EncodeToString(sum[:])[:16]
}

// trendFor returns the trend matching a tier delta. The trend sign always
// agrees with the delta sign: a rising tier is degrading risk.
func trendFor(delta int) string {
	switch {
	case delta > 0:
		return TrendDegrading
	case delta < 0:
		return TrendImproving
	default:
		return TrendStable
	}
}

// surfaceFrom counts category states out of a scoring result.
func surfaceFrom(result *scoring.Result) PolicySurface {
	var s PolicySurface
	for _, p := range result.Policies {
		switch p.State {
		case scoring.PolicyPresent:
			s.Present++
		case scoring.PolicyWeak:
			s.Weak++
		default:
			s.Missing++
		}
	}
	return s
}
