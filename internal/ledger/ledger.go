// Package ledger maintains a signed, append-only history of reserve
// projections per merchant and derives forecast accuracy at read time.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harborpay/reservoir/internal/idgen"
	"github.com/harborpay/reservoir/internal/intel"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/metrics"
	"github.com/harborpay/reservoir/internal/reserve"
	"github.com/harborpay/reservoir/internal/scoring"
	"github.com/harborpay/reservoir/internal/traces"
)

// Artifact versioning. SchemaVersion guards the stored shape; ModelVersion
// identifies the projection model that produced the numbers.
const (
	SchemaVersion = 1
	ModelVersion  = "reserve-v1"
)

// Write reasons.
const (
	ReasonDailyCadence    = "daily_cadence"
	ReasonStateTransition = "state_transition"
)

const appendQueueSize = 256

func ledgerKey(merchantID string) string { return "ledger:" + merchantID }

// InputSnapshot is the merchant state a projection was computed from.
type InputSnapshot struct {
	Tier          int                 `json:"tier"`
	TierLabel     string              `json:"tierLabel"`
	Trend         string              `json:"trend"`
	TierDelta     int                 `json:"tierDelta"`
	PolicySurface intel.PolicySurface `json:"policySurface"`
}

// AppliedConstants pins the model constants in effect at write time so old
// records stay interpretable after the model evolves.
type AppliedConstants struct {
	RateCeiling     float64 `json:"rateCeiling"`
	TrendMultiplier float64 `json:"trendMultiplier"`
	WindowDays      []int   `json:"windowDays"`
}

// ProjectionArtifact is the canonical unit the ledger stores and signs.
type ProjectionArtifact struct {
	ProjectionID     string              `json:"projectionId"`
	MerchantID       string              `json:"merchantId"`
	NormalizedHost   string              `json:"normalizedHost"`
	SchemaVersion    int                 `json:"schemaVersion"`
	ModelVersion     string              `json:"modelVersion"`
	CreatedAt        time.Time           `json:"createdAt"`
	InputSnapshot    InputSnapshot       `json:"inputSnapshot"`
	AppliedConstants AppliedConstants    `json:"appliedConstants"`
	Projection       *reserve.Projection `json:"projection"`
	WriteReason      string              `json:"writeReason"`
}

// Record is a stored artifact with its integrity envelope.
type Record struct {
	Artifact   *ProjectionArtifact `json:"artifact"`
	Hash       string              `json:"hash"`
	Signature  *string             `json:"signature"` // null when signing is unconfigured
	Algorithm  string              `json:"algorithm"`
	AppendedAt time.Time           `json:"appendedAt"`
}

// VerifiedRecord is a Record plus read-time verification results.
// Stored records are never mutated regardless of outcome.
type VerifiedRecord struct {
	Record
	HashValid      bool  `json:"hashValid"`
	SignatureValid *bool `json:"signatureValid"` // null when no secret is available
}

// History is the full read-path response for one merchant.
type History struct {
	Records             []VerifiedRecord `json:"records"`
	Accuracy            *Accuracy        `json:"accuracy,omitempty"`
	ModelVersionChanges int              `json:"modelVersionChanges"`
}

type appendJob struct {
	snapshot   *intel.MerchantSnapshot
	projection *reserve.Projection
}

// Service owns the projection ledger.
type Service struct {
	store  kv.Store
	signer *Signer
	queue  chan appendJob
	now    func() time.Time
}

// NewService creates the ledger service. signer may be nil (degraded mode:
// records carry null signatures). Call Run to start the appender.
func NewService(store kv.Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
		queue:  make(chan appendJob, appendQueueSize),
		now:    time.Now,
	}
}

// Signed reports whether records will carry real signatures.
func (s *Service) Signed() bool { return s.signer != nil }

// Submit queues a projection for a possible append. It never blocks and
// never returns an error: appends are fire-and-forget relative to the
// forecast request. If the queue is full the append is dropped and counted.
func (s *Service) Submit(snapshot *intel.MerchantSnapshot, projection *reserve.Projection) {
	select {
	case s.queue <- appendJob{snapshot: snapshot, projection: projection}:
	default:
		metrics.LedgerAppendsTotal.WithLabelValues("unknown", "dropped").Inc()
	}
}

// Run drains the append queue until ctx is cancelled. Call in a goroutine.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.process(ctx, job)
		}
	}
}

func (s *Service) process(ctx context.Context, job appendJob) {
	merchantID := job.snapshot.MerchantID

	ctx, span := traces.StartSpan(ctx, "ledger.append", traces.MerchantID(merchantID))
	defer span.End()

	reason, write := s.writeReason(ctx, merchantID, job.snapshot)
	if !write {
		metrics.LedgerSkipsTotal.Inc()
		return
	}
	span.SetAttributes(traces.WriteReason(reason))

	artifact := &ProjectionArtifact{
		ProjectionID:   idgen.WithPrefix("proj_"),
		MerchantID:     merchantID,
		NormalizedHost: job.snapshot.NormalizedHost,
		SchemaVersion:  SchemaVersion,
		ModelVersion:   ModelVersion,
		CreatedAt:      s.now().UTC(),
		InputSnapshot: InputSnapshot{
			Tier:          job.snapshot.CurrentRiskTier,
			TierLabel:     scoring.TierLabel(job.snapshot.CurrentRiskTier),
			Trend:         job.snapshot.Trend,
			TierDelta:     job.snapshot.TierDeltaLast,
			PolicySurface: job.snapshot.PolicySurface,
		},
		AppliedConstants: AppliedConstants{
			RateCeiling:     reserve.RateCeiling,
			TrendMultiplier: reserve.TrendMultiplier(job.snapshot.Trend),
			WindowDays:      reserve.WindowDays,
		},
		Projection:  job.projection,
		WriteReason: reason,
	}

	canonical, err := Canonicalize(artifact)
	if err != nil {
		logging.L(ctx).Error("failed to canonicalize projection artifact",
			"merchantId", merchantID, "error", err)
		metrics.LedgerAppendsTotal.WithLabelValues(reason, "error").Inc()
		return
	}

	record := Record{
		Artifact:   artifact,
		Hash:       Hash(canonical),
		Algorithm:  "sha256",
		AppendedAt: s.now().UTC(),
	}
	if s.signer != nil {
		sig := s.signer.Sign(canonical)
		record.Signature = &sig
		record.Algorithm = "hmac-sha256"
	}

	buf, err := json.Marshal(record)
	if err != nil {
		metrics.LedgerAppendsTotal.WithLabelValues(reason, "error").Inc()
		return
	}
	if err := s.store.ListAppend(ctx, ledgerKey(merchantID), buf); err != nil {
		// Soft failure: the forecast already went out.
		logging.L(ctx).Warn("ledger append failed",
			"merchantId", merchantID, "reason", reason, "error", err)
		metrics.LedgerAppendsTotal.WithLabelValues(reason, "error").Inc()
		return
	}
	metrics.LedgerAppendsTotal.WithLabelValues(reason, "ok").Inc()
}

// writeReason evaluates the write trigger against the most recent stored
// record. Returns (reason, true) to write or ("", false) to skip.
func (s *Service) writeReason(ctx context.Context, merchantID string, snapshot *intel.MerchantSnapshot) (string, bool) {
	latest := s.latestRecord(ctx, merchantID)
	if latest == nil {
		return ReasonDailyCadence, true
	}

	prev := latest.Artifact.InputSnapshot
	if prev.Tier != snapshot.CurrentRiskTier ||
		prev.Trend != snapshot.Trend ||
		prev.TierDelta != snapshot.TierDeltaLast {
		return ReasonStateTransition, true
	}

	prevDay := latest.Artifact.CreatedAt.UTC().Truncate(24 * time.Hour)
	today := s.now().UTC().Truncate(24 * time.Hour)
	if !prevDay.Equal(today) {
		return ReasonDailyCadence, true
	}

	return "", false
}

func (s *Service) latestRecord(ctx context.Context, merchantID string) *Record {
	raws, err := s.store.ListRange(ctx, ledgerKey(merchantID))
	if err != nil || len(raws) == 0 {
		return nil
	}
	var r Record
	if err := json.Unmarshal(raws[0], &r); err != nil {
		return nil
	}
	return &r
}

// GetHistory loads and verifies every stored record for a merchant, newest
// first, and derives accuracy over the verified set.
func (s *Service) GetHistory(ctx context.Context, merchantID string) (*History, error) {
	raws, err := s.store.ListRange(ctx, ledgerKey(merchantID))
	if err != nil {
		return nil, err
	}

	records := make([]VerifiedRecord, 0, len(raws))
	for _, raw := range raws {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			logging.L(ctx).Warn("skipping unreadable ledger record",
				"merchantId", merchantID, "error", err)
			continue
		}
		records = append(records, s.verify(r))
	}

	h := &History{
		Records:             records,
		ModelVersionChanges: countModelVersionChanges(records),
	}
	if acc := deriveAccuracy(records); acc != nil {
		h.Accuracy = acc
	}
	return h, nil
}

func (s *Service) verify(r Record) VerifiedRecord {
	v := VerifiedRecord{Record: r}

	canonical, err := Canonicalize(r.Artifact)
	if err != nil {
		metrics.LedgerVerifyFailuresTotal.WithLabelValues("canonicalize").Inc()
		return v
	}

	v.HashValid = Hash(canonical) == r.Hash
	if !v.HashValid {
		metrics.LedgerVerifyFailuresTotal.WithLabelValues("hash").Inc()
	}

	if s.signer != nil {
		valid := r.Signature != nil && s.signer.Verify(canonical, *r.Signature)
		v.SignatureValid = &valid
		if !valid {
			metrics.LedgerVerifyFailuresTotal.WithLabelValues("signature").Inc()
		}
	}
	return v
}

func countModelVersionChanges(records []VerifiedRecord) int {
	changes := 0
	for i := 1; i < len(records); i++ {
		if records[i].Artifact.ModelVersion != records[i-1].Artifact.ModelVersion {
			changes++
		}
	}
	return changes
}
