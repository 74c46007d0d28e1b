package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/harborpay/reservoir/internal/dedupe"
	"github.com/harborpay/reservoir/internal/idgen"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/metrics"
	"github.com/harborpay/reservoir/internal/scoring"
	"github.com/harborpay/reservoir/internal/ssrf"
	"github.com/harborpay/reservoir/internal/traces"
	"github.com/harborpay/reservoir/internal/validation"
)

// ErrUnknownMerchant is returned when no snapshot exists for a host.
var ErrUnknownMerchant = errors.New("merchant has never been scanned")

func snapshotKey(merchantID string) string { return "intel:snapshot:" + merchantID }
func reportsKey(merchantID string) string  { return "intel:reports:" + merchantID }
func cacheKey(merchantID string) string    { return "intel:cache:" + merchantID }

// ScanRequest is one scan invocation.
type ScanRequest struct {
	URL       string
	Industry  string
	Processor string
	TraceID   string
}

// ScanOutcome is the result of a scan plus how it was served.
type ScanOutcome struct {
	Report   *StoredRiskReport `json:"report"`
	Snapshot *MerchantSnapshot `json:"snapshot"`
	CacheHit bool              `json:"-"`
	Deduped  bool              `json:"-"`
}

// Service orchestrates scans and owns merchant persistence.
type Service struct {
	store    kv.Store
	guard    *ssrf.Guard
	dedupe   *dedupe.Service
	engine   *scoring.Engine
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService wires the scan pipeline.
func NewService(store kv.Store, guard *ssrf.Guard, d *dedupe.Service, engine *scoring.Engine, cacheTTL time.Duration) *Service {
	return &Service{
		store:    store,
		guard:    guard,
		dedupe:   d,
		engine:   engine,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Scan runs the pipeline for one merchant URL: cache check, deduplicated
// fetch, scoring, persistence, snapshot update.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (*ScanOutcome, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid merchant URL")
	}
	host := validation.NormalizeHost(u.Hostname())
	merchantID := MerchantID(host)

	ctx, span := traces.StartSpan(ctx, "intel.Scan", traces.MerchantID(merchantID), traces.Host(host))
	defer span.End()

	// Serve from the response cache when fresh enough.
	if cached := s.cachedOutcome(ctx, merchantID); cached != nil {
		metrics.ScansTotal.WithLabelValues(SourceCache).Inc()
		cached.CacheHit = true
		s.recordCacheHit(ctx, req, merchantID, cached)
		span.SetAttributes(traces.RiskTier(cached.Report.Result.Tier))
		return cached, nil
	}

	// Coalesce concurrent scans of the same merchant.
	v, deduped, err := s.dedupe.Do(ctx, merchantID, func() (any, error) {
		return s.freshScan(ctx, req, host, merchantID)
	})
	if err != nil {
		return nil, err
	}

	outcome := v.(*ScanOutcome)
	span.SetAttributes(traces.RiskTier(outcome.Report.Result.Tier))
	if deduped {
		// Shared result: hand each caller its own copy with the flag set.
		shared := *outcome
		shared.Deduped = true
		return &shared, nil
	}
	return outcome, nil
}

func (s *Service) cachedOutcome(ctx context.Context, merchantID string) *ScanOutcome {
	raw, found, err := s.store.Get(ctx, cacheKey(merchantID))
	if err != nil || !found {
		return nil
	}
	var outcome ScanOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil || outcome.Report == nil || outcome.Report.Result == nil {
		// Unreadable or incomplete entries are treated as misses.
		logging.L(ctx).Warn("scan cache entry corrupt", "merchantId", merchantID, "error", err)
		return nil
	}
	return &outcome
}

// recordCacheHit replaces the cached outcome's report with a fresh envelope
// marked as cache-served and appends it to the audit trail. Every scan leaves
// a report, regardless of how it was answered.
func (s *Service) recordCacheHit(ctx context.Context, req ScanRequest, merchantID string, cached *ScanOutcome) {
	report := &StoredRiskReport{
		ID:         idgen.WithPrefix("rpt_"),
		MerchantID: merchantID,
		CreatedAt:  s.now().UTC(),
		TraceID:    req.TraceID,
		Result:     cached.Report.Result,
		Source:     SourceCache,
	}
	cached.Report = report

	if buf, err := json.Marshal(report); err == nil {
		if err := s.store.ListAppend(ctx, reportsKey(merchantID), buf); err != nil {
			logging.L(ctx).Warn("failed to append risk report", "merchantId", merchantID, "error", err)
		}
	}
}

func (s *Service) freshScan(ctx context.Context, req ScanRequest, host, merchantID string) (*ScanOutcome, error) {
	start := s.now()

	body, _, err := s.guard.SafeFetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	result := s.engine.Score(ctx, scoring.Input{
		Text:      string(body),
		Industry:  req.Industry,
		Processor: req.Processor,
	})

	report := &StoredRiskReport{
		ID:         idgen.WithPrefix("rpt_"),
		MerchantID: merchantID,
		CreatedAt:  s.now().UTC(),
		TraceID:    req.TraceID,
		Result:     result,
		Source:     SourceFresh,
	}

	snapshot, err := s.updateSnapshot(ctx, host, merchantID, result)
	if err != nil {
		return nil, fmt.Errorf("updating snapshot: %w", err)
	}

	if buf, err := json.Marshal(report); err == nil {
		if err := s.store.ListAppend(ctx, reportsKey(merchantID), buf); err != nil {
			// Reports are an audit trail; losing one append is logged, not fatal.
			logging.L(ctx).Warn("failed to append risk report", "merchantId", merchantID, "error", err)
		}
	}

	outcome := &ScanOutcome{Report: report, Snapshot: snapshot}
	// cacheTTL 0 disables response caching (a ttl-less Set would never expire).
	if buf, err := json.Marshal(outcome); err == nil && s.cacheTTL > 0 {
		if err := s.store.Set(ctx, cacheKey(merchantID), buf, s.cacheTTL); err != nil {
			logging.L(ctx).Warn("failed to cache scan outcome", "merchantId", merchantID, "error", err)
		}
	}

	metrics.ScansTotal.WithLabelValues(SourceFresh).Inc()
	metrics.ScanDuration.Observe(s.now().Sub(start).Seconds())
	return outcome, nil
}

// updateSnapshot folds a fresh scoring result into the merchant's snapshot.
func (s *Service) updateSnapshot(ctx context.Context, host, merchantID string, result *scoring.Result) (*MerchantSnapshot, error) {
	snapshot := &MerchantSnapshot{
		MerchantID:     merchantID,
		NormalizedHost: host,
	}
	prevTier := 0

	raw, found, err := s.store.Get(ctx, snapshotKey(merchantID))
	if err != nil {
		return nil, err
	}
	if found {
		if err := json.Unmarshal(raw, snapshot); err != nil {
			return nil, fmt.Errorf("snapshot corrupt for %s: %w", merchantID, err)
		}
		prevTier = snapshot.CurrentRiskTier
	}

	snapshot.ScanCount++
	snapshot.LastScanAt = s.now().UTC()
	snapshot.CurrentRiskTier = result.Tier
	if prevTier == 0 {
		snapshot.TierDeltaLast = 0
	} else {
		snapshot.TierDeltaLast = result.Tier - prevTier
	}
	snapshot.Trend = trendFor(snapshot.TierDeltaLast)
	snapshot.PolicySurface = surfaceFrom(result)

	buf, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, snapshotKey(merchantID), buf, 0); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// GetSnapshot loads the snapshot for a host.
func (s *Service) GetSnapshot(ctx context.Context, host string) (*MerchantSnapshot, error) {
	merchantID := MerchantID(host)

	raw, found, err := s.store.Get(ctx, snapshotKey(merchantID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownMerchant
	}

	var snapshot MerchantSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("snapshot corrupt for %s: %w", merchantID, err)
	}
	return &snapshot, nil
}

// Reports returns the stored scan reports for a host, newest first.
func (s *Service) Reports(ctx context.Context, host string, limit int) ([]*StoredRiskReport, error) {
	merchantID := MerchantID(host)

	raws, err := s.store.ListRange(ctx, reportsKey(merchantID))
	if err != nil {
		return nil, err
	}

	reports := make([]*StoredRiskReport, 0, len(raws))
	for _, raw := range raws {
		var r StoredRiskReport
		if err := json.Unmarshal(raw, &r); err != nil {
			logging.L(ctx).Warn("skipping corrupt risk report", "merchantId", merchantID, "error", err)
			continue
		}
		reports = append(reports, &r)
		if limit > 0 && len(reports) == limit {
			break
		}
	}
	return reports, nil
}
