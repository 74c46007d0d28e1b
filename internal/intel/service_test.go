package intel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/harborpay/reservoir/internal/dedupe"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/scoring"
	"github.com/harborpay/reservoir/internal/ssrf"
)

type fakeResolver struct{}

func (fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

// newTestService builds a service whose outbound fetches land on ts while
// every hostname resolves as public.
func newTestService(t *testing.T, ts *httptest.Server, cacheTTL time.Duration) (*Service, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(store.Stop)

	u, _ := url.Parse(ts.URL)
	guard := ssrf.New(store, 5*time.Second, 3).
		WithResolver(fakeResolver{}).
		WithTransport(&http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial(network, u.Host)
			},
		})

	svc := NewService(store, guard, dedupe.New(), scoring.NewEngine(nil), cacheTTL)
	return svc, store
}

func policyPage() string {
	return strings.Repeat(
		"terms of service terms and conditions privacy policy privacy notice "+
			"refund policy return policy contact us customer support ", 30)
}

func TestScanProducesReportAndSnapshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, policyPage())
	}))
	defer ts.Close()

	svc, _ := newTestService(t, ts, time.Minute)

	outcome, err := svc.Scan(context.Background(), ScanRequest{
		URL:       "http://merchant.test/",
		Industry:  "apparel",
		Processor: "stripe",
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if outcome.CacheHit || outcome.Deduped {
		t.Error("First scan should be fresh")
	}
	if outcome.Report.Source != SourceFresh {
		t.Errorf("Source = %q, want fresh", outcome.Report.Source)
	}
	if outcome.Report.Result.Tier != scoring.TierLow {
		t.Errorf("Tier = %d, want %d", outcome.Report.Result.Tier, scoring.TierLow)
	}

	snap := outcome.Snapshot
	if snap.ScanCount != 1 {
		t.Errorf("ScanCount = %d, want 1", snap.ScanCount)
	}
	if snap.TierDeltaLast != 0 {
		t.Errorf("First scan delta = %d, want 0", snap.TierDeltaLast)
	}
	if snap.Trend != TrendStable {
		t.Errorf("First scan trend = %q, want STABLE", snap.Trend)
	}
	if snap.NormalizedHost != "merchant.test" {
		t.Errorf("NormalizedHost = %q", snap.NormalizedHost)
	}
	if sum := snap.PolicySurface.Present + snap.PolicySurface.Weak + snap.PolicySurface.Missing; sum != 4 {
		t.Errorf("Policy surface sums to %d, want 4", sum)
	}
}

func TestScanCacheHit(t *testing.T) {
	fetches := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		fmt.Fprint(w, policyPage())
	}))
	defer ts.Close()

	svc, _ := newTestService(t, ts, time.Minute)
	ctx := context.Background()
	req := ScanRequest{URL: "http://merchant.test/", Industry: "apparel", Processor: "stripe"}

	if _, err := svc.Scan(ctx, req); err != nil {
		t.Fatal(err)
	}
	second, err := svc.Scan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if !second.CacheHit {
		t.Error("Second scan should be a cache hit")
	}
	if second.Report.Source != SourceCache {
		t.Errorf("Cached report source = %q, want cache", second.Report.Source)
	}
	if fetches != 1 {
		t.Errorf("Upstream fetched %d times, want 1", fetches)
	}
}

func TestCacheHitStillAppendsReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, policyPage())
	}))
	defer ts.Close()

	svc, _ := newTestService(t, ts, time.Minute)
	ctx := context.Background()
	req := ScanRequest{URL: "http://merchant.test/", Industry: "apparel", Processor: "stripe"}

	first, err := svc.Scan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Scan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Report.ID == first.Report.ID {
		t.Error("Cache-served scan should get its own report id")
	}

	// One report per scan, newest first: the cache-served one leads.
	reports, err := svc.Reports(ctx, "merchant.test", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("Got %d reports, want 2", len(reports))
	}
	if reports[0].Source != SourceCache || reports[1].Source != SourceFresh {
		t.Errorf("Report sources = [%s %s], want [cache fresh]", reports[0].Source, reports[1].Source)
	}
}

func TestCorruptCacheEntryTreatedAsMiss(t *testing.T) {
	fetches := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		fmt.Fprint(w, policyPage())
	}))
	defer ts.Close()

	svc, store := newTestService(t, ts, time.Minute)
	ctx := context.Background()
	merchantID := MerchantID("merchant.test")

	// An entry that unmarshals but carries no report must not be served.
	if err := store.Set(ctx, cacheKey(merchantID), []byte(`{}`), time.Minute); err != nil {
		t.Fatal(err)
	}

	outcome, err := svc.Scan(ctx, ScanRequest{URL: "http://merchant.test/"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.CacheHit {
		t.Error("Incomplete cache entry should not be a hit")
	}
	if fetches != 1 {
		t.Errorf("Upstream fetched %d times, want 1", fetches)
	}
}

func TestSnapshotTrendTracksTierChanges(t *testing.T) {
	// Switch the served page between scans so the tier moves.
	page := policyPage()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer ts.Close()

	// No caching so each scan is fresh.
	svc, _ := newTestService(t, ts, 0)
	ctx := context.Background()
	req := ScanRequest{URL: "http://merchant.test/", Industry: "apparel", Processor: "stripe"}

	first, err := svc.Scan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Snapshot.CurrentRiskTier != scoring.TierLow {
		t.Fatalf("Setup: first tier = %d", first.Snapshot.CurrentRiskTier)
	}

	// Degrade: strip all policy content.
	page = "hello"
	second, err := svc.Scan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Snapshot.TierDeltaLast <= 0 {
		t.Errorf("Delta = %d, want positive after degradation", second.Snapshot.TierDeltaLast)
	}
	if second.Snapshot.Trend != TrendDegrading {
		t.Errorf("Trend = %q, want DEGRADING", second.Snapshot.Trend)
	}
	if second.Snapshot.ScanCount != 2 {
		t.Errorf("ScanCount = %d, want 2", second.Snapshot.ScanCount)
	}

	// Recover: restore the policy page.
	page = policyPage()
	third, err := svc.Scan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if third.Snapshot.TierDeltaLast >= 0 {
		t.Errorf("Delta = %d, want negative after recovery", third.Snapshot.TierDeltaLast)
	}
	if third.Snapshot.Trend != TrendImproving {
		t.Errorf("Trend = %q, want IMPROVING", third.Snapshot.Trend)
	}
}

func TestScanRejectsBlockedHost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	svc, _ := newTestService(t, ts, time.Minute)

	if _, err := svc.Scan(context.Background(), ScanRequest{URL: "http://169.254.169.254/"}); err == nil {
		t.Error("Metadata endpoint scan should fail")
	}
}

func TestGetSnapshotUnknownMerchant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	svc, _ := newTestService(t, ts, time.Minute)

	if _, err := svc.GetSnapshot(context.Background(), "never-scanned.example"); err != ErrUnknownMerchant {
		t.Errorf("Expected ErrUnknownMerchant, got %v", err)
	}
}

func TestReportsNewestFirst(t *testing.T) {
	page := policyPage()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer ts.Close()

	svc, _ := newTestService(t, ts, 0)
	ctx := context.Background()
	req := ScanRequest{URL: "http://merchant.test/", Industry: "apparel", Processor: "stripe"}

	svc.Scan(ctx, req)
	page = "hello"
	svc.Scan(ctx, req)

	reports, err := svc.Reports(ctx, "merchant.test", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("Got %d reports, want 2", len(reports))
	}
	// Newest first: the degraded scan comes before the clean one.
	if reports[0].Result.Tier <= reports[1].Result.Tier {
		t.Errorf("Reports out of order: tiers %d, %d", reports[0].Result.Tier, reports[1].Result.Tier)
	}
}

func TestMerchantIDStableAcrossHostVariants(t *testing.T) {
	a := MerchantID("www.Example.com")
	b := MerchantID("example.com:443")
	c := MerchantID("example.com")
	if a != c || b != c {
		t.Errorf("Host variants should share one merchant ID: %s %s %s", a, b, c)
	}
	if !strings.HasPrefix(c, "mrc_") || len(c) != len("mrc_")+16 {
		t.Errorf("Unexpected merchant ID shape: %s", c)
	}
}
