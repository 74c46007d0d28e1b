package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harborpay/reservoir/internal/intel"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/reserve"
)

func newTestService(t *testing.T, secret string) (*Service, *kv.MemoryStore, *time.Time) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(store.Stop)

	s := NewService(store, NewSigner(secret))
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, store, &now
}

func testSnapshot(tier, delta int, trend string) *intel.MerchantSnapshot {
	return &intel.MerchantSnapshot{
		MerchantID:      "mrc_ledgertest",
		NormalizedHost:  "merchant.example",
		CurrentRiskTier: tier,
		TierDeltaLast:   delta,
		Trend:           trend,
		PolicySurface:   intel.PolicySurface{Present: 4},
	}
}

// submit pushes one projection through the appender synchronously.
func submit(s *Service, snap *intel.MerchantSnapshot) {
	s.process(context.Background(), appendJob{
		snapshot:   snap,
		projection: reserve.Project(snap, nil),
	})
}

func TestFirstWriteIsDailyCadence(t *testing.T) {
	s, _, _ := newTestService(t, "secret")
	submit(s, testSnapshot(3, 0, intel.TrendStable))

	h, err := s.GetHistory(context.Background(), "mrc_ledgertest")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Records) != 1 {
		t.Fatalf("Got %d records, want 1", len(h.Records))
	}
	if h.Records[0].Artifact.WriteReason != ReasonDailyCadence {
		t.Errorf("WriteReason = %q, want daily_cadence", h.Records[0].Artifact.WriteReason)
	}
}

func TestUnchangedStateSameDaySkips(t *testing.T) {
	s, _, now := newTestService(t, "secret")
	snap := testSnapshot(3, 0, intel.TrendStable)

	submit(s, snap)
	*now = now.Add(2 * time.Hour)
	submit(s, snap)

	h, _ := s.GetHistory(context.Background(), "mrc_ledgertest")
	if len(h.Records) != 1 {
		t.Errorf("Same-day unchanged state should write once, got %d records", len(h.Records))
	}
}

func TestTierChangeWritesStateTransition(t *testing.T) {
	s, _, now := newTestService(t, "secret")

	submit(s, testSnapshot(3, 0, intel.TrendStable))
	*now = now.Add(time.Hour)
	submit(s, testSnapshot(4, 1, intel.TrendDegrading))

	h, _ := s.GetHistory(context.Background(), "mrc_ledgertest")
	if len(h.Records) != 2 {
		t.Fatalf("Got %d records, want 2", len(h.Records))
	}
	// Newest first.
	if h.Records[0].Artifact.WriteReason != ReasonStateTransition {
		t.Errorf("WriteReason = %q, want state_transition", h.Records[0].Artifact.WriteReason)
	}
}

func TestNewUTCDayWritesDailyCadence(t *testing.T) {
	s, _, now := newTestService(t, "secret")
	snap := testSnapshot(3, 0, intel.TrendStable)

	submit(s, snap)
	*now = now.Add(24 * time.Hour)
	submit(s, snap)

	h, _ := s.GetHistory(context.Background(), "mrc_ledgertest")
	if len(h.Records) != 2 {
		t.Fatalf("Got %d records, want 2", len(h.Records))
	}
	if h.Records[0].Artifact.WriteReason != ReasonDailyCadence {
		t.Errorf("WriteReason = %q, want daily_cadence", h.Records[0].Artifact.WriteReason)
	}
}

func TestRecordsVerifyCleanly(t *testing.T) {
	s, _, _ := newTestService(t, "secret")
	submit(s, testSnapshot(3, 1, intel.TrendDegrading))

	h, _ := s.GetHistory(context.Background(), "mrc_ledgertest")
	r := h.Records[0]
	if !r.HashValid {
		t.Error("Fresh record should have a valid hash")
	}
	if r.SignatureValid == nil || !*r.SignatureValid {
		t.Error("Fresh record should have a valid signature")
	}
	if r.Signature == nil || *r.Signature == "" {
		t.Error("Signed service should store a signature")
	}
}

func TestDegradedModeNullSignature(t *testing.T) {
	s, _, _ := newTestService(t, "")
	submit(s, testSnapshot(3, 0, intel.TrendStable))

	h, _ := s.GetHistory(context.Background(), "mrc_ledgertest")
	r := h.Records[0]
	if r.Signature != nil {
		t.Error("Unsigned service should store a null signature")
	}
	if r.SignatureValid != nil {
		t.Error("SignatureValid should be null when no secret is available")
	}
	if !r.HashValid {
		t.Error("Hash verification is independent of signing")
	}
}

func TestTamperedRecordDetected(t *testing.T) {
	s, store, _ := newTestService(t, "secret")
	submit(s, testSnapshot(3, 0, intel.TrendStable))

	// Tamper with the stored artifact directly.
	ctx := context.Background()
	raws, _ := store.ListRange(ctx, ledgerKey("mrc_ledgertest"))
	var r Record
	if err := json.Unmarshal(raws[0], &r); err != nil {
		t.Fatal(err)
	}
	r.Artifact.InputSnapshot.Tier = 1
	tampered, _ := json.Marshal(r)
	store.ListAppend(ctx, ledgerKey("mrc_tampered"), tampered)

	h, _ := s.GetHistory(ctx, "mrc_tampered")
	v := h.Records[0]
	if v.HashValid {
		t.Error("Tampered artifact should fail hash verification")
	}
	if v.SignatureValid == nil || *v.SignatureValid {
		t.Error("Tampered artifact should fail signature verification")
	}
}

func TestSubmitNeverBlocks(t *testing.T) {
	s, _, _ := newTestService(t, "")
	snap := testSnapshot(2, 0, intel.TrendStable)
	proj := reserve.Project(snap, nil)

	// Nothing drains the queue; overfilling must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < appendQueueSize+10; i++ {
			s.Submit(snap, proj)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}

func TestRunDrainsQueue(t *testing.T) {
	s, _, _ := newTestService(t, "secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	snap := testSnapshot(3, 0, intel.TrendStable)
	s.Submit(snap, reserve.Project(snap, nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := s.GetHistory(context.Background(), "mrc_ledgertest")
		if err == nil && len(h.Records) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Appender did not process the submitted projection")
}

func TestModelVersionChanges(t *testing.T) {
	s, store, _ := newTestService(t, "")
	submit(s, testSnapshot(3, 0, intel.TrendStable))

	// Simulate a record written by an older model.
	ctx := context.Background()
	raws, _ := store.ListRange(ctx, ledgerKey("mrc_ledgertest"))
	var r Record
	json.Unmarshal(raws[0], &r)
	r.Artifact.ModelVersion = "reserve-v0"
	old, _ := json.Marshal(r)
	store.ListAppend(ctx, ledgerKey("mrc_ledgertest"), old)

	h, _ := s.GetHistory(ctx, "mrc_ledgertest")
	if h.ModelVersionChanges != 1 {
		t.Errorf("ModelVersionChanges = %d, want 1", h.ModelVersionChanges)
	}
}
