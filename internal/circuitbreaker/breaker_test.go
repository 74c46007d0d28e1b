package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	key := "merchant.example"

	for i := 0; i < 2; i++ {
		b.RecordFailure(key)
		if !b.Allow(key) {
			t.Fatalf("Should still be closed after %d failures", i+1)
		}
	}

	b.RecordFailure(key)
	if b.Allow(key) {
		t.Error("Should be open after threshold failures")
	}
	if b.State(key) != StateOpen {
		t.Errorf("Expected open, got %s", b.State(key))
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	key := "flaky.example"

	b.RecordFailure(key)
	if b.Allow(key) {
		t.Fatal("Should be open")
	}

	time.Sleep(30 * time.Millisecond)

	// First request after cooldown is the probe.
	if !b.Allow(key) {
		t.Fatal("Should allow one probe after open duration")
	}
	if b.State(key) != StateHalfOpen {
		t.Errorf("Expected half_open, got %s", b.State(key))
	}

	// Concurrent requests during the probe are rejected.
	if b.Allow(key) {
		t.Error("Should reject while probing")
	}

	b.RecordSuccess(key)
	if b.State(key) != StateClosed {
		t.Errorf("Successful probe should close circuit, got %s", b.State(key))
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	key := "still-down.example"

	b.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	if !b.Allow(key) {
		t.Fatal("Should allow probe")
	}
	b.RecordFailure(key)

	if b.State(key) != StateOpen {
		t.Errorf("Failed probe should reopen circuit, got %s", b.State(key))
	}
}

func TestBreakerUnknownKeyIsClosed(t *testing.T) {
	b := New(5, time.Minute)
	if !b.Allow("never-seen") {
		t.Error("Unknown keys should be allowed")
	}
	if b.State("never-seen") != StateClosed {
		t.Error("Unknown keys should report closed")
	}
}
