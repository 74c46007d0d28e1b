package ledger

import (
	"testing"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": nil}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":{"y":null,"z":true}}`
	if string(got) != want {
		t.Errorf("Canonical form = %s, want %s", got, want)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	artifact := &ProjectionArtifact{
		ProjectionID: "proj_abc",
		MerchantID:   "mrc_123",
		ModelVersion: ModelVersion,
	}
	first, err := Canonicalize(artifact)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Canonicalize(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("Canonicalization is not deterministic")
	}
}

func TestCanonicalizePreservesNumbers(t *testing.T) {
	// Float formatting must not drift through the decode/encode round trip.
	got, err := Canonicalize(map[string]any{"rate": 0.225, "bps": 6750})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"bps":6750,"rate":0.225}`
	if string(got) != want {
		t.Errorf("Canonical form = %s, want %s", got, want)
	}
}

func TestMutationChangesHash(t *testing.T) {
	a := map[string]any{"tier": 3, "trend": "STABLE"}
	b := map[string]any{"tier": 4, "trend": "STABLE"}

	ca, _ := Canonicalize(a)
	cb, _ := Canonicalize(b)
	if Hash(ca) == Hash(cb) {
		t.Error("Different payloads must hash differently")
	}
}

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("test-secret")
	canonical := []byte(`{"a":1}`)

	sig := s.Sign(canonical)
	if sig == "" {
		t.Fatal("Expected a signature")
	}
	if !s.Verify(canonical, sig) {
		t.Error("Signature should verify")
	}
	if s.Verify([]byte(`{"a":2}`), sig) {
		t.Error("Signature must not verify against different bytes")
	}
	if NewSigner("other-secret").Verify(canonical, sig) {
		t.Error("Signature must not verify under a different secret")
	}
}

func TestNilSignerIsDisabled(t *testing.T) {
	s := NewSigner("")
	if s != nil {
		t.Fatal("Empty secret should yield a nil signer")
	}
	if got := s.Sign([]byte("x")); got != "" {
		t.Errorf("Nil signer Sign = %q, want empty", got)
	}
	if s.Verify([]byte("x"), "sig") {
		t.Error("Nil signer must never verify")
	}
}
