package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer signs canonical projection payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates an HMAC signer. If secret is empty, signing is disabled
// and the returned signer is nil; records then carry a null signature.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign computes HMAC-SHA256 over already-canonical bytes.
func (s *Signer) Sign(canonical []byte) string {
	if s == nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature over canonical bytes in constant time.
func (s *Signer) Verify(canonical []byte, signature string) bool {
	if s == nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Hash returns the SHA-256 of canonical bytes, hex encoded.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
