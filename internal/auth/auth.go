// Package auth provides API authentication for Reservoir.
//
// Authentication model:
// - Scan endpoint: API key optional; anonymous callers are identified by IP
//   for rate limiting
// - Forecast and ledger endpoints: require a key with projection access
// - Keys are opaque strings configured at deploy time; handlers only consume
//   the resolved Identity, never the raw credential
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

const identityContextKey = "auth.identity"

// Identity is the resolved caller identity attached to a request.
type Identity struct {
	// Key is a stable non-secret identifier for the credential
	// (hash prefix, never the raw key). Used as the rate-limit bucket key.
	Key string

	// HasProjectionAccess grants the forecast and ledger endpoints.
	HasProjectionAccess bool
}

// AccessProvider resolves a raw credential into an Identity.
type AccessProvider interface {
	Resolve(ctx context.Context, rawKey string) (*Identity, error)
}

// StaticProvider resolves keys against lists fixed at construction.
// Comparison is constant-time against the SHA-256 of each configured key.
type StaticProvider struct {
	keys map[string]*Identity // by key hash
}

// NewStaticProvider builds a provider from configured key lists.
// Every projection key is also a valid API key.
func NewStaticProvider(apiKeys, projectionKeys []string) *StaticProvider {
	p := &StaticProvider{keys: make(map[string]*Identity)}
	for _, k := range apiKeys {
		h := hashKey(k)
		p.keys[h] = &Identity{Key: "key_" + h[:12]}
	}
	for _, k := range projectionKeys {
		h := hashKey(k)
		p.keys[h] = &Identity{Key: "key_" + h[:12], HasProjectionAccess: true}
	}
	return p
}

// Resolve validates a raw key and returns its identity.
func (p *StaticProvider) Resolve(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	hash := hashKey(rawKey)
	for stored, id := range p.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			return id, nil
		}
	}
	return nil, ErrInvalidAPIKey
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// extractKey pulls the credential from the Authorization header or
// X-API-Key, in that order.
func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// Middleware resolves the caller identity when a credential is present and
// attaches it to the request context. A missing credential passes through
// as anonymous; an invalid one is rejected outright.
func Middleware(provider AccessProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := extractKey(c)
		if rawKey == "" {
			c.Next()
			return
		}

		identity, err := provider.Resolve(c.Request.Context(), rawKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_api_key",
				"message": "the provided API key is not recognized",
			})
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// RequireProjectionAccess rejects requests whose identity lacks projection
// access. Must run after Middleware.
func RequireProjectionAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := FromContext(c)
		if identity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "this endpoint requires an API key",
			})
			return
		}
		if !identity.HasProjectionAccess {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "projection_access_required",
				"message": "this API key does not grant projection access",
			})
			return
		}
		c.Next()
	}
}

// FromContext returns the resolved identity for the request, or nil for
// anonymous callers.
func FromContext(c *gin.Context) *Identity {
	if v, ok := c.Get(identityContextKey); ok {
		if id, ok := v.(*Identity); ok {
			return id
		}
	}
	return nil
}

// RateLimitKey returns the admission-control bucket key for a request:
// the credential identity when present, the client IP otherwise.
func RateLimitKey(c *gin.Context) string {
	if id := FromContext(c); id != nil {
		return id.Key
	}
	return "ip_" + c.ClientIP()
}
