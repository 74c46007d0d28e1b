// Package ratelimit provides token-bucket admission control for the Reservoir API.
//
// Bucket state lives in the key-value store so limits survive restarts and
// are shared when several instances point at the same Postgres. The store is
// best-effort: if it errors, requests are allowed rather than dropped.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborpay/reservoir/internal/auth"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/metrics"
)

// Config configures the admission controller
type Config struct {
	// Capacity is the bucket size (burst allowance)
	Capacity int
	// RefillPerSec is the steady-state refill rate in tokens per second
	RefillPerSec float64
	// Window bounds how long idle bucket state is retained
	Window time.Duration
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the seconds until the next token becomes available.
	// Zero when a token is already available.
	Reset int
}

// bucketState is the persisted form of one caller's bucket.
type bucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"lastRefill"`
}

// Limiter is a kv-backed token bucket limiter.
type Limiter struct {
	cfg   Config
	store kv.Store
	now   func() time.Time
}

// New creates a new limiter backed by the given store.
func New(cfg Config, store kv.Store) *Limiter {
	return &Limiter{cfg: cfg, store: store, now: time.Now}
}

func stateKey(identity string) string {
	return "ratelimit:" + identity
}

// Check performs one admission decision for the given caller identity,
// consuming a token when allowed. State is persisted after every decision,
// including denials, so the refill clock stays accurate.
func (l *Limiter) Check(ctx context.Context, identity string) Result {
	now := l.now()
	state := bucketState{Tokens: float64(l.cfg.Capacity), LastRefill: now}

	raw, found, err := l.store.Get(ctx, stateKey(identity))
	if err != nil {
		// Soft failure: an unreachable store must not take the API down.
		logging.L(ctx).Warn("rate limit state read failed, allowing request",
			"identity", identity, "error", err)
		return Result{Allowed: true, Limit: l.cfg.Capacity, Remaining: l.cfg.Capacity - 1}
	}
	if found {
		if err := json.Unmarshal(raw, &state); err != nil {
			logging.L(ctx).Warn("rate limit state corrupt, resetting bucket",
				"identity", identity, "error", err)
			state = bucketState{Tokens: float64(l.cfg.Capacity), LastRefill: now}
		}
	}

	// Refill based on elapsed time, capped at capacity.
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed > 0 {
		state.Tokens = math.Min(float64(l.cfg.Capacity), state.Tokens+elapsed*l.cfg.RefillPerSec)
	}
	state.LastRefill = now

	res := Result{Limit: l.cfg.Capacity}
	if state.Tokens >= 1 {
		state.Tokens--
		res.Allowed = true
		res.Remaining = int(state.Tokens)
	} else {
		res.Remaining = 0
	}
	// Reset reflects the post-decision bucket so allowed responses advertise
	// when the next token lands too.
	if state.Tokens < 1 {
		res.Reset = int(math.Ceil((1 - state.Tokens) / l.cfg.RefillPerSec))
	}

	l.persist(ctx, identity, state)
	return res
}

// Refund returns one token to the caller's bucket. Used when a request turns
// out to be served from cache and the deployment does not bill cache hits.
func (l *Limiter) Refund(ctx context.Context, identity string) {
	raw, found, err := l.store.Get(ctx, stateKey(identity))
	if err != nil || !found {
		return
	}
	var state bucketState
	if err := json.Unmarshal(raw, &state); err != nil {
		return
	}
	state.Tokens = math.Min(float64(l.cfg.Capacity), state.Tokens+1)
	l.persist(ctx, identity, state)
}

func (l *Limiter) persist(ctx context.Context, identity string, state bucketState) {
	buf, err := json.Marshal(state)
	if err != nil {
		return
	}
	// TTL = window: idle buckets expire back to full capacity.
	if err := l.store.Set(ctx, stateKey(identity), buf, l.cfg.Window); err != nil {
		logging.L(ctx).Warn("rate limit state write failed",
			"identity", identity, "error", err)
	}
}

// Middleware returns a gin middleware enforcing admission control, keyed by
// the resolved API identity with a client-IP fallback.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := auth.RateLimitKey(c)
		res := l.Check(c.Request.Context(), identity)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(res.Reset))

		if !res.Allowed {
			metrics.RateLimitDenialsTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(res.Reset))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     fmt.Sprintf("Too many requests. Retry in %ds.", res.Reset),
				"retry_after": res.Reset,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
