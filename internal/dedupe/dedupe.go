// Package dedupe coalesces concurrent duplicate work onto a single execution.
//
// Deduplication is process-local. When several instances run behind a load
// balancer, each instance deduplicates its own traffic; cross-instance
// coalescing is intentionally out of scope.
package dedupe

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/harborpay/reservoir/internal/metrics"
)

// Service wraps a singleflight group so concurrent calls with the same key
// share one execution and all receive its result.
type Service struct {
	group singleflight.Group
}

// New creates a deduplication service.
func New() *Service {
	return &Service{}
}

// Do executes fn for key, coalescing concurrent callers. The deduped return
// reports whether this caller received a shared result instead of running fn
// itself. The entry is forgotten once fn settles, so later calls run fresh.
func (s *Service) Do(ctx context.Context, key string, fn func() (any, error)) (any, bool, error) {
	executed := false
	v, err, shared := s.group.Do(key, func() (any, error) {
		executed = true
		defer s.group.Forget(key)
		return fn()
	})
	// singleflight marks the result shared for the executing caller too when
	// others coalesced onto it. Only callers that did not run fn are deduped.
	deduped := shared && !executed
	if deduped {
		metrics.DedupedScansTotal.Inc()
	}
	return v, deduped, err
}
