// Package idempotency deduplicates at-least-once deliveries.
//
// The guard is a single map-space on the shared cluster holding recently
// seen event IDs with a TTL. Consumers call TryProcess at the top of every
// listener invocation; only the first caller for an ID proceeds.
package idempotency

import (
	"context"
	"time"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
)

// DefaultTTL is how long a seen event ID is retained.
const DefaultTTL = time.Hour

// Guard is the shared deduplication set.
type Guard struct {
	m       grid.Map
	ttl     time.Duration
	metrics observability.Recorder
}

// New creates a guard over the given shared map.
// Zero ttl uses DefaultTTL.
func New(m grid.Map, ttl time.Duration, metrics observability.Recorder) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if metrics == nil {
		metrics = observability.Noop{}
	}
	return &Guard{m: m, ttl: ttl, metrics: metrics}
}

// TryProcess records eventID atomically and reports whether the caller was
// first. A false return means the delivery is a duplicate and must be
// skipped.
func (g *Guard) TryProcess(ctx context.Context, eventID string) (bool, error) {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	first, err := g.m.PutIfAbsent(ctx, eventID, stamp, g.ttl)
	if err != nil {
		return false, gserrors.GridUnavailable("idempotency check", err)
	}
	if first {
		g.metrics.IdempotencyCheck(ctx, "first")
	} else {
		g.metrics.IdempotencyCheck(ctx, "hit")
	}
	return first, nil
}
