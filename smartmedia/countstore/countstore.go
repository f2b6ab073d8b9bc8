// Package countstore holds rolling counters used for free-tier admission
// control. Counters expire rather than reset: the first increment arms a
// TTL, and the counter vanishes when it fires.
package countstore

import (
	"context"
	"time"
)

type CountStore interface {
	// GetCount returns the current value of the counter, 0 if absent.
	GetCount(ctx context.Context, name, val string) (int, error)
	// Increment bumps the counter and returns the post-increment value.
	// The ttl is armed only when the increment creates the counter, so a
	// burst of increments shares one expiry window. The increment and
	// expiry arm are atomic with respect to concurrent callers;
	// admission decisions ride on the returned value, and a race here
	// would over-grant free-tier slots.
	Increment(ctx context.Context, name, val string, ttl time.Duration) (int, error)
}

func counterKey(name, val string) string {
	return name + "/" + val
}
