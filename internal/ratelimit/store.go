package ratelimit

import (
	"context"
	"time"
)

// Usage is the state of one key's sliding window after a request was recorded.
type Usage struct {
	// Count includes the request just recorded.
	Count int
	// Oldest is the timestamp of the oldest request still inside the window.
	Oldest time.Time
}

// CounterStore keeps a rolling timestamp log per key. Record must prune
// entries older than the window, append the new timestamp and report the
// result as one atomic operation, so two concurrent requests cannot both
// observe the pre-increment count. Every call is recorded, including calls
// the limiter goes on to reject, so a burst of rejected attempts keeps the
// window full. Shared-store implementations must preserve that behaviour or
// two instances would meter the same origin differently. Implementations
// may be process-local or shared across instances.
type CounterStore interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error)
}
