package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is the process-local CounterStore. Timestamp logs live in a
// TTL cache so abandoned keys age out on their own; the mutex makes each
// Record call atomic.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryStore constructs a memory store whose idle keys expire after
// maxWindow.
func NewMemoryStore(maxWindow time.Duration) *MemoryStore {
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	return &MemoryStore{
		cache: gocache.New(maxWindow, 2*maxWindow),
	}
}

// Record implements CounterStore.
func (s *MemoryStore) Record(_ context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stamps []time.Time
	if cached, found := s.cache.Get(key); found {
		if existing, ok := cached.([]time.Time); ok {
			stamps = existing
		}
	}

	cutoff := now.Add(-window)
	pruned := stamps[:0]
	for _, stamp := range stamps {
		if stamp.After(cutoff) {
			pruned = append(pruned, stamp)
		}
	}
	pruned = append(pruned, now)
	s.cache.Set(key, pruned, window)

	return Usage{Count: len(pruned), Oldest: pruned[0]}, nil
}
