package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type manualClock struct {
	current time.Time
}

func (c *manualClock) Now() time.Time {
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type failingStore struct{}

func (failingStore) Record(context.Context, string, time.Time, time.Duration) (Usage, error) {
	return Usage{}, errors.New("store unreachable")
}

func newTestLimiter(t *testing.T, max int) (*Limiter, *manualClock) {
	t.Helper()
	clock := &manualClock{current: time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)}
	limiter, err := New(Config{
		Scope:  "submit",
		Window: time.Hour,
		Max:    max,
		Store:  NewMemoryStore(time.Hour),
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected limiter construction error: %v", err)
	}
	return limiter, clock
}

func TestLimiterRejectsRequestOverCeiling(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3)

	for attempt := 0; attempt < 3; attempt++ {
		decision := limiter.Allow(context.Background(), "origin-1")
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", attempt+1)
		}
	}

	decision := limiter.Allow(context.Background(), "origin-1")
	if decision.Allowed {
		t.Fatalf("request over the ceiling must be rejected")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > time.Hour {
		t.Fatalf("unexpected retry-after: %v", decision.RetryAfter)
	}
}

func TestLimiterAllowsFullBudgetAcrossSeparateWindows(t *testing.T) {
	limiter, clock := newTestLimiter(t, 3)

	for attempt := 0; attempt < 3; attempt++ {
		if decision := limiter.Allow(context.Background(), "origin-1"); !decision.Allowed {
			t.Fatalf("first-window request %d should be allowed", attempt+1)
		}
	}

	clock.Advance(time.Hour + time.Minute)

	for attempt := 0; attempt < 3; attempt++ {
		if decision := limiter.Allow(context.Background(), "origin-1"); !decision.Allowed {
			t.Fatalf("second-window request %d should be allowed", attempt+1)
		}
	}
}

func TestLimiterKeysOriginsIndependently(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)

	if decision := limiter.Allow(context.Background(), "origin-1"); !decision.Allowed {
		t.Fatalf("first origin should be allowed")
	}
	if decision := limiter.Allow(context.Background(), "origin-2"); !decision.Allowed {
		t.Fatalf("a second origin must have its own budget")
	}
	if decision := limiter.Allow(context.Background(), "origin-1"); decision.Allowed {
		t.Fatalf("first origin exhausted its budget")
	}
}

func TestScopesCountIndependentlyOnSharedStore(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	clock := &manualClock{current: time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)}

	submit, err := New(Config{Scope: "submit", Window: time.Hour, Max: 1, Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected limiter construction error: %v", err)
	}
	vote, err := New(Config{Scope: "vote", Window: time.Hour, Max: 1, Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected limiter construction error: %v", err)
	}

	if decision := submit.Allow(context.Background(), "origin-1"); !decision.Allowed {
		t.Fatalf("submit scope should start with budget")
	}
	if decision := vote.Allow(context.Background(), "origin-1"); !decision.Allowed {
		t.Fatalf("vote scope must not share the submit budget")
	}
}

func TestLimiterFailsOpenWhenStoreUnavailable(t *testing.T) {
	limiter, err := New(Config{
		Scope:  "submit",
		Window: time.Hour,
		Max:    1,
		Store:  failingStore{},
	})
	if err != nil {
		t.Fatalf("unexpected limiter construction error: %v", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		decision := limiter.Allow(context.Background(), "origin-1")
		if !decision.Allowed {
			t.Fatalf("limiter must fail open when its store is down")
		}
		if !decision.Degraded {
			t.Fatalf("fail-open decisions must be marked degraded")
		}
	}
}

func TestRejectedAttemptsKeepTheWindowFull(t *testing.T) {
	limiter, clock := newTestLimiter(t, 2)

	for attempt := 0; attempt < 4; attempt++ {
		limiter.Allow(context.Background(), "origin-1")
	}

	// Half an hour later the two original entries are still inside the
	// window together with the rejected attempts.
	clock.Advance(30 * time.Minute)
	if decision := limiter.Allow(context.Background(), "origin-1"); decision.Allowed {
		t.Fatalf("hammering client must stay rejected until its window drains")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Scope: "submit", Window: time.Hour, Max: 1}); err == nil {
		t.Fatalf("expected missing store rejection")
	}
	if _, err := New(Config{Window: time.Hour, Max: 1, Store: NewMemoryStore(time.Hour)}); err == nil {
		t.Fatalf("expected missing scope rejection")
	}
	if _, err := New(Config{Scope: "submit", Window: 0, Max: 1, Store: NewMemoryStore(time.Hour)}); err == nil {
		t.Fatalf("expected bad window rejection")
	}
}
