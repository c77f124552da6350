package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("ratelimit: counter store is required")
	errMissingScope = errors.New("ratelimit: scope name is required")
	errBadWindow    = errors.New("ratelimit: window and max must be positive")
)

// Decision reports the limiter's verdict for one request.
type Decision struct {
	Allowed bool
	// Remaining is the number of further requests the key may make inside
	// the current window.
	Remaining int
	// RetryAfter is how long a rejected caller should wait before retrying.
	RetryAfter time.Duration
	// Degraded marks a fail-open decision taken because the backing store
	// was unreachable.
	Degraded bool
}

// Config describes one limited scope.
type Config struct {
	// Scope names the limited operation, e.g. "submit" or "vote". It
	// prefixes every store key so scopes count independently.
	Scope  string
	Window time.Duration
	Max    int
	Store  CounterStore
	Logger *zap.Logger
	Clock  func() time.Time
}

// Limiter is a sliding-window counter keyed by origin fingerprint. Recording
// happens before the comparison, so racing requests over-count rather than
// slip under the ceiling; rejected attempts also count, which keeps a
// hammering client rejected until its window genuinely drains.
type Limiter struct {
	scope  string
	window time.Duration
	max    int
	store  CounterStore
	logger *zap.Logger
	clock  func() time.Time
}

// New validates configuration and constructs a limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Scope == "" {
		return nil, errMissingScope
	}
	if cfg.Window <= 0 || cfg.Max <= 0 {
		return nil, errBadWindow
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Limiter{
		scope:  cfg.Scope,
		window: cfg.Window,
		max:    cfg.Max,
		store:  cfg.Store,
		logger: logger,
		clock:  clock,
	}, nil
}

// Scope returns the limiter's scope name.
func (l *Limiter) Scope() string {
	return l.scope
}

// Allow records the request against the fingerprint's window and decides. A
// store failure fails open: blocking all traffic because the counter backend
// is down would turn an infrastructure fault into an outage.
func (l *Limiter) Allow(ctx context.Context, fingerprint string) Decision {
	now := l.clock()
	usage, err := l.store.Record(ctx, l.scope+":"+fingerprint, now, l.window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			zap.String("scope", l.scope),
			zap.Error(err))
		return Decision{Allowed: true, Remaining: l.max, Degraded: true}
	}

	if usage.Count > l.max {
		retryAfter := usage.Oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	return Decision{Allowed: true, Remaining: l.max - usage.Count}
}
