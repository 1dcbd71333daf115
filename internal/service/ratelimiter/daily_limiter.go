// Package ratelimiter enforces per-principal daily chat ceilings.
//
// The hot path is a process-local cache; Redis is the durable store that
// survives restarts. Every increment is written through, and any Redis
// failure silently degrades the limiter to cache-only mode.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/observability"
)

// Limits holds the daily ceilings per access class. Admin and enterprise
// principals bypass the counter entirely.
type Limits struct {
	Pro   int
	Free  int
	Guest int
}

// DefaultLimits mirrors the configured platform constants.
var DefaultLimits = Limits{Pro: 1000, Free: 100, Guest: 20}

const unbounded = -1

type entry struct {
	count   int64
	resetAt time.Time
	touched time.Time

	// persistMu serializes durable writes for this entry.
	persistMu sync.Mutex
}

// DailyLimiter counts chat turns per principal per UTC day.
type DailyLimiter struct {
	mu     sync.Mutex
	cache  map[string]*entry
	rdb    *redis.Client
	limits Limits

	cacheCap   int
	sweepEvery time.Duration

	now    func() time.Time
	stopCh chan struct{}
	stopMu sync.Once
}

// Option configures a DailyLimiter.
type Option func(*DailyLimiter)

// WithClock overrides the limiter's clock; tests use this to cross the
// UTC-midnight boundary deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *DailyLimiter) { l.now = now }
}

// WithCacheCap overrides the cache capacity.
func WithCacheCap(n int) Option {
	return func(l *DailyLimiter) { l.cacheCap = n }
}

// WithSweepInterval overrides the periodic sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(l *DailyLimiter) { l.sweepEvery = d }
}

// New constructs a DailyLimiter. rdb may be nil; the limiter then runs
// cache-only and entries do not survive restarts.
func New(rdb *redis.Client, limits Limits, opts ...Option) *DailyLimiter {
	l := &DailyLimiter{
		cache:      make(map[string]*entry),
		rdb:        rdb,
		limits:     limits,
		cacheCap:   10000,
		sweepEvery: 60 * time.Second,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start launches the periodic cache sweep.
func (l *DailyLimiter) Start() {
	go func() {
		t := time.NewTicker(l.sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-t.C:
				l.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (l *DailyLimiter) Stop() {
	l.stopMu.Do(func() { close(l.stopCh) })
}

func (l *DailyLimiter) limitFor(role domain.Role, tier domain.Tier) int {
	if role == domain.RoleAdmin || tier == domain.TierEnterprise {
		return unbounded
	}
	switch {
	case tier == domain.TierPro:
		return l.limits.Pro
	case role == domain.RoleGuest:
		return l.limits.Guest
	default:
		return l.limits.Free
	}
}

// nextUTCMidnight returns the next day boundary after now.
func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// Check increments the counter for key and returns *domain.RateLimitedError
// when the post-increment count exceeds the principal's daily limit.
// Persistence to the durable store is awaited; its failures are swallowed.
func (l *DailyLimiter) Check(ctx context.Context, key string, role domain.Role, tier domain.Tier) error {
	return l.check(ctx, key, role, tier, true)
}

// CheckNoWait is Check with fire-and-forget persistence, for callers that
// must not block on the durable store.
func (l *DailyLimiter) CheckNoWait(ctx context.Context, key string, role domain.Role, tier domain.Tier) error {
	return l.check(ctx, key, role, tier, false)
}

func (l *DailyLimiter) check(ctx context.Context, key string, role domain.Role, tier domain.Tier, await bool) error {
	limit := l.limitFor(role, tier)
	if limit == unbounded {
		return nil
	}

	now := l.now()

	l.mu.Lock()
	e, ok := l.cache[key]
	if ok && !e.resetAt.After(now) {
		delete(l.cache, key)
		ok = false
	}
	if !ok {
		e = l.load(ctx, key, now)
		l.cache[key] = e
	}
	e.count++
	e.touched = now
	count := e.count
	resetAt := e.resetAt
	l.mu.Unlock()

	persist := func() { l.persist(context.WithoutCancel(ctx), key, e) }
	if await {
		persist()
	} else {
		go persist()
	}

	if count > int64(limit) {
		observability.RateLimitRejectionsTotal.Inc()
		retry := int(resetAt.Sub(now).Seconds())
		if retry < 0 {
			retry = 0
		}
		return &domain.RateLimitedError{Limit: limit, RetryAfterSeconds: retry}
	}
	return nil
}

// load consults the durable store for an existing, unexpired row. Any failure
// falls back to a fresh entry.
func (l *DailyLimiter) load(ctx context.Context, key string, now time.Time) *entry {
	e := &entry{resetAt: nextUTCMidnight(now), touched: now}
	if l.rdb == nil {
		return e
	}
	count, err := l.rdb.Get(ctx, redisKey(key)).Int64()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("rate limiter durable read failed; cache-only", slog.String("key", key), slog.Any("error", err))
		}
		return e
	}
	ttl, err := l.rdb.TTL(ctx, redisKey(key)).Result()
	if err != nil || ttl <= 0 {
		return e
	}
	e.count = count
	e.resetAt = now.Add(ttl)
	return e
}

// persist writes the entry's count through to the durable store. Writers for
// one entry serialize and snapshot the count at write time, so concurrent
// checks cannot land a stale count over a newer one.
func (l *DailyLimiter) persist(ctx context.Context, key string, e *entry) {
	if l.rdb == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	l.mu.Lock()
	count := e.count
	resetAt := e.resetAt
	l.mu.Unlock()

	if err := l.rdb.Set(ctx, redisKey(key), count, time.Until(resetAt)).Err(); err != nil {
		slog.Debug("rate limiter durable write failed; cache-only", slog.String("key", key), slog.Any("error", err))
	}
}

func redisKey(key string) string { return "chatlimit:" + key }

// sweep evicts expired entries and, when the cache exceeds its cap, drops the
// least recently touched entries. Redis expiry handles the durable sweep.
func (l *DailyLimiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, e := range l.cache {
		if !e.resetAt.After(now) {
			delete(l.cache, k)
		}
	}
	for len(l.cache) > l.cacheCap {
		oldestKey := ""
		var oldest time.Time
		for k, e := range l.cache {
			if oldestKey == "" || e.touched.Before(oldest) {
				oldestKey, oldest = k, e.touched
			}
		}
		delete(l.cache, oldestKey)
	}
}

// Snapshot returns the live count for key, for stats endpoints and tests.
func (l *DailyLimiter) Snapshot(key string) (count int64, resetAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, found := l.cache[key]
	if !found {
		return 0, time.Time{}, false
	}
	return e.count, e.resetAt, true
}
