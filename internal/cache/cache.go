// Package cache stores retrieval results by query fingerprint and collapses
// concurrent identical requests into a single backend computation.
//
// Lookups consult a bounded in-process LRU first and an optional shared tier
// (Redis) second. On a miss exactly one computation per key runs; callers
// that arrive while it is in flight wait on it instead of issuing their own.
// The computation is detached from every caller: a caller that gives up
// (timeout, disconnect) stops waiting, but the flight keeps running so the
// remaining waiters and the cache still receive its result.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// DefaultMaxEntries is the local tier capacity used when none is configured.
const DefaultMaxEntries = 1024

// Policy is the per-call slice of the cache configuration. It is taken from
// the configuration snapshot the call started with.
type Policy struct {
	// Enabled turns lookup, storage and sharing on. When false every call
	// runs its own computation.
	Enabled bool

	// TTL is how long a stored result stays valid. Zero stores nothing.
	TTL time.Duration

	// FlightTimeout bounds a detached computation. Zero means unbounded.
	FlightTimeout time.Duration
}

// ComputeFunc produces the result for a missing key. The context it receives
// is not tied to any single caller.
type ComputeFunc func(ctx context.Context) (*rag.RetrievalResult, error)

// SharedTier is a second-level store shared between processes.
// Implementations report a miss as (nil, false, nil).
type SharedTier interface {
	Get(ctx context.Context, key string) (*rag.RetrievalResult, bool, error)
	Set(ctx context.Context, key string, value *rag.RetrievalResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Purge(ctx context.Context) error
}

// entry is one locally cached result.
type entry struct {
	value     *rag.RetrievalResult
	expiresAt time.Time
}

// Cache is safe for concurrent use. Returned results are shared between
// callers and with the cache itself and must be treated as read-only.
type Cache struct {
	local   *lru.Cache[string, entry]
	group   singleflight.Group
	shared  SharedTier
	metrics *metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithSharedTier adds a shared second-level store.
func WithSharedTier(t SharedTier) Option {
	return func(c *Cache) { c.shared = t }
}

// WithRegisterer registers the cache metrics against reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics = newMetrics(reg) }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a Cache holding at most maxEntries results locally.
func New(maxEntries int, opts ...Option) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	local, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: create lru: %w", err)
	}
	c := &Cache{local: local, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(prometheus.NewRegistry())
	}
	return c, nil
}

// GetOrCompute returns the cached result for key, or computes it. ctx bounds
// only how long this caller waits; it never cancels the computation.
func (c *Cache) GetOrCompute(ctx context.Context, key string, policy Policy, compute ComputeFunc) (*rag.RetrievalResult, error) {
	if !policy.Enabled {
		c.metrics.lookups.WithLabelValues(resultBypass).Inc()
		return c.await(ctx, key, c.runDetached(ctx, policy, compute))
	}

	if v, ok := c.lookupLocal(key); ok {
		c.metrics.lookups.WithLabelValues(resultHit).Inc()
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.fill(ctx, key, policy, compute)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.sharedResults.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rag.RetrievalResult), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("cache: waiting for %s: %w", shortKey(key), ctx.Err())
	}
}

// fill runs as the single flight for key. It re-checks the local tier, then
// the shared tier, then computes and stores.
func (c *Cache) fill(ctx context.Context, key string, policy Policy, compute ComputeFunc) (any, error) {
	if v, ok := c.lookupLocal(key); ok {
		c.metrics.lookups.WithLabelValues(resultHit).Inc()
		return v, nil
	}

	flightCtx, cancel := c.flightContext(ctx, policy)
	defer cancel()

	if v, ok := c.lookupShared(flightCtx, key); ok {
		c.metrics.lookups.WithLabelValues(resultSharedHit).Inc()
		c.storeLocal(key, v, policy.TTL)
		return v, nil
	}

	c.metrics.lookups.WithLabelValues(resultMiss).Inc()
	c.metrics.flights.Inc()
	v, err := safeCompute(flightCtx, compute)
	if err != nil {
		return nil, err
	}

	c.storeLocal(key, v, policy.TTL)
	c.storeShared(flightCtx, key, v, policy.TTL)
	return v, nil
}

// flightResult carries a detached computation's outcome.
type flightResult struct {
	val *rag.RetrievalResult
	err error
}

// runDetached starts an unshared compute on a context detached from ctx and
// returns the channel its result is delivered on.
func (c *Cache) runDetached(ctx context.Context, policy Policy, compute ComputeFunc) <-chan flightResult {
	ch := make(chan flightResult, 1)
	go func() {
		flightCtx, cancel := c.flightContext(ctx, policy)
		defer cancel()
		c.metrics.flights.Inc()
		v, err := safeCompute(flightCtx, compute)
		ch <- flightResult{val: v, err: err}
	}()
	return ch
}

func (c *Cache) await(ctx context.Context, key string, ch <-chan flightResult) (*rag.RetrievalResult, error) {
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("cache: waiting for %s: %w", shortKey(key), ctx.Err())
	}
}

// flightContext detaches from the caller but keeps its values (logger,
// request id) and applies the flight budget.
func (c *Cache) flightContext(ctx context.Context, policy Policy) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if policy.FlightTimeout > 0 {
		return context.WithTimeout(detached, policy.FlightTimeout)
	}
	return context.WithCancel(detached)
}

func (c *Cache) lookupLocal(key string) (*rag.RetrievalResult, bool) {
	e, ok := c.local.Get(key)
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) storeLocal(key string, v *rag.RetrievalResult, ttl time.Duration) {
	if ttl <= 0 || v == nil {
		return
	}
	c.local.Add(key, entry{value: v, expiresAt: c.now().Add(ttl)})
}

func (c *Cache) lookupShared(ctx context.Context, key string) (*rag.RetrievalResult, bool) {
	if c.shared == nil {
		return nil, false
	}
	v, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.metrics.sharedErrors.WithLabelValues("get").Inc()
		logging.FromContext(ctx).Warn("cache: shared tier lookup failed", slog.String("key", shortKey(key)), slog.Any("error", err))
		return nil, false
	}
	return v, ok
}

func (c *Cache) storeShared(ctx context.Context, key string, v *rag.RetrievalResult, ttl time.Duration) {
	if c.shared == nil || ttl <= 0 {
		return
	}
	if err := c.shared.Set(ctx, key, v, ttl); err != nil {
		c.metrics.sharedErrors.WithLabelValues("set").Inc()
		logging.FromContext(ctx).Warn("cache: shared tier store failed", slog.String("key", shortKey(key)), slog.Any("error", err))
	}
}

// Invalidate drops key from both tiers. A flight already running for key is
// not affected and will store its result when it finishes.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.local.Remove(key)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate shared tier: %w", err)
	}
	return nil
}

// Purge drops every entry from both tiers, e.g. after a reindex.
func (c *Cache) Purge(ctx context.Context) error {
	c.local.Purge()
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Purge(ctx); err != nil {
		return fmt.Errorf("cache: purge shared tier: %w", err)
	}
	return nil
}

// Len reports the number of locally held entries, including expired ones not
// yet evicted.
func (c *Cache) Len() int { return c.local.Len() }

// safeCompute converts a panic in compute into an error so it reaches every
// waiter instead of crashing the flight goroutine.
func safeCompute(ctx context.Context, compute ComputeFunc) (v *rag.RetrievalResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("cache: compute panicked: %v", r)
		}
	}()
	return compute(ctx)
}

// shortKey abbreviates a fingerprint for logs and errors.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
