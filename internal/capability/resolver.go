// Package capability resolves and caches the capabilities granted to each
// integration.
package capability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/addonrt/internal/observability"
	"github.com/pitabwire/addonrt/model"
)

// CacheObserver receives cache hit and miss events. observability.Metrics
// implements it.
type CacheObserver interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type nopCacheObserver struct{}

func (nopCacheObserver) RecordCapabilityCacheHit()  {}
func (nopCacheObserver) RecordCapabilityCacheMiss() {}

type cacheEntry struct {
	caps    model.Capability
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
// Concurrent misses for one integration share a single evaluation.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	observer   CacheObserver
	now        func() time.Time
	flights    singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// epoch changes on every Invalidate so a lookup started before it is
	// not cached.
	epoch map[string]uint64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithObserver reports cache hits and misses to o.
func WithObserver(o CacheObserver) ResolverOption {
	return func(r *Resolver) { r.observer = o }
}

// WithMaxEntries bounds the cache size. Zero means unbounded.
func WithMaxEntries(n int) ResolverOption {
	return func(r *Resolver) { r.maxEntries = n }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		observer:  nopCacheObserver{},
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
		epoch:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the capabilities granted to the integration. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(ctx context.Context, integrationID string) (model.Capability, error) {
	r.mu.RLock()
	entry, ok := r.cache[integrationID]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		r.observer.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.observer.RecordCapabilityCacheMiss()

	v, err, _ := r.flights.Do(integrationID, func() (any, error) {
		return r.evaluate(ctx, integrationID)
	})
	if err != nil {
		return model.CapabilityNone, err
	}
	return v.(model.Capability), nil
}

func (r *Resolver) evaluate(ctx context.Context, integrationID string) (model.Capability, error) {
	r.mu.RLock()
	epoch := r.epoch[integrationID]
	r.mu.RUnlock()

	ctx, span := observability.StartSpan(ctx, "capability.resolve",
		observability.AttrIntegrationID.String(integrationID),
		observability.AttrCacheHit.Bool(false),
	)
	caps, err := r.evaluator.ResolveCapabilities(ctx, integrationID)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.CapabilityNone, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch[integrationID] != epoch {
		return caps, nil
	}
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictExpiredLocked()
		if len(r.cache) >= r.maxEntries {
			r.cache = make(map[string]cacheEntry)
		}
	}
	r.cache[integrationID] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	return caps, nil
}

// Invalidate clears the cached capabilities of one integration.
func (r *Resolver) Invalidate(integrationID string) {
	r.mu.Lock()
	delete(r.cache, integrationID)
	r.epoch[integrationID]++
	r.mu.Unlock()
	r.flights.Forget(integrationID)
}

func (r *Resolver) evictExpiredLocked() {
	now := r.now()
	for id, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, id)
		}
	}
}
