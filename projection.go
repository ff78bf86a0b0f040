package guildstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/cache"
	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/record"
)

// ProjectionFunc derives the cached value from a checked out record. It
// must not retain g.
type ProjectionFunc[V any] func(id record.ID, g *record.Guild) (V, error)

// ProjectionConfig configures a Projection.
type ProjectionConfig struct {
	// TTL is how long a populated value is served; defaults to DefaultCacheTTL.
	TTL time.Duration
	// Capacity caps cached ids; zero is unbounded.
	Capacity uint64
	Clock    checkout.Clock
	Logger   pslog.Logger
}

// Projection serves read-mostly lookups from a cache and populates misses
// through a read-only checkout. Readers bypass the record lock once a value
// is cached; staleness is bounded by the TTL and by Invalidate calls from
// writers.
type Projection[V any] struct {
	store   checkout.Store
	project ProjectionFunc[V]
	cache   *cache.Cache[record.ID, V]
	ttl     time.Duration
	logger  pslog.Logger
}

// NewProjection builds a read-through projection over store.
func NewProjection[V any](store checkout.Store, project ProjectionFunc[V], cfg ProjectionConfig) *Projection[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var clk clock.Clock = clock.Real{}
	if cfg.Clock != nil {
		clk = cfg.Clock
	}
	return &Projection[V]{
		store:   store,
		project: project,
		cache:   cache.New[record.ID, V](cache.Options{Capacity: cfg.Capacity, Clock: clk}),
		ttl:     cfg.TTL,
		logger:  logger,
	}
}

// Get returns the cached value for id, or checks the record out with
// commit disabled, projects it and caches the result. NotFound and Locked
// are reported through the status and never cached.
func (p *Projection[V]) Get(ctx context.Context, id record.ID) (V, checkout.Status, error) {
	var zero V
	if v, ok := p.cache.TryGet(id); ok {
		return v, checkout.StatusSuccess, nil
	}
	logger := p.logger
	if l := pslog.LoggerFromContext(ctx); l != nil {
		logger = l
	}
	res, err := p.store.Checkout(ctx, id)
	if err != nil {
		return zero, 0, fmt.Errorf("projection %s: %w", id, err)
	}
	h, ok := res.Handle()
	if !ok {
		logger.Debug("projection.populate.skipped", "guild", id.String(), "status", res.Status().String())
		return zero, res.Status(), nil
	}
	h.Discard()
	v, projErr := p.project(id, h.Guild())
	if projErr != nil {
		if err := h.Release(ctx); err != nil {
			return zero, 0, errors.Join(fmt.Errorf("projection %s: %w", id, projErr), fmt.Errorf("projection %s: release: %w", id, err))
		}
		return zero, 0, fmt.Errorf("projection %s: %w", id, projErr)
	}
	// Filled while the record is still held so a writer's Invalidate always
	// lands after it.
	p.cache.Set(id, v, p.ttl)
	if err := h.Release(ctx); err != nil {
		p.cache.Remove(id)
		return zero, 0, fmt.Errorf("projection %s: release: %w", id, err)
	}
	logger.Trace("projection.populate.success", "guild", id.String(), "ttl", p.ttl)
	return v, checkout.StatusSuccess, nil
}

// Invalidate drops the cached value for id. Writers call it after every
// successful commit.
func (p *Projection[V]) Invalidate(id record.ID) {
	p.cache.Remove(id)
}

// Put replaces the cached value for id, e.g. with the state a writer just
// committed.
func (p *Projection[V]) Put(id record.ID, v V) {
	p.cache.Set(id, v, p.ttl)
}

// Stats reports cache hits and misses since construction.
func (p *Projection[V]) Stats() (hits, misses uint64) {
	return p.cache.Stats()
}

// Len reports the number of cached ids.
func (p *Projection[V]) Len() int { return p.cache.Len() }

// Close stops the cache's expiry loop. It does not close the store.
func (p *Projection[V]) Close() {
	p.cache.Close()
}
