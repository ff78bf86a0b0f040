package guildstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/svcfields"
	"pkt.systems/guildstore/record"
)

// ErrNoChange may be returned by an Update mutator to release the record
// without writing it.
var ErrNoChange = record.ErrNoChange

// Service is the composition root command handlers talk to: one store, one
// read-through projection of guild snapshots, and the invalidation contract
// tying writes to the cache.
type Service struct {
	cfg        Config
	store      checkout.Store
	projection *Projection[record.Snapshot]
	clock      clock.Clock
	logger     pslog.Logger
	metricsReg metric.Registration
}

// New opens the configured store (unless WithStore supplies one) and wires
// the snapshot projection.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(cfg, opts...)
		if err != nil {
			return nil, err
		}
	}
	logger := svcfields.WithSubsystem(o.logger, svcfields.Cache)
	s := &Service{
		cfg:   cfg,
		store: store,
		projection: NewProjection(store, func(_ record.ID, g *record.Guild) (record.Snapshot, error) {
			return g.Snapshot(), nil
		}, ProjectionConfig{
			TTL:      cfg.CacheTTL,
			Capacity: cfg.CacheCapacity,
			Clock:    o.clock,
			Logger:   logger,
		}),
		clock:  o.clock,
		logger: o.logger,
	}
	s.registerMetrics()
	return s, nil
}

// Config returns the validated configuration.
func (s *Service) Config() Config { return s.cfg }

// Store exposes the underlying store for callers that need raw checkouts.
func (s *Service) Store() checkout.Store { return s.store }

// Checkout performs a single non-blocking checkout.
func (s *Service) Checkout(ctx context.Context, id record.ID) (checkout.Result, error) {
	return s.store.Checkout(ctx, id)
}

// WaitForCheckout retries a Locked record for up to maxWait.
func (s *Service) WaitForCheckout(ctx context.Context, id record.ID, maxWait time.Duration) (checkout.Result, error) {
	return checkout.WaitForCheckout(ctx, s.store, id, maxWait, s.waitOptions(ctx)...)
}

// View returns the guild's snapshot through the read-through cache.
func (s *Service) View(ctx context.Context, id record.ID) (record.Snapshot, checkout.Status, error) {
	return s.projection.Get(ctx, id)
}

// Update checks the record out (waiting up to Config.MaxWait while it is
// locked), applies mutate and commits. The cached snapshot is dropped
// before Update reports success. If mutate fails, or returns ErrNoChange,
// nothing is written.
func (s *Service) Update(ctx context.Context, id record.ID, mutate func(*record.Guild) error) (record.Snapshot, checkout.Status, error) {
	var snap record.Snapshot
	noChange := false
	status, err := checkout.Borrow(ctx, s.store, id, s.cfg.CheckoutWait(), func(h *checkout.Handle) error {
		if err := mutate(h.Guild()); err != nil {
			if errors.Is(err, ErrNoChange) {
				noChange = true
				h.Discard()
				snap = h.Guild().Snapshot()
				return nil
			}
			return err
		}
		snap = h.Guild().Snapshot()
		return nil
	}, s.waitOptions(ctx)...)
	if err != nil {
		if status == checkout.StatusSuccess {
			// A failed commit may still have reached storage.
			s.projection.Invalidate(id)
		}
		return record.Snapshot{}, status, err
	}
	if status != checkout.StatusSuccess {
		return record.Snapshot{}, status, nil
	}
	if !noChange {
		s.projection.Invalidate(id)
		s.loggerFor(ctx).Debug("guild.update.committed", "guild", id.String())
	}
	return snap, status, nil
}

// Invalidate drops the cached snapshot for id.
func (s *Service) Invalidate(id record.ID) {
	s.projection.Invalidate(id)
}

// CacheStats reports read-through cache hits and misses.
func (s *Service) CacheStats() (hits, misses uint64) {
	return s.projection.Stats()
}

// Close stops the cache and closes the store.
func (s *Service) Close() error {
	if s.metricsReg != nil {
		_ = s.metricsReg.Unregister()
	}
	s.projection.Close()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (s *Service) loggerFor(ctx context.Context) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

func (s *Service) waitOptions(ctx context.Context) []checkout.WaitOption {
	return []checkout.WaitOption{
		checkout.WithClock(s.clock),
		checkout.WithLogger(s.loggerFor(ctx)),
	}
}

func (s *Service) registerMetrics() {
	meter := otel.Meter("pkt.systems/guildstore/cache")
	hits, err := meter.Int64ObservableCounter(
		"guildstore.cache.hits",
		metric.WithDescription("Read-through cache hits"),
	)
	if err != nil {
		s.logger.Warn("telemetry.metric.init_failed", "name", "guildstore.cache.hits", "error", err)
		return
	}
	misses, err := meter.Int64ObservableCounter(
		"guildstore.cache.misses",
		metric.WithDescription("Read-through cache misses"),
	)
	if err != nil {
		s.logger.Warn("telemetry.metric.init_failed", "name", "guildstore.cache.misses", "error", err)
		return
	}
	entries, err := meter.Int64ObservableGauge(
		"guildstore.cache.entries",
		metric.WithDescription("Cached guild snapshots"),
	)
	if err != nil {
		s.logger.Warn("telemetry.metric.init_failed", "name", "guildstore.cache.entries", "error", err)
		return
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h, m := s.projection.Stats()
		o.ObserveInt64(hits, int64(h))
		o.ObserveInt64(misses, int64(m))
		o.ObserveInt64(entries, int64(s.projection.Len()))
		return nil
	}, hits, misses, entries)
	if err != nil {
		s.logger.Warn("telemetry.metric.callback_failed", "name", "guildstore.cache", "error", err)
		return
	}
	s.metricsReg = reg
}
