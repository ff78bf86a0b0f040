// Package lease implements checkout.Store on top of any
// storage.LeaseBackend. It owns the policy the lease backends share: when a
// lease counts as lost, how decode failures release the lease, and how a
// record that vanished under a fresh lease is reported.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	"pkt.systems/guildstore/record"
)

// DefaultTTL is the lease duration used when Config.TTL is zero.
const DefaultTTL = 30 * time.Second

// Config wires a lease store.
type Config struct {
	Backend storage.LeaseBackend
	// TTL is requested from the backend on every checkout.
	TTL time.Duration
	// MaxRecordBytes rejects larger payloads as malformed; zero disables.
	MaxRecordBytes int64
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Store is a checkout.Store backed by leases.
type Store struct {
	backend  storage.LeaseBackend
	ttl      time.Duration
	maxBytes int64
	clock    clock.Clock
	logger   pslog.Logger
}

var _ checkout.Store = (*Store)(nil)

// New validates cfg and returns a store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("lease: backend required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("lease: negative ttl %s", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{
		backend:  cfg.Backend,
		ttl:      cfg.TTL,
		maxBytes: cfg.MaxRecordBytes,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
	}, nil
}

// TTL returns the lease duration requested on checkout.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) loggerFor(ctx context.Context) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Checkout acquires a lease on id and decodes the record under it.
func (s *Store) Checkout(ctx context.Context, id record.ID) (checkout.Result, error) {
	logger := s.loggerFor(ctx)
	key := id.Key()
	// The local deadline starts before the request so that it can only be
	// earlier than the backend's.
	deadline := s.clock.Now().Add(s.ttl)
	held, err := s.backend.AcquireLease(ctx, key, s.ttl)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Trace("lease.checkout.not_found", "key", key)
		return checkout.NotFound(), nil
	case errors.Is(err, storage.ErrLeaseHeld):
		logger.Trace("lease.checkout.locked", "key", key)
		return checkout.Locked(), nil
	case err != nil:
		return checkout.Result{}, fmt.Errorf("lease: acquire %s: %w", key, err)
	}

	obj, err := s.backend.ReadLeased(ctx, key, held)
	if err != nil {
		s.releaseQuietly(ctx, key, held)
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("lease.checkout.vanished", "key", key)
			return checkout.NotFound(), nil
		}
		return checkout.Result{}, fmt.Errorf("lease: read %s: %w", key, err)
	}
	if s.maxBytes > 0 && int64(len(obj.Payload)) > s.maxBytes {
		s.releaseQuietly(ctx, key, held)
		return checkout.Result{}, &record.FormatError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(obj.Payload), s.maxBytes)}
	}
	guild, err := record.Decode(obj.Payload)
	if err != nil {
		s.releaseQuietly(ctx, key, held)
		return checkout.Result{}, fmt.Errorf("lease: decode %s: %w", key, err)
	}
	token := checkout.LeaseToken{LeaseID: held.ID, Version: obj.Version, ExpiresAt: deadline}
	logger.Trace("lease.checkout.success", "key", key, "lease_id", held.ID, "version", obj.Version)
	return checkout.Success(checkout.NewHandle(s, id, guild, token)), nil
}

// Return writes the record back when commit is set and the lease is still
// within its deadline, then releases the lease. A commit past the deadline
// fails with checkout.ErrLeaseLost and writes nothing.
func (s *Store) Return(ctx context.Context, h *checkout.Handle, commit bool) error {
	if h == nil {
		return errors.New("lease: nil handle")
	}
	if err := h.Claim(); err != nil {
		return err
	}
	token, ok := h.Token().(checkout.LeaseToken)
	if !ok {
		return checkout.ErrForeignHandle
	}
	key := h.ID().Key()
	held := storage.Lease{ID: token.LeaseID, ExpiresAt: token.ExpiresAt}
	logger := s.loggerFor(ctx)

	var writeErr error
	if commit {
		writeErr = s.write(ctx, key, held, token, h.Guild())
	}
	releaseErr := s.backend.ReleaseLease(ctx, key, held)
	if writeErr != nil {
		if releaseErr != nil {
			logger.Warn("lease.return.release_failed", "key", key, "error", releaseErr)
		}
		return writeErr
	}
	if releaseErr != nil {
		return fmt.Errorf("lease: release %s: %w", key, releaseErr)
	}
	logger.Trace("lease.return.success", "key", key, "commit", commit)
	return nil
}

func (s *Store) write(ctx context.Context, key string, held storage.Lease, token checkout.LeaseToken, guild *record.Guild) error {
	if !s.clock.Now().Before(token.ExpiresAt) {
		return fmt.Errorf("lease: commit %s: lease expired at %s: %w", key, token.ExpiresAt.Format(time.RFC3339Nano), checkout.ErrLeaseLost)
	}
	payload, err := record.Encode(guild)
	if err != nil {
		return fmt.Errorf("lease: encode %s: %w", key, err)
	}
	if err := s.backend.WriteLeased(ctx, key, held, payload, token.Version); err != nil {
		return fmt.Errorf("lease: commit %s: %w", key, err)
	}
	return nil
}

func (s *Store) releaseQuietly(ctx context.Context, key string, held storage.Lease) {
	if err := s.backend.ReleaseLease(ctx, key, held); err != nil {
		s.loggerFor(ctx).Warn("lease.release.error", "key", key, "error", err)
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
