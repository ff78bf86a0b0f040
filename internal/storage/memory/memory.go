// Package memory is an in-process lease backend for local development and
// tests. Lease expiry follows the configured clock.
package memory

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	"pkt.systems/guildstore/internal/uuidv7"
)

// Config configures the in-memory store behaviour.
type Config struct {
	Clock clock.Clock
}

// Store implements storage.LeaseBackend in memory.
type Store struct {
	mu    sync.Mutex
	objs  map[string]*objectEntry
	clock clock.Clock
}

type objectEntry struct {
	payload []byte
	version uint64
	lease   storage.Lease
}

var _ storage.LeaseBackend = (*Store)(nil)

// New returns an empty store on the real clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		objs:  make(map[string]*objectEntry),
		clock: clock.Or(cfg.Clock),
	}
}

// Put creates or overwrites key regardless of any lease. It stands in for
// the external provisioning that creates records.
func (s *Store) Put(key string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok {
		entry = &objectEntry{}
		s.objs[key] = entry
	}
	entry.payload = bytes.Clone(payload)
	entry.version++
}

// Get returns a copy of the stored payload.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(entry.payload), true
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objs, key)
}

// AcquireLease grants a lease when none is active on key.
func (s *Store) AcquireLease(_ context.Context, key string, ttl time.Duration) (storage.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.Lease{}, storage.ErrNotFound
	}
	now := s.clock.Now()
	if entry.lease.ID != "" && now.Before(entry.lease.ExpiresAt) {
		return storage.Lease{}, storage.ErrLeaseHeld
	}
	entry.lease = storage.Lease{ID: uuidv7.NewString(), ExpiresAt: now.Add(ttl)}
	return entry.lease, nil
}

// ReadLeased returns the payload while lease is still the current one.
func (s *Store) ReadLeased(_ context.Context, key string, lease storage.Lease) (storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	if entry.lease.ID != lease.ID {
		return storage.Object{}, storage.ErrLeaseLost
	}
	return storage.Object{
		Payload: bytes.Clone(entry.payload),
		Version: strconv.FormatUint(entry.version, 10),
	}, nil
}

// WriteLeased overwrites key if lease is current and unexpired and the
// record is still at version.
func (s *Store) WriteLeased(_ context.Context, key string, lease storage.Lease, payload []byte, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok {
		// never recreate a record removed while leased
		return storage.ErrLeaseLost
	}
	if entry.lease.ID != lease.ID || !s.clock.Now().Before(entry.lease.ExpiresAt) {
		return storage.ErrLeaseLost
	}
	if version != "" && strconv.FormatUint(entry.version, 10) != version {
		return storage.ErrLeaseLost
	}
	entry.payload = bytes.Clone(payload)
	entry.version++
	return nil
}

// ReleaseLease clears the lease if the caller still holds it.
func (s *Store) ReleaseLease(_ context.Context, key string, lease storage.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok || entry.lease.ID != lease.ID {
		return nil
	}
	entry.lease = storage.Lease{}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
