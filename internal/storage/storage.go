// Package storage holds the contract shared by the lease-based record
// backends (memory, S3, AWS, Azure) and helpers they have in common.
package storage

import (
	"context"
	"errors"
	"time"

	"pkt.systems/guildstore/checkout"
)

// ContentTypeJSON is the content type stored records carry.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates the record object does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrLeaseHeld indicates another holder has an unexpired lease.
	ErrLeaseHeld = errors.New("storage: lease held")
	// ErrLeaseLost is checkout.ErrLeaseLost so callers above the storage
	// layer can match a single sentinel.
	ErrLeaseLost = checkout.ErrLeaseLost
	// ErrTooLarge indicates a record payload above the configured bound.
	ErrTooLarge = errors.New("storage: record too large")
)

// Lease identifies a held lease on one key.
type Lease struct {
	ID string
	// ExpiresAt is the backend's own expiry for the lease.
	ExpiresAt time.Time
}

// Object is a record payload together with the backend version observed
// when it was read.
type Object struct {
	Payload []byte
	Version string
}

// LeaseBackend is implemented by every backend that protects a record with
// a time-bounded lease instead of an OS lock.
//
// AcquireLease returns ErrNotFound when the record does not exist and
// ErrLeaseHeld when another holder has it. WriteLeased and ReadLeased
// return ErrLeaseLost once the lease no longer belongs to the caller.
// WriteLeased must not overwrite a record whose version no longer matches
// the one read under the lease.
type LeaseBackend interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	ReadLeased(ctx context.Context, key string, lease Lease) (Object, error)
	WriteLeased(ctx context.Context, key string, lease Lease, payload []byte, version string) error
	ReleaseLease(ctx context.Context, key string, lease Lease) error
	Close() error
}

// KeyWithPrefix joins an optional object prefix and a record key.
func KeyWithPrefix(prefix, key string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	for len(prefix) > 0 && prefix[0] == '/' {
		prefix = prefix[1:]
	}
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
