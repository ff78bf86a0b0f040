// Package checkout defines exclusive record checkout: the Store contract
// every backend implements, the borrowed Handle, and the bounded retry
// helpers built on top of them.
package checkout

import (
	"context"
	"errors"
	"os"
	"time"

	"pkt.systems/guildstore/record"
)

var (
	// ErrLeaseLost is returned by a committing Return when the lock or
	// lease was lost after checkout. Nothing was written.
	ErrLeaseLost = errors.New("checkout: lock lost before commit")
	// ErrAlreadyReleased is returned when a handle is released twice.
	ErrAlreadyReleased = errors.New("checkout: handle already released")
	// ErrForeignHandle is returned when a handle is returned to a store
	// that did not issue its token.
	ErrForeignHandle = errors.New("checkout: handle token does not belong to this store")
)

// Store is a backend that hands out exclusive, decoded records.
//
// Checkout never blocks waiting for another holder: it reports Locked and
// leaves retrying to WaitForCheckout. NotFound and Locked are results, not
// errors. Return must start by calling Handle.Claim so that a handle is
// returned at most once.
type Store interface {
	Checkout(ctx context.Context, id record.ID) (Result, error)
	Return(ctx context.Context, h *Handle, commit bool) error
	Close() error
}

// Token is the backend-specific proof of ownership carried by a Handle.
type Token interface {
	isToken()
}

// FileToken is held by the local disk backend: the locked descriptor and
// the path it was opened from.
type FileToken struct {
	Path string
	File *os.File
}

func (FileToken) isToken() {}

// LeaseToken is held by the lease backends.
type LeaseToken struct {
	LeaseID string
	// Version is the backend's object version (etag) observed at checkout.
	Version string
	// ExpiresAt is the local deadline after which the lease must be
	// treated as lost.
	ExpiresAt time.Time
}

func (LeaseToken) isToken() {}
