package checkout

import (
	"context"
	"sync/atomic"

	"pkt.systems/guildstore/record"
)

// Handle is an exclusive borrow of one decoded record. It must be released
// exactly once, on every exit path; `defer h.Release(ctx)` is the usual form.
// A Handle is not safe for concurrent mutation.
type Handle struct {
	store  Store
	id     record.ID
	guild  *record.Guild
	token  Token
	commit bool

	released atomic.Bool
}

// NewHandle is used by Store implementations to build a successful result.
// The commit flag starts out true.
func NewHandle(store Store, id record.ID, guild *record.Guild, token Token) *Handle {
	if guild == nil {
		guild = &record.Guild{}
	}
	return &Handle{store: store, id: id, guild: guild, token: token, commit: true}
}

// Bind makes s the store Release returns the handle to. Decorating stores
// call it so releases flow through them.
func (h *Handle) Bind(s Store) { h.store = s }

// ID returns the id the handle was checked out for.
func (h *Handle) ID() record.ID { return h.id }

// Guild returns the owned, mutable record.
func (h *Handle) Guild() *record.Guild { return h.guild }

// Token returns the backend ownership token.
func (h *Handle) Token() Token { return h.token }

// Commit reports whether Release will write the record back.
func (h *Handle) Commit() bool { return h.commit }

// SetCommit changes whether Release writes the record back.
func (h *Handle) SetCommit(commit bool) { h.commit = commit }

// Discard drops any in-memory changes on release.
func (h *Handle) Discard() { h.commit = false }

// Released reports whether the handle has been returned.
func (h *Handle) Released() bool { return h.released.Load() }

// Claim marks the handle as returned. Store implementations call it first
// thing in Return; it fails with ErrAlreadyReleased on the second call.
func (h *Handle) Claim() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	return nil
}

// Release returns the handle to its store using the current commit flag.
func (h *Handle) Release(ctx context.Context) error {
	if h.store == nil {
		return h.Claim()
	}
	return h.store.Return(ctx, h, h.commit)
}

// Return sets the commit flag and releases the handle.
func (h *Handle) Return(ctx context.Context, commit bool) error {
	if h.Released() {
		return ErrAlreadyReleased
	}
	h.commit = commit
	return h.Release(ctx)
}
