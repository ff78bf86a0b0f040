package checkout

import (
	"context"
	"errors"
	"time"

	"pkt.systems/guildstore/record"
)

// Borrow checks out id (waiting up to maxWait while it is Locked), runs fn
// with the handle and releases it on every path. The record is written back
// only if fn returns nil without panicking and left the commit flag set.
//
// The returned Status is StatusSuccess when fn ran. NotFound and Locked are
// reported without calling fn and without an error.
func Borrow(ctx context.Context, store Store, id record.ID, maxWait time.Duration, fn func(*Handle) error, opts ...WaitOption) (status Status, err error) {
	res, err := WaitForCheckout(ctx, store, id, maxWait, opts...)
	if err != nil {
		return statusUnknown, err
	}
	h, ok := res.Handle()
	if !ok {
		return res.Status(), nil
	}
	defer func() {
		if r := recover(); r != nil {
			h.Discard()
			_ = h.Release(ctx)
			panic(r)
		}
	}()
	if fnErr := fn(h); fnErr != nil {
		h.Discard()
		return StatusSuccess, errors.Join(fnErr, h.Release(ctx))
	}
	return StatusSuccess, h.Release(ctx)
}
