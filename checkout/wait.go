package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/record"
)

const (
	// InitialBackoff is the first delay between Locked retries.
	InitialBackoff = time.Millisecond
	// BackoffMultiplier grows the delay after every retry.
	BackoffMultiplier = 1.5
)

// Clock is the time source WaitForCheckout sleeps on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type waitOptions struct {
	clock  Clock
	logger pslog.Logger
}

// WaitOption customises WaitForCheckout and Borrow.
type WaitOption func(*waitOptions)

// WithClock overrides the clock used for backoff sleeps.
func WithClock(c Clock) WaitOption {
	return func(o *waitOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger traces retries on the supplied logger.
func WithLogger(l pslog.Logger) WaitOption {
	return func(o *waitOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildWaitOptions(opts []WaitOption) waitOptions {
	o := waitOptions{clock: systemClock{}, logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitForCheckout calls Checkout and, while the record is Locked, retries
// with exponential backoff (1ms, then x1.5 per attempt) as long as the next
// sleep would still finish inside maxWait. A maxWait of zero is a single
// attempt. The last Locked result is returned once waiting longer would
// overrun maxWait.
func WaitForCheckout(ctx context.Context, store Store, id record.ID, maxWait time.Duration, opts ...WaitOption) (Result, error) {
	if store == nil {
		return Result{}, errors.New("checkout: nil store")
	}
	o := buildWaitOptions(opts)
	start := o.clock.Now()
	delay := InitialBackoff
	attempts := 1
	res, err := store.Checkout(ctx, id)
	for err == nil && res.Status() == StatusLocked {
		elapsed := o.clock.Now().Sub(start)
		if elapsed+delay >= maxWait {
			o.logger.Debug("checkout.wait.exhausted", "id", id.String(), "attempts", attempts, "elapsed", elapsed)
			return res, nil
		}
		o.logger.Trace("checkout.wait.retry", "id", id.String(), "attempt", attempts, "delay", delay)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-o.clock.After(delay):
		}
		res, err = store.Checkout(ctx, id)
		attempts++
		delay = time.Duration(float64(delay) * BackoffMultiplier)
	}
	if err != nil {
		return Result{}, fmt.Errorf("checkout %s: %w", id, err)
	}
	return res, nil
}
