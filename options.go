package guildstore

import (
	"pkt.systems/pslog"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/clock"
)

// Option customises OpenStore, New and NewServer.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
	store  checkout.Store
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock drives lease deadlines, cache expiry and backoff sleeps from c.
func WithClock(c checkout.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithStore injects a pre-built store instead of opening cfg.Store. The
// service still closes it on Close.
func WithStore(s checkout.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: pslog.NoopLogger(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
