// Package logging decorates a checkout.Store with trace spans, metrics and
// debug logging. Handles checked out through the decorator are bound to it,
// so their releases are observed too.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/correlation"
	"pkt.systems/guildstore/internal/svcfields"
	"pkt.systems/guildstore/internal/uuidv7"
	"pkt.systems/guildstore/record"
)

type store struct {
	inner   checkout.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	sys     string
	metrics *storeMetrics
}

var _ checkout.Store = (*store)(nil)

// Wrap decorates inner. sys names the backend ("disk", "azure", ...) in
// spans, metrics and the log subsystem.
func Wrap(inner checkout.Store, logger pslog.Logger, sys string) checkout.Store {
	logger = svcfields.WithSubsystem(logger, svcfields.Storage, sys)
	return &store{
		inner:   inner,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/guildstore/storage"),
		sys:     sys,
		metrics: newStoreMetrics(logger, sys),
	}
}

// Unwrap returns the decorated store.
func Unwrap(s checkout.Store) checkout.Store {
	if w, ok := s.(*store); ok {
		return w.inner
	}
	return s
}

func (s *store) start(ctx context.Context, op string, id record.ID) (context.Context, trace.Span, pslog.Logger) {
	ctx, span := s.tracer.Start(ctx, "guildstore.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("guildstore.storage.operation", op),
		attribute.String("guildstore.sys", s.sys),
		attribute.String("guildstore.guild_id", id.String()),
	)
	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("guildstore.correlation_id", corr))
	}
	logger = logger.With("guild", id.String())
	return pslog.ContextWithLogger(ctx, logger), span, logger
}

func finish(span trace.Span, result string, err error, begin time.Time) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.AddEvent("guildstore.storage.end", trace.WithAttributes(
		attribute.String("guildstore.storage.result", result),
		attribute.Int64("guildstore.storage.duration_ms", time.Since(begin).Milliseconds()),
	))
	span.End()
}

func (s *store) Checkout(ctx context.Context, id record.ID) (checkout.Result, error) {
	begin := time.Now()
	ctx, span, logger := s.start(ctx, "checkout", id)
	logger.Trace("storage.checkout.begin")

	res, err := s.inner.Checkout(ctx, id)
	result := res.Status().String()
	switch {
	case err != nil:
		result = errorLabel(err)
		logger.Debug("storage.checkout.error", "error", err, "elapsed", time.Since(begin))
	case res.Status() == checkout.StatusSuccess:
		h, _ := res.Handle()
		h.Bind(s)
		fields := []any{"elapsed", time.Since(begin)}
		if tok, ok := h.Token().(checkout.LeaseToken); ok {
			fields = append(fields, "lease_id", tok.LeaseID, "lease_expires_at", tok.ExpiresAt)
			if issued, ok := uuidv7.Issued(tok.LeaseID); ok {
				fields = append(fields, "lease_issued_at", issued)
			}
		}
		logger.Debug("storage.checkout.success", fields...)
	default:
		logger.Debug("storage.checkout."+result, "elapsed", time.Since(begin))
	}
	span.SetAttributes(attribute.String("guildstore.checkout.status", result))
	s.metrics.recordCheckout(ctx, result, time.Since(begin))
	finish(span, result, err, begin)
	return res, err
}

func (s *store) Return(ctx context.Context, h *checkout.Handle, commit bool) error {
	begin := time.Now()
	ctx, span, logger := s.start(ctx, "return", h.ID())
	span.SetAttributes(attribute.Bool("guildstore.storage.commit", commit))
	logger.Trace("storage.return.begin", "commit", commit)

	err := s.inner.Return(ctx, h, commit)
	result := "ok"
	if err != nil {
		result = errorLabel(err)
		logger.Debug("storage.return.error", "commit", commit, "error", err, "elapsed", time.Since(begin))
	} else {
		logger.Debug("storage.return.success", "commit", commit, "elapsed", time.Since(begin))
	}
	s.metrics.recordReturn(ctx, commit, result, time.Since(begin))
	finish(span, result, err, begin)
	return err
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("storage.close.error", "error", err)
	}
	return err
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, checkout.ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, checkout.ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, record.ErrFormat):
		return "corrupt"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "error"
	}
}
