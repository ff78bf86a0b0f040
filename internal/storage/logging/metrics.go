package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type storeMetrics struct {
	sys       string
	checkouts metric.Int64Counter
	returns   metric.Int64Counter
	latency   metric.Float64Histogram
}

func newStoreMetrics(logger pslog.Logger, sys string) *storeMetrics {
	meter := otel.Meter("pkt.systems/guildstore/storage")
	m := &storeMetrics{sys: sys}
	var err error

	m.checkouts, err = meter.Int64Counter(
		"guildstore.storage.checkout",
		metric.WithDescription("Checkout attempts by outcome"),
	)
	logMetricInitError(logger, "guildstore.storage.checkout", err)

	m.returns, err = meter.Int64Counter(
		"guildstore.storage.return",
		metric.WithDescription("Handle returns by commit flag and outcome"),
	)
	logMetricInitError(logger, "guildstore.storage.return", err)

	m.latency, err = meter.Float64Histogram(
		"guildstore.storage.duration",
		metric.WithDescription("Storage operation latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "guildstore.storage.duration", err)
	return m
}

func (m *storeMetrics) recordCheckout(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("guildstore.sys", m.sys),
		attribute.String("guildstore.result", result),
	)
	if m.checkouts != nil {
		m.checkouts.Add(ctx, 1, attrs)
	}
	m.observe(ctx, "checkout", elapsed)
}

func (m *storeMetrics) recordReturn(ctx context.Context, commit bool, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.returns != nil {
		m.returns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("guildstore.sys", m.sys),
			attribute.Bool("guildstore.commit", commit),
			attribute.String("guildstore.result", result),
		))
	}
	m.observe(ctx, "return", elapsed)
}

func (m *storeMetrics) observe(ctx context.Context, op string, elapsed time.Duration) {
	if m.latency == nil {
		return
	}
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		attribute.String("guildstore.sys", m.sys),
		attribute.String("guildstore.operation", op),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
