package logging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/storage/lease"
	"pkt.systems/guildstore/internal/storage/memory"
	"pkt.systems/guildstore/record"
)

type countingStore struct {
	checkout.Store
	returns atomic.Int32
}

func (c *countingStore) Return(ctx context.Context, h *checkout.Handle, commit bool) error {
	c.returns.Add(1)
	return c.Store.Return(ctx, h, commit)
}

func newWrapped(t *testing.T) (checkout.Store, *countingStore, *memory.Store) {
	t.Helper()
	backend := memory.New()
	inner, err := lease.New(lease.Config{Backend: backend})
	if err != nil {
		t.Fatalf("lease.New: %v", err)
	}
	counting := &countingStore{Store: inner}
	wrapped := Wrap(counting, nil, "mem")
	t.Cleanup(func() { _ = wrapped.Close() })
	return wrapped, counting, backend
}

func TestReleaseFlowsThroughDecorator(t *testing.T) {
	ctx := context.Background()
	store, counting, backend := newWrapped(t)
	backend.Put(record.ID(7).Key(), []byte(`{"WelcomeChannel":1}`))

	res, err := store.Checkout(ctx, 7)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	h, ok := res.Handle()
	if !ok {
		t.Fatalf("expected success, got %v", res)
	}
	h.Guild().SetWelcomeChannel(record.Uint64(2))
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := counting.returns.Load(); got != 1 {
		t.Fatalf("expected 1 return through decorator, got %d", got)
	}
	if err := h.Release(ctx); !errors.Is(err, checkout.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	data, _ := backend.Get(record.ID(7).Key())
	if string(data) != `{"WelcomeChannel":2}` {
		t.Fatalf("unexpected payload %s", data)
	}
	if Unwrap(store) != counting {
		t.Fatal("Unwrap should return the inner store")
	}
}

func TestSpansRecordOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	ctx := context.Background()
	store, _, backend := newWrapped(t)
	if res, err := store.Checkout(ctx, 404); err != nil || res.Status() != checkout.StatusNotFound {
		t.Fatalf("expected not found, got %v %v", res, err)
	}
	backend.Put(record.ID(1).Key(), []byte(`{"WelcomeChannel":"x"}`))
	if _, err := store.Checkout(ctx, 1); !errors.Is(err, record.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "guildstore.storage.checkout" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	status := func(i int) string {
		for _, kv := range spans[i].Attributes() {
			if kv.Key == "guildstore.checkout.status" {
				return kv.Value.AsString()
			}
		}
		return ""
	}
	if status(0) != "not_found" || status(1) != "corrupt" {
		t.Fatalf("unexpected statuses %q %q", status(0), status(1))
	}
}

func TestErrorLabel(t *testing.T) {
	cases := map[string]error{
		"lease_lost":       checkout.ErrLeaseLost,
		"already_released": checkout.ErrAlreadyReleased,
		"corrupt":          &record.FormatError{Field: "WelcomeChannel"},
		"context":          context.Canceled,
		"error":            errors.New("boom"),
	}
	for want, err := range cases {
		if got := errorLabel(err); got != want {
			t.Fatalf("errorLabel(%v) = %q, want %q", err, got, want)
		}
	}
}
