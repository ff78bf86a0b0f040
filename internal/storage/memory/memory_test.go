package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	"pkt.systems/guildstore/internal/storage/memory"
)

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := memory.NewWithConfig(memory.Config{Clock: clk})
	store.Put("1.json", []byte(`{}`))

	if _, err := store.AcquireLease(ctx, "2.json", time.Second); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	first, err := store.AcquireLease(ctx, "1.json", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "1.json", 10*time.Second); !errors.Is(err, storage.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	obj, err := store.ReadLeased(ctx, "1.json", first)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := store.WriteLeased(ctx, "1.json", first, []byte(`{"WelcomeChannel":1}`), obj.Version); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WriteLeased(ctx, "1.json", first, []byte(`{}`), obj.Version); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("stale version should be rejected, got %v", err)
	}

	clk.Advance(10 * time.Second)
	second, err := store.AcquireLease(ctx, "1.json", 10*time.Second)
	if err != nil {
		t.Fatalf("expired lease should be re-acquirable: %v", err)
	}
	if _, err := store.ReadLeased(ctx, "1.json", first); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("superseded lease read should fail, got %v", err)
	}
	if err := store.ReleaseLease(ctx, "1.json", first); err != nil {
		t.Fatalf("foreign release should be ignored: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "1.json", time.Second); !errors.Is(err, storage.ErrLeaseHeld) {
		t.Fatalf("foreign release must not free the lease, got %v", err)
	}
	if err := store.ReleaseLease(ctx, "1.json", second); err != nil {
		t.Fatalf("release: %v", err)
	}
	raw, ok := store.Get("1.json")
	if !ok || string(raw) != `{"WelcomeChannel":1}` {
		t.Fatalf("unexpected payload %s", raw)
	}
}

func TestWriteAfterDeleteDoesNotRecreate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.Put("9.json", []byte(`{}`))
	held, err := store.AcquireLease(ctx, "9.json", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	store.Delete("9.json")
	if err := store.WriteLeased(ctx, "9.json", held, []byte(`{}`), ""); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if _, ok := store.Get("9.json"); ok {
		t.Fatal("write recreated a deleted record")
	}
}
