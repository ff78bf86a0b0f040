//go:build unix

package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/storage/storagetest"
	"pkt.systems/guildstore/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "guilds"), MaxRecordBytes: 4096})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t testing.TB, store *Store, id record.ID, payload []byte) {
	t.Helper()
	if err := os.WriteFile(store.Path(id), payload, 0o640); err != nil {
		t.Fatalf("seed %d: %v", id, err)
	}
}

func TestDiskConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Fixture {
		store := newTestStore(t)
		return storagetest.Fixture{
			Store: store,
			Seed: func(t testing.TB, id record.ID, payload []byte) {
				seed(t, store, id, payload)
			},
			Load: func(t testing.TB, id record.ID) ([]byte, bool) {
				data, err := os.ReadFile(store.Path(id))
				if err != nil {
					return nil, false
				}
				return data, true
			},
		}
	})
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil || !strings.Contains(err.Error(), "root path required") {
		t.Fatalf("expected root error, got %v", err)
	}
	if _, err := New(Config{Root: t.TempDir(), MaxRecordBytes: -1}); err == nil {
		t.Fatal("expected error for negative max bytes")
	}
}

func TestCommitDetectsReplacedFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 1, []byte(`{"WelcomeChannel":1}`))

	res, err := store.Checkout(ctx, 1)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	h, ok := res.Handle()
	if !ok {
		t.Fatalf("expected success, got %v", res)
	}
	// Simulate an out-of-band writer swapping the file underneath the lock.
	if err := writeBytesAtomic(store.Path(1), []byte(`{"WelcomeChannel":99}`), 0o644); err != nil {
		t.Fatalf("replace: %v", err)
	}
	h.Guild().SetWelcomeChannel(record.Uint64(2))
	if err := h.Release(ctx); !errors.Is(err, checkout.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	data, _ := os.ReadFile(store.Path(1))
	if string(data) != `{"WelcomeChannel":99}` {
		t.Fatalf("lost commit overwrote bytes: %s", data)
	}
}

func TestCommitReplacesInode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 2, []byte(`{}`))

	// Keep the old inode open the way a racing opener would.
	old, err := os.OpenFile(store.Path(2), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer old.Close()

	res, err := store.Checkout(ctx, 2)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	h, _ := res.Handle()
	h.Guild().CreatorRoles().Add(3)
	if err := h.Release(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	locked, err := tryLock(old)
	if err != nil || !locked {
		t.Fatalf("lock on replaced inode: locked=%v err=%v", locked, err)
	}
	same, err := stillLinked(store.Path(2), old)
	if err != nil {
		t.Fatalf("stillLinked: %v", err)
	}
	if same {
		t.Fatal("commit should have replaced the inode")
	}
	_ = unlock(old)

	res, err = store.Checkout(ctx, 2)
	if err != nil {
		t.Fatalf("checkout after commit: %v", err)
	}
	h, ok := res.Handle()
	if !ok || !h.Guild().CreatorRoles().Contains(3) {
		t.Fatalf("expected committed record, got %v", res)
	}
	_ = h.Release(ctx)
}

func TestCommitPreservesMode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 3, []byte(`{}`))
	if err := os.Chmod(store.Path(3), 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	res, _ := store.Checkout(ctx, 3)
	h, ok := res.Handle()
	if !ok {
		t.Fatalf("expected success, got %v", res)
	}
	h.Guild().SetAnnouncementChannel(record.Uint64(5))
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	info, err := os.Stat(store.Path(3))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(store.Root())
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestOversizedRecordRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, 4, []byte(`{"Padding":"`+strings.Repeat("x", 5000)+`"}`))
	if _, err := store.Checkout(ctx, 4); !errors.Is(err, record.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	seed(t, store, 4, []byte(`{}`))
	res, err := store.Checkout(ctx, 4)
	if err != nil || res.Status() != checkout.StatusSuccess {
		t.Fatalf("lock should be free after rejection: %v %v", res, err)
	}
	h, _ := res.Handle()
	_ = h.Release(ctx)
}
