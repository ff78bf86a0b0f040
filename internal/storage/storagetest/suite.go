// Package storagetest holds the behaviour every checkout.Store backend must
// show, run against each backend from its own tests.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/record"
)

// Fixture is one freshly built backend plus direct access to its bytes.
type Fixture struct {
	Store checkout.Store
	// Seed writes raw record bytes, bypassing checkout.
	Seed func(t testing.TB, id record.ID, payload []byte)
	// Load reads raw record bytes, bypassing checkout.
	Load func(t testing.TB, id record.ID) ([]byte, bool)
	// SkipSingleWinner skips the concurrent first-acquire race for fake
	// servers that do not enforce conditional writes.
	SkipSingleWinner bool
}

// Run exercises the checkout contract against fixtures built by build.
func Run(t *testing.T, build func(t *testing.T) Fixture) {
	t.Run("MissingIsNotFound", func(t *testing.T) { testMissing(t, build(t)) })
	t.Run("CheckoutDecodes", func(t *testing.T) { testDecodes(t, build(t)) })
	t.Run("HeldIsLocked", func(t *testing.T) { testLocked(t, build(t)) })
	t.Run("CommitPersists", func(t *testing.T) { testCommit(t, build(t)) })
	t.Run("DiscardKeepsBytes", func(t *testing.T) { testDiscard(t, build(t)) })
	t.Run("DoubleRelease", func(t *testing.T) { testDoubleRelease(t, build(t)) })
	t.Run("MalformedReleasesLock", func(t *testing.T) { testMalformed(t, build(t)) })
	t.Run("SingleWinner", func(t *testing.T) { testSingleWinner(t, build(t)) })
	t.Run("WaitAcquiresAfterRelease", func(t *testing.T) { testWait(t, build(t)) })
}

func mustSuccess(t testing.TB, res checkout.Result, err error) *checkout.Handle {
	t.Helper()
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	h, ok := res.Handle()
	if !ok {
		t.Fatalf("expected success, got %v", res)
	}
	return h
}

func testMissing(t *testing.T, f Fixture) {
	ctx := context.Background()
	res, err := f.Store.Checkout(ctx, 404)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Status() != checkout.StatusNotFound {
		t.Fatalf("expected not found, got %v", res)
	}
	if _, ok := f.Load(t, 404); ok {
		t.Fatal("checkout of a missing record must not create it")
	}
}

func testDecodes(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seed(t, 1, []byte(`{"OptinCreatorsRoles":[5,6],"WelcomeChannel":9,"Extra":true}`))
	hRes, hErr := f.Store.Checkout(ctx, 1)
	h := mustSuccess(t, hRes, hErr)
	defer h.Release(ctx)
	if h.ID() != 1 || !h.Commit() {
		t.Fatalf("unexpected handle id=%d commit=%v", h.ID(), h.Commit())
	}
	g := h.Guild()
	if !g.CreatorRoles().Contains(uint64(5)) || !g.CreatorRoles().Contains(uint64(6)) {
		t.Fatalf("creator roles not decoded")
	}
	if g.WelcomeChannel == nil || *g.WelcomeChannel != 9 {
		t.Fatalf("welcome channel not decoded")
	}
	if h.Token() == nil {
		t.Fatal("expected backend token")
	}
}

func testLocked(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seed(t, 2, []byte(`{}`))
	hRes, hErr := f.Store.Checkout(ctx, 2)
	h := mustSuccess(t, hRes, hErr)
	res, err := f.Store.Checkout(ctx, 2)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if res.Status() != checkout.StatusLocked {
		t.Fatalf("expected locked, got %v", res)
	}
	if err := h.Return(ctx, false); err != nil {
		t.Fatalf("return: %v", err)
	}
	h2Res, h2Err := f.Store.Checkout(ctx, 2)
	h2 := mustSuccess(t, h2Res, h2Err)
	if err := h2.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func testCommit(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seed(t, 3, []byte(`{"WelcomeChannel":1,"AnnouncementChannel":2}`))
	hRes, hErr := f.Store.Checkout(ctx, 3)
	h := mustSuccess(t, hRes, hErr)
	h.Guild().UpdaterRoles().Add(uint64(77))
	h.Guild().SetWelcomeChannel(nil)
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	raw, ok := f.Load(t, 3)
	if !ok {
		t.Fatal("record vanished after commit")
	}
	if strings.Contains(string(raw), record.FieldWelcomeChannel) {
		t.Fatalf("cleared field persisted: %s", raw)
	}
	h2Res, h2Err := f.Store.Checkout(ctx, 3)
	h2 := mustSuccess(t, h2Res, h2Err)
	defer h2.Release(ctx)
	if !h2.Guild().UpdaterRoles().Contains(uint64(77)) {
		t.Fatal("committed role not visible to next checkout")
	}
	if h2.Guild().AnnouncementChannel == nil || *h2.Guild().AnnouncementChannel != 2 {
		t.Fatal("untouched field lost on commit")
	}
}

func testDiscard(t *testing.T, f Fixture) {
	ctx := context.Background()
	original := []byte(`{"OptinUpdatersRoles":[1]}`)
	f.Seed(t, 4, original)
	hRes, hErr := f.Store.Checkout(ctx, 4)
	h := mustSuccess(t, hRes, hErr)
	h.Guild().UpdaterRoles().Add(uint64(2))
	h.Discard()
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	raw, _ := f.Load(t, 4)
	if string(raw) != string(original) {
		t.Fatalf("discarded checkout changed bytes: %s", raw)
	}
}

func testDoubleRelease(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seed(t, 5, []byte(`{}`))
	hRes, hErr := f.Store.Checkout(ctx, 5)
	h := mustSuccess(t, hRes, hErr)
	if err := h.Return(ctx, false); err != nil {
		t.Fatalf("return: %v", err)
	}
	h.Guild().CreatorRoles().Add(uint64(1))
	if err := f.Store.Return(ctx, h, true); !errors.Is(err, checkout.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	raw, _ := f.Load(t, 5)
	if string(raw) != `{}` {
		t.Fatalf("second return wrote bytes: %s", raw)
	}
}

func testMalformed(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seed(t, 6, []byte(`{"OptinCreatorsRoles":[1,"two"]}`))
	_, err := f.Store.Checkout(ctx, 6)
	if !errors.Is(err, record.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	f.Seed(t, 6, []byte(`{"OptinCreatorsRoles":[1,2]}`))
	hRes, hErr := f.Store.Checkout(ctx, 6)
	h := mustSuccess(t, hRes, hErr)
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func testSingleWinner(t *testing.T, f Fixture) {
	if f.SkipSingleWinner {
		t.Skip("backend fake does not arbitrate concurrent acquires")
	}
	ctx := context.Background()
	f.Seed(t, 7, []byte(`{}`))
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*checkout.Handle
		locked  int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.Store.Checkout(ctx, 7)
			if err != nil {
				t.Errorf("checkout: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if h, ok := res.Handle(); ok {
				handles = append(handles, h)
			} else if res.Status() == checkout.StatusLocked {
				locked++
			}
		}()
	}
	close(start)
	wg.Wait()
	for _, h := range handles {
		_ = h.Return(ctx, false)
	}
	if len(handles) != 1 || locked != workers-1 {
		t.Fatalf("expected one winner and %d locked, got %d winners %d locked", workers-1, len(handles), locked)
	}
}

func testWait(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seed(t, 8, []byte(`{}`))
	hRes, hErr := f.Store.Checkout(ctx, 8)
	h := mustSuccess(t, hRes, hErr)
	done := make(chan checkout.Result, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := checkout.WaitForCheckout(ctx, f.Store, 8, 5*time.Second)
		if err != nil {
			errs <- err
			return
		}
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	if err := h.Return(ctx, false); err != nil {
		t.Fatalf("return: %v", err)
	}
	select {
	case res := <-done:
		h2 := mustSuccess(t, res, nil)
		_ = h2.Release(ctx)
	case err := <-errs:
		t.Fatalf("wait: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("waiter never acquired the record")
	}
}
