// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package colock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestExclusion(t *testing.T) {
	defer leaktest.Check(t)()

	tbl := colock.New("test", 0)
	ctx := context.Background()

	const numCallers = 32
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for range numCallers {
		wg.Go(func() {
			g, err := tbl.Wait(ctx, 7)
			if err != nil {
				t.Errorf("Wait: unexpected error: %v", err)
				return
			}
			defer g.Release()

			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			active.Add(-1)
		})
	}
	wg.Wait()

	if p := peak.Load(); p != 1 {
		t.Errorf("Peak concurrency: got %d, want 1", p)
	}
	if n := tbl.Len(); n != 0 {
		t.Errorf("Held keys after all releases: got %d, want 0", n)
	}
}

func TestFIFO(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tbl := colock.New("fifo", 0)
		ctx := t.Context()

		first, err := tbl.Wait(ctx, 1)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}

		var μ sync.Mutex
		var order []int
		var wg sync.WaitGroup
		for i := range 4 {
			wg.Go(func() {
				g, err := tbl.Wait(ctx, 1)
				if err != nil {
					t.Errorf("Wait %d: %v", i, err)
					return
				}
				μ.Lock()
				order = append(order, i)
				μ.Unlock()
				g.Release()
			})
			synctest.Wait() // ensure waiter i is queued before i+1
		}
		if n := tbl.Waiting(1); n != 4 {
			t.Errorf("Waiting: got %d, want 4", n)
		}

		first.Release()
		wg.Wait()
		if diff := cmp.Diff([]int{0, 1, 2, 3}, order); diff != "" {
			t.Errorf("Grant order (-want, +got):\n%s", diff)
		}
	})
}

func TestIndependentKeys(t *testing.T) {
	tbl := colock.New("keys", 0)
	ctx := context.Background()

	a, err := tbl.Wait(ctx, 1)
	if err != nil {
		t.Fatalf("Wait 1: %v", err)
	}
	b, err := tbl.Wait(ctx, 2)
	if err != nil {
		t.Fatalf("Wait 2: %v", err)
	}
	if !tbl.Held(1) || !tbl.Held(2) || tbl.Held(3) {
		t.Error("Held reports the wrong keys")
	}
	a.Release()
	b.Release()
	mtest.MustPanic(t, func() { a.Release() })
}

func TestReentrant(t *testing.T) {
	tbl := colock.New("reentrant", 0)
	g, err := tbl.Wait(context.Background(), 9)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	ctx := g.Bind(context.Background())

	if _, err := tbl.Wait(ctx, 9); !errors.Is(err, colock.ErrReentrant) {
		t.Errorf("Reentrant Wait: got %v, want %v", err, colock.ErrReentrant)
	} else if got := roam.CodeOf(err); got != roam.CodeLockAlreadyHeld {
		t.Errorf("Reentrant Wait code: got %v, want %v", got, roam.CodeLockAlreadyHeld)
	}

	// A different key is fine with the same context.
	h, err := tbl.Wait(ctx, 10)
	if err != nil {
		t.Fatalf("Wait other key: %v", err)
	}
	h.Release()
	g.Release()
}

func TestTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tbl := colock.New("timeout", time.Second)
		ctx := t.Context()

		g, err := tbl.Wait(ctx, 5)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}

		start := time.Now()
		if _, err := tbl.Wait(ctx, 5); !errors.Is(err, colock.ErrTimeout) {
			t.Errorf("Wait: got %v, want %v", err, colock.ErrTimeout)
		}
		if d := time.Since(start); d != time.Second {
			t.Errorf("Wait gave up after %v, want 1s", d)
		}

		// The abandoned waiter is skipped, and a later waiter gets the key.
		done := make(chan struct{})
		go func() {
			defer close(done)
			h, err := tbl.Wait(ctx, 5)
			if err != nil {
				t.Errorf("Wait after timeout: %v", err)
				return
			}
			h.Release()
		}()
		synctest.Wait()
		g.Release()
		<-done
		if tbl.Held(5) {
			t.Error("Key still held after all releases")
		}
	})
}

func TestClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tbl := colock.New("close", 0)
		ctx := t.Context()

		g, err := tbl.Wait(ctx, 1)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		errc := make(chan error, 1)
		go func() {
			_, err := tbl.Wait(ctx, 1)
			errc <- err
		}()
		synctest.Wait()

		tbl.Close()
		if err := <-errc; !errors.Is(err, colock.ErrClosed) {
			t.Errorf("Queued Wait: got %v, want %v", err, colock.ErrClosed)
		}
		if _, err := tbl.Wait(ctx, 2); !errors.Is(err, colock.ErrClosed) {
			t.Errorf("Wait after Close: got %v, want %v", err, colock.ErrClosed)
		}
		g.Release() // no effect, but must not panic
	})
}
