// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package scene_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/peers"
	"github.com/creachadair/roam/scene"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestOrder(t *testing.T) {
	defer leaktest.Check(t)()

	s := scene.New(1, nil)
	defer s.Stop()

	var got []int
	for i := range 10 {
		s.Post(func(context.Context) { got = append(got, i) })
	}
	if err := s.Do(t.Context(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got); diff != "" {
		t.Errorf("Task order (-want, +got):\n%s", diff)
	}
}

func TestInterleave(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := scene.New(2, &scene.Options{Name: "weave"})
		defer s.Stop()

		var μ sync.Mutex
		var log []string
		note := func(msg string) {
			μ.Lock()
			defer μ.Unlock()
			log = append(log, msg)
		}

		var active, peak atomic.Int32
		enter := func() {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
		}

		var wg sync.WaitGroup
		for i, name := range []string{"a", "b", "c"} {
			wg.Add(1)
			s.Post(func(ctx context.Context) {
				defer wg.Done()
				enter()
				note(name + " start")
				active.Add(-1)

				// Sleeping yields the scene, letting the next task start.
				if err := s.Sleep(ctx, time.Duration(i+1)*10*time.Millisecond); err != nil {
					t.Errorf("Sleep %s: %v", name, err)
				}

				enter()
				note(name + " end")
				active.Add(-1)
			})
		}
		wg.Wait()

		if p := peak.Load(); p != 1 {
			t.Errorf("Peak concurrency: got %d, want 1", p)
		}
		want := []string{"a start", "b start", "c start", "a end", "b end", "c end"}
		if diff := cmp.Diff(want, log); diff != "" {
			t.Errorf("Event order (-want, +got):\n%s", diff)
		}
	})
}

func TestAfter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := scene.New(3, nil)
		defer s.Stop()

		start := time.Now()
		done := make(chan time.Duration, 1)
		s.After(250*time.Millisecond, func(context.Context) { done <- time.Since(start) })
		cancelled := s.After(100*time.Millisecond, func(context.Context) { t.Error("Cancelled timer fired") })
		s.Timers().Cancel(cancelled)

		if got := <-done; got != 250*time.Millisecond {
			t.Errorf("Timer fired after %v, want 250ms", got)
		}
	})
}

func TestDo(t *testing.T) {
	defer leaktest.Check(t)()

	a := scene.New(4, nil)
	defer a.Stop()
	b := scene.New(5, nil)
	defer b.Stop()

	errBoom := errors.New("boom")
	if err := b.Do(t.Context(), func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Errorf("Do: got %v, want %v", err, errBoom)
	}
	if err := b.Do(t.Context(), func(context.Context) error { panic("ouch") }); err == nil {
		t.Error("Do of a panicking task did not report an error")
	}

	// A task on one scene may wait for a task on another, and for a task on
	// its own scene, without deadlock.
	var trace []string
	err := a.Do(t.Context(), func(ctx context.Context) error {
		trace = append(trace, "a")
		if err := b.Do(ctx, func(context.Context) error {
			trace = append(trace, "b")
			return nil
		}); err != nil {
			return err
		}
		return a.Do(ctx, func(context.Context) error {
			trace = append(trace, "a again")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Nested Do: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "a again"}, trace); diff != "" {
		t.Errorf("Trace (-want, +got):\n%s", diff)
	}
}

type thing struct{ addr roam.Address }

func (e thing) Address() roam.Address { return e.addr }

func TestEntities(t *testing.T) {
	s := scene.New(6, nil)
	defer s.Stop()

	mtest.MustPanic(t, func() { scene.New(0, nil) })

	var addrs []roam.Address
	for range 3 {
		addrs = append(addrs, s.NewRuntimeID())
	}
	want := []roam.Address{roam.MakeAddress(6, 1), roam.MakeAddress(6, 2), roam.MakeAddress(6, 3)}
	if diff := cmp.Diff(want, addrs); diff != "" {
		t.Errorf("Runtime ids (-want, +got):\n%s", diff)
	}

	if e, ok := s.Entity(s.Address()); !ok || e != s {
		t.Errorf("Entity(root): got %v, %v; want the scene", e, ok)
	}
	if err := s.Add(thing{addrs[0]}); err != nil {
		t.Errorf("Add: %v", err)
	}
	if err := s.Add(thing{addrs[0]}); !errors.Is(err, scene.ErrDuplicate) {
		t.Errorf("Add duplicate: got %v, want %v", err, scene.ErrDuplicate)
	}
	if err := s.Add(thing{roam.MakeAddress(7, 1)}); !errors.Is(err, scene.ErrForeign) {
		t.Errorf("Add foreign: got %v, want %v", err, scene.ErrForeign)
	}
	if err := s.Add(thing{s.Address()}); !errors.Is(err, scene.ErrForeign) {
		t.Errorf("Add root: got %v, want %v", err, scene.ErrForeign)
	}
	if n := s.Len(); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}
	if !s.Remove(addrs[0]) {
		t.Error("Remove reported false")
	}
	if _, ok := s.Entity(addrs[0]); ok {
		t.Error("Entity found after Remove")
	}
}

var (
	countReq = packet.NewOpcode(packet.InnerAddressableRequest, packet.CodecJSON, 1)
	slowReq  = packet.NewOpcode(packet.InnerAddressableRequest, packet.CodecJSON, 2)
)

type counter struct {
	addr roam.Address
	n    int
}

func (c *counter) Address() roam.Address { return c.addr }

func TestReceive(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var tbl dispatch.Table
		s := scene.New(9, &scene.Options{Table: &tbl})
		defer s.Stop()

		tbl.Load(dispatch.NewSegment("counter",
			dispatch.Entry{Opcode: countReq, Name: "count", Handler: func(ctx context.Context, f *packet.Frame) ([]byte, error) {
				c := dispatch.ContextEntity(ctx).(*counter)
				c.n++
				return fmt.Appendf(nil, "%d", c.n), nil
			}},
			dispatch.Entry{Opcode: slowReq, Name: "slow", Handler: func(ctx context.Context, f *packet.Frame) ([]byte, error) {
				c := dispatch.ContextEntity(ctx).(*counter)
				if err := s.Sleep(ctx, time.Second); err != nil {
					return nil, err
				}
				c.n += 100
				return fmt.Appendf(nil, "%d", c.n), nil
			}},
		))

		c := &counter{addr: s.NewRuntimeID()}
		if err := s.Add(c); err != nil {
			t.Fatalf("Add: %v", err)
		}

		loc := peers.NewLocal(func(sess *roam.Session) { sess.Receive(s.Receive) })
		defer loc.Stop()
		ctx := t.Context()

		// The slow request holds the entity lock across its sleep, so the
		// count request queued behind it sees its update.
		slow := loc.A.CallAsync(slowReq, int64(c.addr), nil)
		synctest.Wait()
		rsp, err := loc.A.Call(ctx, countReq, int64(c.addr), nil)
		if err != nil {
			t.Fatalf("Call count: %v", err)
		}
		if _, body, _ := packet.SplitResponse(rsp.Payload); string(body) != "101" {
			t.Errorf("Count: got %q, want 101", body)
		}
		if err := slow.Wait(ctx); err != nil {
			t.Fatalf("Wait slow: %v", err)
		}
		if rsp, err := slow.Result(); err != nil {
			t.Errorf("Call slow: %v", err)
		} else if _, body, _ := packet.SplitResponse(rsp.Payload); string(body) != "100" {
			t.Errorf("Slow: got %q, want 100", body)
		}

		_, err = loc.A.Call(ctx, countReq, int64(roam.MakeAddress(9, 50)), nil)
		if got := roam.CodeOf(err); got != roam.CodeNotFoundRoute {
			t.Errorf("Call missing entity: got %v, want %v", got, roam.CodeNotFoundRoute)
		}

		// After the scene stops, requests are refused.
		s.Stop()
		_, err = loc.A.Call(ctx, countReq, int64(c.addr), nil)
		if got := roam.CodeOf(err); got != roam.CodeNotFoundRoute {
			t.Errorf("Call after stop: got %v, want %v", got, roam.CodeNotFoundRoute)
		}
		if err := s.Post(func(context.Context) {}); !errors.Is(err, scene.ErrStopped) {
			t.Errorf("Post after stop: got %v, want %v", err, scene.ErrStopped)
		}
	})
}
