// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package timer_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/roam/timer"
	"github.com/google/go-cmp/cmp"
)

// fakeClock is a manually-advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) add(d time.Duration) time.Time { c.t = c.t.Add(d); return c.t }

func newClock() *fakeClock { return &fakeClock{t: time.UnixMilli(1_000_000)} }

func TestOrder(t *testing.T) {
	clk := newClock()
	s := timer.New(clk.now)

	var got []string
	note := func(s string) func() { return func() { got = append(got, s) } }

	s.Once(30*time.Millisecond, note("c"))
	s.Once(10*time.Millisecond, note("a1"))
	s.Once(20*time.Millisecond, note("b"))
	s.Once(10*time.Millisecond, note("a2")) // same bucket as a1
	x := s.Once(15*time.Millisecond, note("x"))
	if !s.Cancel(x) {
		t.Error("Cancel of a pending timer reported false")
	}
	if s.Cancel(x) {
		t.Error("Cancel of a cancelled timer reported true")
	}

	if next, ok := s.Next(); !ok || !next.Equal(clk.t.Add(10*time.Millisecond)) {
		t.Errorf("Next: got %v, %v; want %v", next, ok, clk.t.Add(10*time.Millisecond))
	}
	if n := s.Advance(clk.add(9 * time.Millisecond)); n != 0 {
		t.Errorf("Advance(+9ms): ran %d, want 0", n)
	}
	if n := s.Advance(clk.add(11 * time.Millisecond)); n != 3 {
		t.Errorf("Advance(+20ms): ran %d, want 3", n)
	}
	if n := s.Advance(clk.add(time.Second)); n != 1 {
		t.Errorf("Advance(+1s): ran %d, want 1", n)
	}
	if diff := cmp.Diff([]string{"a1", "a2", "b", "c"}, got); diff != "" {
		t.Errorf("Firing order (-want, +got):\n%s", diff)
	}
	if s.Len() != 0 {
		t.Errorf("Len: got %d, want 0", s.Len())
	}
	if _, ok := s.Next(); ok {
		t.Error("Next reports a deadline on an empty schedule")
	}
}

func TestRepeat(t *testing.T) {
	clk := newClock()
	s := timer.New(clk.now)

	count := 0
	id := s.Repeat(100*time.Millisecond, func() { count++ })
	for range 5 {
		s.Advance(clk.add(100 * time.Millisecond))
	}
	if count != 5 {
		t.Errorf("Repeat count: got %d, want 5", count)
	}

	// A long gap fires once, not once per missed interval.
	s.Advance(clk.add(time.Second))
	if count != 6 {
		t.Errorf("Repeat count after gap: got %d, want 6", count)
	}

	s.Cancel(id)
	s.Advance(clk.add(time.Second))
	if count != 6 {
		t.Errorf("Repeat count after cancel: got %d, want 6", count)
	}

	mtest.MustPanic(t, func() { s.Repeat(0, func() {}) })
}

func TestCallbackSchedules(t *testing.T) {
	clk := newClock()
	s := timer.New(clk.now)

	fired := 0
	s.Once(time.Millisecond, func() {
		fired++
		s.Once(time.Millisecond, func() { fired++ })
	})
	s.Advance(clk.add(time.Millisecond))
	s.Advance(clk.add(time.Millisecond))
	if fired != 2 {
		t.Errorf("Fired: got %d, want 2", fired)
	}
}

func TestChanged(t *testing.T) {
	clk := newClock()
	s := timer.New(clk.now)

	s.Once(time.Second, func() {})
	select {
	case <-s.Changed():
	default:
		t.Error("No change signal for the first timer")
	}
	s.Once(2*time.Second, func() {})
	select {
	case <-s.Changed():
		t.Error("Change signal for a later timer")
	default:
	}
	s.Once(time.Millisecond, func() {})
	select {
	case <-s.Changed():
	default:
		t.Error("No change signal for an earlier timer")
	}
}

// drive runs s on the real (or bubble) clock until ctx ends.
func drive(ctx context.Context, s *timer.Scheduler) {
	for {
		var fire <-chan time.Time
		if next, ok := s.Next(); ok {
			fire = time.After(time.Until(next))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.Changed():
		case now := <-fire:
			s.Advance(now)
		}
	}
}

func TestWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := timer.New(nil)
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		go drive(ctx, s)

		start := time.Now()
		if err := s.Wait(ctx, 500*time.Millisecond); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if d := time.Since(start); d != 500*time.Millisecond {
			t.Errorf("Wait took %v, want 500ms", d)
		}

		wctx, wcancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer wcancel()
		if err := s.Wait(wctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait: got %v, want %v", err, context.DeadlineExceeded)
		}
		if n := s.Len(); n != 0 {
			t.Errorf("Len after abandoned wait: got %d, want 0", n)
		}
	})
}
