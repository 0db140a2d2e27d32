// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package timer implements a time-bucketed timer schedule for a scene.
//
// A [Scheduler] does not run any goroutines of its own. Its owner calls
// [Scheduler.Advance] with the current time, typically when the deadline
// reported by [Scheduler.Next] arrives, and the scheduler runs the callbacks
// of every timer due by then, earliest first. Timers that expire in the same
// millisecond share a bucket and fire in the order they were scheduled.
package timer

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/roam/future"
)

// An ID identifies a scheduled timer.
type ID uint64

type entry struct {
	at    int64         // expiry, in Unix milliseconds
	every time.Duration // repeat interval, or 0 for a one-shot timer
	fn    func()
}

// A Scheduler is a collection of pending timers. Its methods are safe for
// concurrent use. Callbacks run without any lock held, so they may schedule
// or cancel timers.
type Scheduler struct {
	now  func() time.Time
	wake chan struct{}
	pool future.Pool[struct{}]

	μ       sync.Mutex
	nextID  ID
	times   *heapq.Queue[int64] // distinct bucket expiries
	buckets map[int64][]ID      // expiry → timers, in scheduling order
	timers  map[ID]*entry
}

// New constructs an empty scheduler. The now function reports the current
// time when a timer is scheduled; if nil, time.Now is used.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		now:     now,
		wake:    make(chan struct{}, 1),
		times:   heapq.New(cmp.Compare[int64]),
		buckets: make(map[int64][]ID),
		timers:  make(map[ID]*entry),
	}
}

// Once schedules fn to run once, d after the current time.
func (s *Scheduler) Once(d time.Duration, fn func()) ID {
	return s.add(d, 0, fn)
}

// Repeat schedules fn to run every d, starting d after the current time. It
// panics if d ≤ 0.
func (s *Scheduler) Repeat(d time.Duration, fn func()) ID {
	if d <= 0 {
		panic(fmt.Sprintf("timer: invalid repeat interval %v", d))
	}
	return s.add(d, d, fn)
}

func (s *Scheduler) add(d, every time.Duration, fn func()) ID {
	at := s.now().Add(d).UnixMilli()

	s.μ.Lock()
	defer s.μ.Unlock()
	s.nextID++
	id := s.nextID
	s.timers[id] = &entry{at: at, every: every, fn: fn}
	s.scheduleLocked(id, at)
	return id
}

func (s *Scheduler) scheduleLocked(id ID, at int64) {
	b, ok := s.buckets[at]
	s.buckets[at] = append(b, id)
	if ok {
		return
	}
	front, ok := s.times.Peek(0)
	s.times.Add(at)
	if !ok || at < front {
		// The earliest deadline moved; nudge the owner.
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Cancel cancels the timer with the given id, and reports whether it was
// pending. A cancelled timer does not fire.
func (s *Scheduler) Cancel(id ID) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	_, ok := s.timers[id]
	delete(s.timers, id)
	return ok
}

// Len reports the number of pending timers.
func (s *Scheduler) Len() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.timers)
}

// Next reports the earliest time at which a timer may be due. It reports
// false if there are no buckets pending. The reported time may belong to a
// bucket whose timers were all cancelled.
func (s *Scheduler) Next() (time.Time, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	at, ok := s.times.Peek(0)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(at), true
}

// Changed returns a channel that receives a value when the earliest deadline
// of s moves earlier. The owner should re-check [Scheduler.Next] when it does.
func (s *Scheduler) Changed() <-chan struct{} { return s.wake }

// Advance runs every timer due at or before now, in expiry order, and
// reports how many callbacks ran. A repeating timer is rescheduled one
// interval after now, so a long gap between calls does not cause a burst.
func (s *Scheduler) Advance(now time.Time) int {
	limit := now.UnixMilli()

	s.μ.Lock()
	var due []func()
	for {
		at, ok := s.times.Peek(0)
		if !ok || at > limit {
			break
		}
		s.times.Pop()
		ids := s.buckets[at]
		delete(s.buckets, at)
		for _, id := range ids {
			e, ok := s.timers[id]
			if !ok || e.at != at {
				continue // cancelled
			}
			due = append(due, e.fn)
			if e.every > 0 {
				e.at = now.Add(e.every).UnixMilli()
				s.scheduleLocked(id, e.at)
			} else {
				delete(s.timers, id)
			}
		}
	}
	s.μ.Unlock()

	for _, fn := range due {
		fn()
	}
	return len(due)
}

// Wait blocks until d has elapsed, as observed by calls to Advance, or until
// ctx ends. While blocked, it yields the execution context carried by ctx
// (see [future.WithYielder]).
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := s.pool.Get()
	id := s.Once(d, func() { f.TrySetResult(struct{}{}) })
	if err := f.Wait(ctx); err != nil {
		s.Cancel(id)
		if f.TrySetException(err) {
			f.Result()
			return err
		}
	}
	f.Result()
	return nil
}
