// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package colock implements a cooperative per-key mutual exclusion table.
//
// At most one [Guard] exists for a given key of a [Table] at any time. Other
// callers of [Table.Wait] for the same key queue in arrival order, and when
// the holder releases its guard the next waiter is handed the key directly,
// without the key ever becoming free in between.
//
// Locks are not reentrant. A caller that passes a context obtained from
// [Guard.Bind] back into Wait for the same key receives [ErrReentrant]
// instead of deadlocking.
package colock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/future"
	"github.com/hashicorp/go-metrics"
)

// DefaultTimeout is the longest a waiter queues for a key by default.
const DefaultTimeout = 30 * time.Second

var (
	// ErrReentrant is reported when a context that already holds a key tries
	// to acquire it again.
	ErrReentrant = roam.CodeLockAlreadyHeld.Wrap(errors.New("colock: lock already held"))

	// ErrTimeout is reported when a waiter is not granted a key in time.
	ErrTimeout = roam.CodeLockTimeout.Wrap(errors.New("colock: timed out waiting for lock"))

	// ErrClosed is reported by waits on a closed table.
	ErrClosed = errors.New("colock: table is closed")
)

// A Table is a collection of per-key locks. The zero Table is not ready for
// use; call [New].
type Table struct {
	name    string
	timeout time.Duration
	pool    future.Pool[*Guard]

	μ      sync.Mutex
	closed bool
	keys   map[int64]*queue.Queue[future.Future[*Guard]]
}

// New constructs an empty lock table. The name labels its metrics. A timeout
// ≤ 0 means [DefaultTimeout].
func New(name string, timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		name:    name,
		timeout: timeout,
		keys:    make(map[int64]*queue.Queue[future.Future[*Guard]]),
	}
}

type heldKey struct {
	t   *Table
	key int64
}

// Wait acquires the lock for key, blocking until it is available, ctx ends,
// or the table timeout elapses. While blocked, Wait yields the execution
// context carried by ctx (see [future.WithYielder]).
func (t *Table) Wait(ctx context.Context, key int64) (*Guard, error) {
	if g, ok := ctx.Value(heldKey{t, key}).(*Guard); ok && !g.released.Load() {
		return nil, ErrReentrant
	}

	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return nil, ErrClosed
	}
	q, ok := t.keys[key]
	if !ok {
		// The key is free: take it at once.
		t.keys[key] = queue.New[future.Future[*Guard]]()
		t.μ.Unlock()
		metrics.IncrCounterWithLabels(roam.MetricLockAcquired, 1, []metrics.Label{roam.LabelLock.M(t.name)})
		return &Guard{t: t, key: key}, nil
	}
	f := t.pool.Get()
	q.Add(f)
	t.μ.Unlock()

	metrics.IncrCounterWithLabels(roam.MetricLockQueued, 1, []metrics.Label{roam.LabelLock.M(t.name)})
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := f.Wait(wctx); err != nil {
		// Abandon our place in the queue. If we lose the race because the key
		// was handed to us concurrently, pass it on at once.
		if !f.TrySetException(err) {
			if g, gerr := f.Result(); gerr == nil {
				g.Release()
			}
		} else {
			f.Result()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.IncrCounterWithLabels(roam.MetricLockTimeout, 1, []metrics.Label{roam.LabelLock.M(t.name)})
		return nil, ErrTimeout
	}
	metrics.MeasureSinceWithLabels(roam.MetricLockWait, start, []metrics.Label{roam.LabelLock.M(t.name)})
	return f.Result()
}

// release hands key to the next live waiter, or frees it.
func (t *Table) release(key int64) {
	t.μ.Lock()
	defer t.μ.Unlock()
	q, ok := t.keys[key]
	if !ok {
		return // the table was closed while the key was held
	}
	for {
		f, ok := q.Pop()
		if !ok {
			delete(t.keys, key)
			return
		}
		// A waiter that timed out has already settled its own future, and a
		// consumed one is stale; both refuse the result and are skipped.
		if f.TrySetResult(&Guard{t: t, key: key}) {
			return
		}
	}
}

// Held reports whether key is currently held.
func (t *Table) Held(key int64) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	_, ok := t.keys[key]
	return ok
}

// Waiting reports the number of callers queued for key, including any that
// have given up but not yet been skipped.
func (t *Table) Waiting(key int64) int {
	t.μ.Lock()
	defer t.μ.Unlock()
	if q, ok := t.keys[key]; ok {
		return q.Len()
	}
	return 0
}

// Len reports the number of keys currently held.
func (t *Table) Len() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.keys)
}

// Close fails all queued waiters with [ErrClosed] and discards all keys. After
// Close, Wait reports ErrClosed and releasing outstanding guards has no
// effect.
func (t *Table) Close() {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.closed = true
	for key, q := range t.keys {
		for {
			f, ok := q.Pop()
			if !ok {
				break
			}
			f.TrySetException(ErrClosed)
		}
		delete(t.keys, key)
	}
}

// A Guard represents ownership of a key in a [Table].
type Guard struct {
	t        *Table
	key      int64
	released atomic.Bool
}

// Key returns the key held by g.
func (g *Guard) Key() int64 { return g.key }

// Release gives up the key, handing it to the next waiter if there is one.
// Releasing a guard twice panics.
func (g *Guard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		panic("colock: guard released twice")
	}
	g.t.release(g.key)
}

// Bind returns a copy of ctx that records g as held. A Wait for the same key
// of the same table with the resulting context reports [ErrReentrant].
func (g *Guard) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, heldKey{g.t, g.key}, g)
}
