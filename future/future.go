// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package future implements a single-assignment result cell with one
// continuation slot.
//
// A [Future] is settled exactly once, either with a value ([Future.SetResult])
// or with an error ([Future.SetException]). Settling a future twice is a bug
// in the caller and panics with a [*StateError]. Reading the result with
// [Future.Result] consumes the future: a future rented from a [Pool] is
// recycled at that point, and any later use of the same handle panics.
//
// Futures that must outlive a single consumption, for example a value held
// across a retry loop, should be created with [Unpooled]. Those are never
// recycled and may be read more than once.
package future

import (
	"errors"
	"fmt"
	"sync"
)

// State is the settlement state of a future.
type State int32

const (
	Pending   State = iota // not yet settled
	Succeeded              // settled with a value
	Faulted                // settled with an error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Succeeded:
		return "SUCCEEDED"
	case Faulted:
		return "FAULTED"
	default:
		return fmt.Sprintf("state %d", int32(s))
	}
}

var (
	// ErrAlreadySettled is reported when a settled future is settled again.
	ErrAlreadySettled = errors.New("future: already settled")

	// ErrRecycled is reported when a handle is used after its future was
	// consumed and returned to its pool, or when the handle is zero.
	ErrRecycled = errors.New("future: use of recycled future")

	// ErrPending is reported when the result of an unsettled future is read.
	ErrPending = errors.New("future: result read before completion")

	// ErrContinuation is reported when a second continuation is registered.
	ErrContinuation = errors.New("future: continuation already registered")

	// ErrCanceled is the error used to settle a future whose cancellation
	// token fired before it completed.
	ErrCanceled = errors.New("future: canceled")
)

// A StateError reports misuse of a future. State errors indicate a bug in the
// caller and are raised by panicking with a *StateError value.
type StateError struct {
	Op  string // the method that detected the problem
	Err error  // one of the sentinel errors above
}

func (e *StateError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StateError) Unwrap() error { return e.Err }

type cell[T any] struct {
	μ     sync.Mutex
	gen   uint64
	state State
	val   T
	err   error
	cont  func()
	done  chan struct{} // created on demand by Wait, closed on settlement
	pool  *Pool[T]      // nil for unpooled cells
	free  bool          // the cell is sitting in its pool
}

// A Future is a handle to a single-assignment result of type T.
// The zero Future is invalid; obtain one from a [Pool] or [Unpooled].
//
// A Future is a small value and may be copied freely; all copies refer to the
// same result. Once a pooled future has been consumed, every copy is stale.
type Future[T any] struct {
	c   *cell[T]
	gen uint64
}

// Unpooled returns a new pending future that is never recycled.
func Unpooled[T any]() Future[T] { return Future[T]{c: new(cell[T])} }

// Completed returns an unpooled future already settled with v.
func Completed[T any](v T) Future[T] {
	f := Unpooled[T]()
	f.c.state, f.c.val = Succeeded, v
	return f
}

// Failed returns an unpooled future already settled with err.
func Failed[T any](err error) Future[T] {
	f := Unpooled[T]()
	f.c.state, f.c.err = Faulted, err
	return f
}

// IsZero reports whether f is the zero Future.
func (f Future[T]) IsZero() bool { return f.c == nil }

// IsPooled reports whether f was rented from a pool.
func (f Future[T]) IsPooled() bool { return f.c != nil && f.c.pool != nil }

// lock acquires the cell of f, or panics if f is stale.
func (f Future[T]) lock(op string) *cell[T] {
	c := f.tryLock()
	if c == nil {
		panic(&StateError{Op: op, Err: ErrRecycled})
	}
	return c
}

// tryLock acquires the cell of f, or returns nil without locking if f is
// stale.
func (f Future[T]) tryLock() *cell[T] {
	if f.c == nil {
		return nil
	}
	f.c.μ.Lock()
	if f.c.gen != f.gen || f.c.free {
		f.c.μ.Unlock()
		return nil
	}
	return f.c
}

// State reports the current state of f without blocking.
func (f Future[T]) State() State {
	c := f.lock("State")
	defer c.μ.Unlock()
	return c.state
}

// IsCompleted reports whether f has been settled. It does not block.
func (f Future[T]) IsCompleted() bool { return f.State() != Pending }

// SetResult settles f with the value v. It panics if f is already settled.
func (f Future[T]) SetResult(v T) { f.settle("SetResult", Succeeded, v, nil, true) }

// SetException settles f with the error err. It panics if f is already
// settled or if err == nil.
func (f Future[T]) SetException(err error) {
	if err == nil {
		panic("future: SetException with nil error")
	}
	var zero T
	f.settle("SetException", Faulted, zero, err, true)
}

// TrySetResult settles f with v if f is still pending, and reports whether it
// did so. Unlike SetResult it does not panic if f is settled or stale; it is
// meant for settlers that race with one another, such as timeouts.
func (f Future[T]) TrySetResult(v T) bool {
	return f.settle("TrySetResult", Succeeded, v, nil, false)
}

// TrySetException settles f with err if f is still pending, and reports
// whether it did so. See [Future.TrySetResult].
func (f Future[T]) TrySetException(err error) bool {
	if err == nil {
		panic("future: TrySetException with nil error")
	}
	var zero T
	return f.settle("TrySetException", Faulted, zero, err, false)
}

func (f Future[T]) settle(op string, st State, v T, err error, must bool) bool {
	var c *cell[T]
	if must {
		c = f.lock(op)
	} else if c = f.tryLock(); c == nil {
		return false
	}
	if c.state != Pending {
		c.μ.Unlock()
		if must {
			panic(&StateError{Op: op, Err: ErrAlreadySettled})
		}
		return false
	}
	c.state, c.val, c.err = st, v, err
	cont := c.cont
	c.cont = nil
	if c.done != nil {
		close(c.done)
	}
	c.μ.Unlock()

	// The continuation runs on the settling goroutine, after the cell is
	// unlocked so that it may consume f.
	if cont != nil {
		cont()
	}
	return true
}

// OnCompleted registers fn to be called when f is settled. If f is already
// settled, fn is called immediately. Otherwise fn is called synchronously by
// the goroutine that settles f. A future has exactly one continuation slot;
// registering a second continuation panics.
func (f Future[T]) OnCompleted(fn func()) {
	c := f.lock("OnCompleted")
	if c.state != Pending {
		c.μ.Unlock()
		fn()
		return
	}
	if c.cont != nil {
		c.μ.Unlock()
		panic(&StateError{Op: "OnCompleted", Err: ErrContinuation})
	}
	c.cont = fn
	c.μ.Unlock()
}

// Result consumes f and returns its value and error. It panics if f is not
// yet settled or is stale. If f was rented from a pool it is recycled, and f
// and all its copies become stale.
func (f Future[T]) Result() (T, error) {
	c := f.lock("Result")
	if c.state == Pending {
		c.μ.Unlock()
		panic(&StateError{Op: "Result", Err: ErrPending})
	}
	v, err := c.val, c.err
	p := c.pool
	if p != nil {
		var zero T
		c.val, c.err, c.state = zero, nil, Pending
		c.cont, c.done = nil, nil
		c.gen++
		c.free = true
	}
	c.μ.Unlock()
	if p != nil {
		p.put(c)
	}
	return v, err
}

// String returns a human-friendly rendering of the future.
func (f Future[T]) String() string {
	c := f.tryLock()
	if c == nil {
		return "Future(stale)"
	}
	defer c.μ.Unlock()
	switch c.state {
	case Succeeded:
		return fmt.Sprintf("Future(%v, %v)", c.state, c.val)
	case Faulted:
		return fmt.Sprintf("Future(%v, %v)", c.state, c.err)
	}
	return "Future(PENDING)"
}
