// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package future

import "context"

// A Yielder is an execution context that can be relinquished while a
// goroutine blocks. Yield releases the context and returns a function that
// reacquires it. A Yielder that is not currently held by the caller returns
// a no-op resume function.
type Yielder interface {
	Yield() (resume func())
}

type yielderKey struct{}

// WithYielder returns a copy of ctx carrying y. Blocking operations in this
// package, and those built on it, yield y while they wait.
func WithYielder(ctx context.Context, y Yielder) context.Context {
	return context.WithValue(ctx, yielderKey{}, y)
}

// ContextYielder returns the Yielder carried by ctx, or nil.
func ContextYielder(ctx context.Context) Yielder {
	if v := ctx.Value(yielderKey{}); v != nil {
		return v.(Yielder)
	}
	return nil
}

// Suspend yields the Yielder carried by ctx, if any, and returns a function
// that resumes it. It is for blocking operations outside this package that
// must not hold the caller's execution context while they wait.
func Suspend(ctx context.Context) (resume func()) {
	if y := ContextYielder(ctx); y != nil {
		return y.Yield()
	}
	return func() {}
}

// Wait blocks until f is settled or ctx ends. It does not consume f. If ctx
// ends first, Wait returns its error and f remains pending.
func (f Future[T]) Wait(ctx context.Context) error {
	c := f.lock("Wait")
	if c.state != Pending {
		c.μ.Unlock()
		return nil
	}
	if c.done == nil {
		c.done = make(chan struct{})
	}
	done := c.done
	c.μ.Unlock()

	resume := Suspend(ctx)
	defer resume()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await waits for f to settle and then consumes it, returning its value and
// error. If ctx ends first, Await returns the context error and leaves f
// unconsumed; a pooled future abandoned this way is never recycled.
func Await[T any](ctx context.Context, f Future[T]) (T, error) {
	if err := f.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return f.Result()
}
