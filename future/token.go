// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package future

import "sync"

// A Token is a cooperative cancellation signal. It holds a list of callbacks
// that are invoked, in registration order, when the token is cancelled.
// Cancellation does not interrupt work in progress; it only runs the
// callbacks, which typically settle a future with [ErrCanceled].
//
// The zero Token is ready for use, and must not be copied after first use.
type Token struct {
	μ    sync.Mutex
	done bool
	next int
	cbs  []tokenCallback
}

type tokenCallback struct {
	id int
	fn func()
}

// Add registers fn to run when t is cancelled, and returns a function that
// unregisters it. If t is already cancelled, fn runs immediately.
func (t *Token) Add(fn func()) (remove func()) {
	t.μ.Lock()
	if t.done {
		t.μ.Unlock()
		fn()
		return func() {}
	}
	t.next++
	id := t.next
	t.cbs = append(t.cbs, tokenCallback{id: id, fn: fn})
	t.μ.Unlock()

	return func() {
		t.μ.Lock()
		defer t.μ.Unlock()
		for i, cb := range t.cbs {
			if cb.id == id {
				t.cbs = append(t.cbs[:i], t.cbs[i+1:]...)
				return
			}
		}
	}
}

// Cancel marks t as cancelled and runs all registered callbacks
// synchronously. Only the first call has any effect.
func (t *Token) Cancel() {
	t.μ.Lock()
	if t.done {
		t.μ.Unlock()
		return
	}
	t.done = true
	cbs := t.cbs
	t.cbs = nil
	t.μ.Unlock()

	for _, cb := range cbs {
		cb.fn()
	}
}

// Canceled reports whether t has been cancelled.
func (t *Token) Canceled() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.done
}

// Bind arranges for f to fail with [ErrCanceled] if t is cancelled before f is
// settled. It returns a function that detaches f from t, which the caller
// should invoke once f is no longer of interest.
func Bind[T any](t *Token, f Future[T]) (detach func()) {
	return t.Add(func() { f.TrySetException(ErrCanceled) })
}
