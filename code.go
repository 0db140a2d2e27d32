// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roam

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/roam/future"
	"github.com/creachadair/roam/packet"
)

// An ErrorCode describes the outcome of a request. It is carried as the first
// four bytes of every response payload.
//
// An ErrorCode is itself an error, so that handlers may return a bare code,
// and so that errors.Is(err, code) works on any error that carries one.
type ErrorCode uint32

const (
	CodeSuccess         ErrorCode = 0  // the request succeeded
	CodeNotFoundRoute   ErrorCode = 1  // no handler or entity for the route
	CodeRouteTimeout    ErrorCode = 2  // the request expired in transit
	CodeRPCFail         ErrorCode = 3  // the handler failed, or the call timed out
	CodeEntityNotFound  ErrorCode = 4  // the entity went away while the request waited
	CodeLockAlreadyHeld ErrorCode = 5  // a reentrant lock acquisition was refused
	CodeSessionClosed   ErrorCode = 6  // the session ended before a response arrived
	CodeLockTimeout     ErrorCode = 7  // a lock was not granted in time
	CodeCanceled        ErrorCode = 8  // the caller gave up
	CodeBadPayload      ErrorCode = 9  // the payload could not be decoded
	CodeNotFoundRoaming ErrorCode = 10 // no roaming link or terminus for the route
	CodeLinkExists      ErrorCode = 11 // the roaming link or type is already in use
)

var codeNames = [...]string{
	CodeSuccess:         "SUCCESS",
	CodeNotFoundRoute:   "NOT_FOUND_ROUTE",
	CodeRouteTimeout:    "ROUTE_TIMEOUT",
	CodeRPCFail:         "RPC_FAIL",
	CodeEntityNotFound:  "ENTITY_NOT_FOUND",
	CodeLockAlreadyHeld: "LOCK_ALREADY_HELD",
	CodeSessionClosed:   "SESSION_CLOSED",
	CodeLockTimeout:     "LOCK_TIMEOUT",
	CodeCanceled:        "CANCELED",
	CodeBadPayload:      "BAD_PAYLOAD",
	CodeNotFoundRoaming: "NOT_FOUND_ROAMING",
	CodeLinkExists:      "LINK_EXISTS",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ERROR_CODE_%d", uint32(c))
}

// Error satisfies the error interface.
func (c ErrorCode) Error() string { return "roam: " + c.String() }

// ErrorCode satisfies the coder interface, so a bare code reports itself.
func (c ErrorCode) ErrorCode() ErrorCode { return c }

// Wrap returns an error that wraps err and reports code c. If err == nil,
// Wrap returns nil.
func (c ErrorCode) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: c, err: err}
}

type codedError struct {
	code ErrorCode
	err  error
}

func (e *codedError) Error() string        { return e.err.Error() }
func (e *codedError) Unwrap() error        { return e.err }
func (e *codedError) ErrorCode() ErrorCode { return e.code }
func (e *codedError) Is(target error) bool { return target == e.code }

// coder is implemented by errors that carry an [ErrorCode].
type coder interface{ ErrorCode() ErrorCode }

// CodeOf reports the error code carried by err. A nil error is
// [CodeSuccess]. Cancellation of a future or a context maps to
// [CodeCanceled]. Any other error without a code maps to [CodeRPCFail].
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	if errors.Is(err, future.ErrCanceled) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return CodeRPCFail
}

// CallError is the concrete type of errors reported by the Call method of a
// [Session] for a request that did not succeed.
type CallError struct {
	Code     ErrorCode     // the outcome of the call
	Err      error         // the local cause, if any
	Response *packet.Frame // set if the error came from a response frame
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call failed (%v): %v", c.Code, c.Err)
	} else if c.Response != nil {
		return fmt.Sprintf("request %d: %v", c.Response.RPCID, c.Code)
	}
	return fmt.Sprintf("call failed: %v", c.Code)
}

// Unwrap reports the underlying error of c, which may be nil.
func (c *CallError) Unwrap() error { return c.Err }

// ErrorCode reports the code of c.
func (c *CallError) ErrorCode() ErrorCode { return c.Code }

// Is reports whether target is the code of c.
func (c *CallError) Is(target error) bool { return target == c.Code }
