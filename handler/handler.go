// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the dispatch.Handler type for functions
// with typed parameters and results.
//
// Parameters and results are encoded with the codec selected by the opcode of
// the request (see [message.Marshal]). As a special case, a parameter or
// result of type []byte or string is passed through unencoded.
package handler

import (
	"bytes"
	"context"

	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
)

// frameContextKey is a context key for the frame passed to a handler.
type frameContextKey struct{}

// ContextFrame returns the original frame passed to the handler, or nil if
// ctx has no associated frame. The context passed to a handler returned by
// this package has this value. The frame is valid only until the handler
// returns; call [packet.Frame.Detach] to keep it longer.
func ContextFrame(ctx context.Context) *packet.Frame {
	if v := ctx.Value(frameContextKey{}); v != nil {
		return v.(*packet.Frame)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a dispatch.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) dispatch.Handler {
	return func(ctx context.Context, fr *packet.Frame) ([]byte, error) {
		var p P
		if err := unmarshal(fr, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, frameContextKey{}, fr), p)
		if err != nil {
			return nil, err
		}
		return marshal(fr.Opcode, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a dispatch.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) dispatch.Handler {
	return ParamResultError(func(ctx context.Context, p P) (R, error) { return f(ctx, p), nil })
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a dispatch.Handler.
func ParamError[P any](f func(context.Context, P) error) dispatch.Handler {
	return func(ctx context.Context, fr *packet.Frame) ([]byte, error) {
		var p P
		if err := unmarshal(fr, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, frameContextKey{}, fr), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a dispatch.Handler.
func ResultError[R any](f func(context.Context) (R, error)) dispatch.Handler {
	return func(ctx context.Context, fr *packet.Frame) ([]byte, error) {
		r, err := f(context.WithValue(ctx, frameContextKey{}, fr))
		if err != nil {
			return nil, err
		}
		return marshal(fr.Opcode, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a dispatch.Handler.
func ResultOnly[R any](f func(context.Context) R) dispatch.Handler {
	return ResultError(func(ctx context.Context) (R, error) { return f(ctx), nil })
}

// Request returns an entry for request opcode op whose handler is f. The
// response has opcode rsp, or the default response if rsp == 0.
func Request[P, R any](op, rsp packet.Opcode, name string, f func(context.Context, P) (R, error)) dispatch.Entry {
	return dispatch.Entry{Opcode: op, Name: name, Response: rsp, Handler: ParamResultError(f)}
}

// Message returns an entry for message opcode op whose handler is f.
func Message[P any](op packet.Opcode, name string, f func(context.Context, P) error) dispatch.Entry {
	return dispatch.Entry{Opcode: op, Name: name, Handler: ParamError(f)}
}

// Result decodes the body of a successful response frame as a value of type
// R, using the codec selected by the opcode of the response.
func Result[R any](rsp *packet.Frame) (R, error) {
	var r R
	_, body, err := packet.SplitResponse(rsp.Payload)
	if err != nil {
		return r, err
	}
	err = decode(rsp.Opcode, body, &r)
	return r, err
}

// Encode encodes v as the payload of a frame with opcode op.
func Encode(op packet.Opcode, v any) ([]byte, error) { return marshal(op, v) }

func unmarshal(fr *packet.Frame, v any) error { return decode(fr.Opcode, fr.Payload, v) }

func decode(op packet.Opcode, data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	default:
		return message.Unmarshal(op, data, v)
	}
	return nil
}

// marshal encodes v with the codec of op. As a special case, if v is a nil
// pointer to a string or []byte, the result is nil without error.
func marshal(op packet.Opcode, v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	default:
		return message.Marshal(op, v)
	}
}
