// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roam_test

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/creachadair/roam/future"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var (
	testReq = packet.NewOpcode(packet.InnerRequest, packet.CodecProtobuf, 100)
	testRsp = packet.NewOpcode(packet.InnerResponse, packet.CodecProtobuf, 100)
	testMsg = packet.NewOpcode(packet.InnerMessage, packet.CodecProtobuf, 100)
)

// replyWithCode answers each request with the error code given by the first
// byte of its payload, echoing the rest. Requests with an empty payload are
// never answered.
func replyWithCode(s *roam.Session, f *packet.Frame) {
	if f.Opcode.Category().Kind() != packet.KindRequest || len(f.Payload) == 0 {
		return
	}
	go s.Reply(f, testRsp, roam.ErrorCode(f.Payload[0]), f.Payload[1:])
}

func TestSession(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(func(s *roam.Session) { s.Receive(replyWithCode) })
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping sessions: %v", err)
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)
		if v := m.Get("calls_pending").(*expvar.Int).Value(); v != 0 {
			t.Errorf("Metric calls_pending = %d, want 0", v)
		}
	}()

	tests := []struct {
		who  *roam.Session
		code roam.ErrorCode
		body string
	}{
		{loc.B, roam.CodeSuccess, ""},
		{loc.B, roam.CodeSuccess, "yay"},
		{loc.A, roam.CodeSuccess, "other direction"},
		{loc.B, roam.CodeNotFoundRoute, ""},
		{loc.B, roam.CodeEntityNotFound, "detail"},
		{loc.A, roam.CodeRPCFail, ""},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%v-%s", tc.code, tc.body), func(t *testing.T) {
			payload := append([]byte{byte(tc.code)}, tc.body...)
			rsp, err := tc.who.Call(t.Context(), testReq, 0, payload)
			if tc.code == roam.CodeSuccess {
				if err != nil {
					t.Fatalf("Call: unexpected error: %v", err)
				}
				code, body, _ := packet.SplitResponse(rsp.Payload)
				if code != 0 || string(body) != tc.body {
					t.Errorf("Response: got (%d, %q), want (0, %q)", code, body, tc.body)
				}
				return
			}
			var ce *roam.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("Call: got %v, want *CallError", err)
			}
			if ce.Code != tc.code || !errors.Is(err, tc.code) {
				t.Errorf("Call: got code %v, want %v", ce.Code, tc.code)
			}
			if got := roam.CodeOf(err); got != tc.code {
				t.Errorf("CodeOf: got %v, want %v", got, tc.code)
			}
		})
	}

	t.Run("Ping", func(t *testing.T) {
		if _, err := loc.A.Ping(t.Context()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})

	t.Run("Message", func(t *testing.T) {
		got := make(chan *packet.Frame, 1)
		loc.A.Receive(func(_ *roam.Session, f *packet.Frame) { got <- f })
		defer loc.A.Receive(replyWithCode)

		if err := loc.B.Send(testMsg, 25, []byte("hello")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		f := <-got
		if f.Opcode != testMsg || f.Route != 25 || string(f.Payload) != "hello" || f.RPCID != 0 {
			t.Errorf("Received %v %q", f, f.Payload)
		}
	})
}

func TestRouteTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(func(s *roam.Session) { s.Receive(replyWithCode) })
	defer loc.Stop()

	f := loc.B.CallAsync(testReq, 0, []byte{byte(roam.CodeRouteTimeout)})
	if _, err := future.Await(t.Context(), f); !errors.Is(err, roam.CodeRouteTimeout) {
		t.Errorf("Await: got %v, want %v", err, roam.CodeRouteTimeout)
	}

	// Other failure codes settle the future with the response.
	f = loc.B.CallAsync(testReq, 0, []byte{byte(roam.CodeEntityNotFound)})
	rsp, err := future.Await(t.Context(), f)
	if err != nil {
		t.Fatalf("Await: unexpected error: %v", err)
	}
	if code, _, _ := packet.SplitResponse(rsp.Payload); code != uint32(roam.CodeEntityNotFound) {
		t.Errorf("Response code: got %d, want %d", code, roam.CodeEntityNotFound)
	}
}

func TestUnmatchedResponse(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(nil)
	defer loc.Stop()

	if loc.A.Deliver(&packet.Frame{Opcode: testRsp, RPCID: 12345}) {
		t.Error("Deliver of an unmatched response reported true")
	}
}

func TestCallTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loc := peers.NewLocal(func(s *roam.Session) { s.Receive(replyWithCode) })
		defer loc.Stop()

		// An empty payload is never answered. The sweep runs every 10s and
		// fails calls at least 30s old, so the call ends at exactly 30s.
		start := time.Now()
		_, err := loc.B.Call(t.Context(), testReq, 0, nil)
		if got := roam.CodeOf(err); got != roam.CodeRPCFail {
			t.Errorf("Call: got %v (%v), want %v", err, got, roam.CodeRPCFail)
		}
		if d := time.Since(start); d != 30*time.Second {
			t.Errorf("Call gave up after %v, want 30s", d)
		}
		if n := loc.B.Pending(); n != 0 {
			t.Errorf("Pending after sweep: got %d, want 0", n)
		}
	})
}

func TestCallCanceled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loc := peers.NewLocal(func(s *roam.Session) { s.Receive(replyWithCode) })
		defer loc.Stop()

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		_, err := loc.B.Call(ctx, testReq, 0, nil)
		if got := roam.CodeOf(err); got != roam.CodeCanceled {
			t.Errorf("Call: got %v (%v), want %v", err, got, roam.CodeCanceled)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Call: got %v, want %v", err, context.DeadlineExceeded)
		}
		if n := loc.B.Pending(); n != 0 {
			t.Errorf("Pending after cancel: got %d, want 0", n)
		}
	})
}

func TestStopFailsPending(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(func(s *roam.Session) { s.Receive(replyWithCode) })

	var exitErr error
	exited := make(chan struct{})
	loc.B.OnExit(func(err error) { exitErr = err; close(exited) })

	// None of these requests is answered.
	const numCalls = 5
	var pending []future.Future[*packet.Frame]
	for range numCalls {
		pending = append(pending, loc.B.CallAsync(testReq, 0, nil))
	}
	if n := loc.B.Pending(); n != numCalls {
		t.Errorf("Pending before stop: got %d, want %d", n, numCalls)
	}
	if err := loc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-exited
	if exitErr != nil {
		t.Errorf("Exit error: got %v, want nil", exitErr)
	}
	for i, f := range pending {
		if _, err := future.Await(t.Context(), f); roam.CodeOf(err) != roam.CodeSessionClosed {
			t.Errorf("Pending call %d: got %v, want %v", i+1, err, roam.CodeSessionClosed)
		}
	}
	if n := loc.B.Pending(); n != 0 {
		t.Errorf("Pending after stop: got %d, want 0", n)
	}

	// Calls on a stopped session fail at once.
	if _, err := loc.B.Call(t.Context(), testReq, 0, []byte{0}); roam.CodeOf(err) != roam.CodeSessionClosed {
		t.Errorf("Call after stop: got %v, want %v", err, roam.CodeSessionClosed)
	}
}

func TestAbandonedResponse(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(func(s *roam.Session) { s.Receive(replyWithCode) })
	defer loc.Stop()

	// pooled returns a response for rpcID whose payload is borrowed from pool.
	var pool packet.BufferPool
	pooled := func(rpcID uint32, code roam.ErrorCode) *packet.Frame {
		t.Helper()
		src := (&packet.Frame{
			Opcode:  testRsp,
			RPCID:   rpcID,
			Payload: packet.AppendResponse(nil, uint32(code), []byte("late")),
		}).Encode()
		f, err := packet.ReadFrame(bytes.NewReader(src), 0, &pool)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		return f
	}

	// The callers give up on both calls before their responses arrive. The
	// first call of a session has correlation id 1.
	for i, code := range []roam.ErrorCode{roam.CodeSuccess, roam.CodeRouteTimeout} {
		f := loc.B.CallAsync(testReq, 0, nil)
		if !f.TrySetException(context.Canceled) {
			t.Fatalf("Call %d was settled early", i+1)
		}
		if !loc.B.Deliver(pooled(uint32(i+1), code)) {
			t.Errorf("Deliver %d: no pending call", i+1)
		}
	}
	if gets, _, returned := pool.Stats(); returned != gets {
		t.Errorf("Pool: %d buffers borrowed, %d returned", gets, returned)
	}
}

func TestFrameLog(t *testing.T) {
	defer leaktest.Check(t)()

	var log []string
	loc := peers.NewLocal(nil)
	loc.A.Receive(replyWithCode)
	loc.B.LogFrames(func(fi roam.FrameInfo) {
		log = append(log, fmt.Sprintf("%v %d", fi.Sent, fi.RPCID))
	})
	if _, err := loc.B.Call(t.Context(), testReq, 0, []byte{0}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	loc.Stop()

	if diff := cmp.Diff([]string{"true 1", "false 1"}, log); diff != "" {
		t.Errorf("Frame log (-want, +got):\n%s", diff)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want roam.ErrorCode
	}{
		{nil, roam.CodeSuccess},
		{errors.New("random"), roam.CodeRPCFail},
		{roam.CodeBadPayload, roam.CodeBadPayload},
		{fmt.Errorf("wrapped: %w", roam.CodeNotFoundRoute), roam.CodeNotFoundRoute},
		{roam.CodeEntityNotFound.Wrap(errors.New("gone")), roam.CodeEntityNotFound},
		{future.ErrCanceled, roam.CodeCanceled},
		{context.Canceled, roam.CodeCanceled},
		{colock.ErrTimeout, roam.CodeLockTimeout},
		{colock.ErrReentrant, roam.CodeLockAlreadyHeld},
		{roam.ErrSessionClosed, roam.CodeSessionClosed},
		{&roam.CallError{Code: roam.CodeRouteTimeout}, roam.CodeRouteTimeout},
	}
	for _, tc := range tests {
		if got := roam.CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
	if roam.CodeSuccess.Wrap(nil) != nil {
		t.Error("Wrap(nil) is not nil")
	}
	if got := roam.ErrorCode(77).String(); got != "ERROR_CODE_77" {
		t.Errorf("String: got %q", got)
	}
}

func TestAddress(t *testing.T) {
	a := roam.MakeAddress(7, 3)
	if a.Scene() != 7 || a.Seq() != 3 || a.IsScene() {
		t.Errorf("Address %v: scene %d, seq %d", a, a.Scene(), a.Seq())
	}
	if s := roam.MakeAddress(0xffffffff, 0); !s.IsScene() || s.Scene() != 0xffffffff {
		t.Errorf("Address %v: want scene root of 0xffffffff", s)
	}
	if got := a.String(); got != "7/3" {
		t.Errorf("String: got %q, want 7/3", got)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, network, address string
	}{
		{"", "unix", ""},
		{"foo", "unix", "foo"},
		{"foo:bar", "tcp", "foo:bar"},
		{"/tmp/sock:0", "unix", "/tmp/sock:0"},
		{":8080", "tcp", ":8080"},
		{"localhost:http", "tcp", "localhost:http"},
		{"a:b:c:x y", "unix", "a:b:c:x y"},
	}
	for _, tc := range tests {
		net, addr := roam.SplitAddress(tc.input)
		if net != tc.network || addr != tc.address {
			t.Errorf("SplitAddress(%q): got (%q, %q), want (%q, %q)", tc.input, net, addr, tc.network, tc.address)
		}
	}
}
