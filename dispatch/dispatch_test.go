// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/future"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/peers"
	"github.com/google/go-cmp/cmp"
)

var (
	echoReq  = packet.NewOpcode(packet.OuterRequest, packet.CodecJSON, 1)
	echoRsp  = packet.NewOpcode(packet.OuterResponse, packet.CodecJSON, 1)
	failReq  = packet.NewOpcode(packet.OuterRequest, packet.CodecJSON, 2)
	panicReq = packet.NewOpcode(packet.OuterRequest, packet.CodecJSON, 3)
	noteMsg  = packet.NewOpcode(packet.OuterMessage, packet.CodecJSON, 4)
	entReq   = packet.NewOpcode(packet.InnerRoamingRequest, packet.CodecJSON, 5)
	entMsg   = packet.NewOpcode(packet.InnerRoamingMessage, packet.CodecJSON, 6)
)

func echo(_ context.Context, f *packet.Frame) ([]byte, error) { return f.Payload, nil }

func TestSegment(t *testing.T) {
	seg := dispatch.NewSegment("m", dispatch.Entry{Opcode: echoReq, Name: "echo", Handler: echo})
	if seg.Module() != "m" || seg.Len() != 1 {
		t.Errorf("Segment: got module %q len %d, want m, 1", seg.Module(), seg.Len())
	}
	mtest.MustPanic(t, func() { seg.Add(dispatch.Entry{Opcode: echoReq, Handler: echo}) })
	mtest.MustPanic(t, func() { seg.Add(dispatch.Entry{Opcode: failReq}) })
	mtest.MustPanic(t, func() { seg.Add(dispatch.Entry{Opcode: echoRsp, Handler: echo}) })
	mtest.MustPanic(t, func() { seg.Add(dispatch.Entry{Opcode: packet.Ping, Handler: echo}) })
	mtest.MustPanic(t, func() {
		seg.Add(dispatch.Entry{Opcode: packet.NewOpcode(packet.OuterRoamingRequest, packet.CodecJSON, 8), Handler: echo})
	})
}

func TestTable(t *testing.T) {
	var tbl dispatch.Table // zero value is ready
	if _, ok := tbl.Lookup(echoReq); ok {
		t.Error("Lookup on an empty table succeeded")
	}
	if got := tbl.ResponseOpcode(echoReq); got != packet.DefaultResponse {
		t.Errorf("ResponseOpcode: got %v, want %v", got, packet.DefaultResponse)
	}

	a := dispatch.NewSegment("a",
		dispatch.Entry{Opcode: echoReq, Name: "echo", Response: echoRsp, Handler: echo},
		dispatch.Entry{Opcode: noteMsg, Name: "note", Handler: echo},
	)
	b := dispatch.NewSegment("b", dispatch.Entry{Opcode: failReq, Name: "fail", Handler: echo})
	for _, seg := range []*dispatch.Segment{a, b} {
		if err := tbl.Load(seg); err != nil {
			t.Fatalf("Load %q: %v", seg.Module(), err)
		}
	}
	if diff := cmp.Diff([]string{"a", "b"}, tbl.Modules()); diff != "" {
		t.Errorf("Modules (-want, +got):\n%s", diff)
	}
	if n := tbl.Len(); n != 3 {
		t.Errorf("Len: got %d, want 3", n)
	}
	if got := tbl.ResponseOpcode(echoReq); got != echoRsp {
		t.Errorf("ResponseOpcode(echo): got %v, want %v", got, echoRsp)
	}
	if got := tbl.ResponseOpcode(failReq); got != packet.DefaultResponse {
		t.Errorf("ResponseOpcode(fail): got %v, want %v", got, packet.DefaultResponse)
	}

	// A module may not claim an opcode of another module.
	c := dispatch.NewSegment("c", dispatch.Entry{Opcode: failReq, Name: "steal", Handler: echo})
	if err := tbl.Load(c); !errors.Is(err, dispatch.ErrConflict) {
		t.Errorf("Load conflict: got %v, want %v", err, dispatch.ErrConflict)
	}

	// Reloading a module replaces its segment.
	a2 := dispatch.NewSegment("a", dispatch.Entry{Opcode: echoReq, Name: "echo2", Handler: echo})
	if err := tbl.Load(a2); err != nil {
		t.Fatalf("Reload a: %v", err)
	}
	if e, ok := tbl.Lookup(echoReq); !ok || e.Name != "echo2" {
		t.Errorf("Lookup after reload: got %+v, %v; want echo2", e, ok)
	}
	if _, ok := tbl.Lookup(noteMsg); ok {
		t.Error("Lookup of an opcode dropped by reload succeeded")
	}

	// Disabling a module hides its handlers but keeps its opcodes reserved.
	tbl.SetEnabled("b", false)
	if _, ok := tbl.Lookup(failReq); ok {
		t.Error("Lookup in a disabled module succeeded")
	}
	if tbl.Enabled("b") {
		t.Error("Module b is enabled after disabling it")
	}
	if diff := cmp.Diff([]string{"a", "b"}, tbl.Loaded()); diff != "" {
		t.Errorf("Loaded (-want, +got):\n%s", diff)
	}
	if err := tbl.Load(c); !errors.Is(err, dispatch.ErrConflict) {
		t.Errorf("Load over a disabled module: got %v, want %v", err, dispatch.ErrConflict)
	}
	tbl.SetEnabled("b", true)
	if m, ok := tbl.ModuleOf(failReq); !ok || m != "b" {
		t.Errorf("ModuleOf after enable: got %q, %v; want b", m, ok)
	}

	if !tbl.Unload("b") {
		t.Error("Unload b reported false")
	}
	if tbl.Unload("b") {
		t.Error("Unload of an unloaded module reported true")
	}
	if err := tbl.Load(c); err != nil {
		t.Errorf("Load after unload: %v", err)
	}

	rsp := tbl.CreateResponse(echoReq, 25, roam.CodeEntityNotFound)
	if rsp.Opcode != packet.DefaultResponse || rsp.RPCID != 25 {
		t.Errorf("CreateResponse: got %v", rsp)
	}
	if code, body, err := packet.SplitResponse(rsp.Payload); err != nil || code != uint32(roam.CodeEntityNotFound) || len(body) != 0 {
		t.Errorf("CreateResponse payload: got %d, %q, %v", code, body, err)
	}
}

type entity struct{ addr roam.Address }

func (e *entity) Address() roam.Address { return e.addr }

// host is a minimal dispatch host with a fixed scene address.
type host struct {
	locks *colock.Table

	μ    sync.Mutex
	ents map[roam.Address]dispatch.Entity
}

var hostAddr = roam.MakeAddress(3, 0)

func newHost() *host {
	return &host{locks: colock.New("test", 0), ents: make(map[roam.Address]dispatch.Entity)}
}

func (h *host) Address() roam.Address { return hostAddr }

func (h *host) Locks() *colock.Table { return h.locks }

func (h *host) Entity(addr roam.Address) (dispatch.Entity, bool) {
	if addr == hostAddr {
		return h, true
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	e, ok := h.ents[addr]
	return e, ok
}

func (h *host) set(e *entity) {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.ents[e.addr] = e
}

func (h *host) remove(addr roam.Address) {
	h.μ.Lock()
	defer h.μ.Unlock()
	delete(h.ents, addr)
}

// serve returns a local session pair whose B side dispatches inbound frames
// with d.
func serve(d *dispatch.Dispatcher) *peers.Local {
	return peers.NewLocal(func(s *roam.Session) {
		s.Receive(func(s *roam.Session, f *packet.Frame) {
			go d.Dispatch(context.Background(), s, f)
		})
	})
}

func TestDispatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		notes := make(chan string, 4)
		var tbl dispatch.Table
		tbl.Load(dispatch.NewSegment("test",
			dispatch.Entry{Opcode: echoReq, Name: "echo", Response: echoRsp, Handler: echo},
			dispatch.Entry{Opcode: failReq, Name: "fail", Handler: func(context.Context, *packet.Frame) ([]byte, error) {
				return []byte("ignored"), roam.CodeLockTimeout.Wrap(errors.New("busy"))
			}},
			dispatch.Entry{Opcode: panicReq, Name: "panic", Handler: func(context.Context, *packet.Frame) ([]byte, error) {
				panic("ouch")
			}},
			dispatch.Entry{Opcode: noteMsg, Name: "note", Handler: func(_ context.Context, f *packet.Frame) ([]byte, error) {
				notes <- string(f.Payload)
				return nil, nil
			}},
		))
		loc := serve(dispatch.NewDispatcher(&tbl, newHost(), nil))
		defer loc.Stop()
		ctx := t.Context()

		rsp, err := loc.A.Call(ctx, echoReq, 0, []byte("hello"))
		if err != nil {
			t.Fatalf("Call echo: %v", err)
		}
		if rsp.Opcode != echoRsp {
			t.Errorf("Response opcode: got %v, want %v", rsp.Opcode, echoRsp)
		}
		if _, body, _ := packet.SplitResponse(rsp.Payload); string(body) != "hello" {
			t.Errorf("Response body: got %q, want hello", body)
		}

		for _, tc := range []struct {
			op   packet.Opcode
			want roam.ErrorCode
		}{
			{failReq, roam.CodeLockTimeout},
			{panicReq, roam.CodeRPCFail},
		} {
			_, err := loc.A.Call(ctx, tc.op, 0, nil)
			if got := roam.CodeOf(err); got != tc.want {
				t.Errorf("Call %v: got %v (%v), want %v", tc.op, got, err, tc.want)
			}
			var cerr *roam.CallError
			if errors.As(err, &cerr) && cerr.Response.Opcode != packet.DefaultResponse {
				t.Errorf("Call %v: response opcode %v, want default", tc.op, cerr.Response.Opcode)
			}
		}

		if err := loc.A.Send(noteMsg, 0, []byte("memo")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := <-notes; got != "memo" {
			t.Errorf("Message: got %q, want memo", got)
		}

		// Requests with no handler are dropped without a reply.
		unknown := packet.NewOpcode(packet.OuterRequest, packet.CodecJSON, 99)
		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if _, err := loc.A.Call(tctx, unknown, 0, nil); roam.CodeOf(err) != roam.CodeCanceled {
			t.Errorf("Call unknown: got %v, want %v", err, roam.CodeCanceled)
		}
	})
}

func TestEntityRouting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHost()
		ent := &entity{addr: roam.MakeAddress(3, 7)}
		h.set(ent)

		gate := make(chan struct{})
		entered := make(chan roam.Address, 4)
		var tbl dispatch.Table
		tbl.Load(dispatch.NewSegment("ents",
			dispatch.Entry{Opcode: entReq, Name: "poke", Handler: func(ctx context.Context, f *packet.Frame) ([]byte, error) {
				addr := dispatch.ContextEntity(ctx).Address()
				entered <- addr
				if string(f.Payload) == "wait" {
					<-gate
				}
				return []byte(addr.String()), nil
			}},
			dispatch.Entry{Opcode: entMsg, Name: "tick", Handler: func(ctx context.Context, f *packet.Frame) ([]byte, error) {
				entered <- dispatch.ContextEntity(ctx).Address()
				return nil, nil
			}},
		))
		loc := serve(dispatch.NewDispatcher(&tbl, h, nil))
		defer loc.Stop()
		ctx := t.Context()

		t.Run("Root", func(t *testing.T) {
			rsp, err := loc.A.Call(ctx, entReq, int64(hostAddr), nil)
			if err != nil {
				t.Fatalf("Call scene: %v", err)
			}
			if got := <-entered; got != hostAddr {
				t.Errorf("Handler entity: got %v, want %v", got, hostAddr)
			}
			rsp.Release()
		})

		t.Run("Missing", func(t *testing.T) {
			_, err := loc.A.Call(ctx, entReq, int64(roam.MakeAddress(3, 99)), nil)
			if got := roam.CodeOf(err); got != roam.CodeNotFoundRoute {
				t.Errorf("Call missing: got %v, want %v", got, roam.CodeNotFoundRoute)
			}
			loc.A.Send(entMsg, int64(roam.MakeAddress(3, 99)), nil)
			synctest.Wait()
			select {
			case got := <-entered:
				t.Errorf("Message to a missing entity reached %v", got)
			default:
			}

			// A message sent with a correlation id is answered when its target
			// is missing, and acknowledged once delivered.
			_, err = loc.A.Call(ctx, entMsg, int64(roam.MakeAddress(3, 99)), nil)
			if got := roam.CodeOf(err); got != roam.CodeNotFoundRoute {
				t.Errorf("Confirmed message to missing: got %v, want %v", got, roam.CodeNotFoundRoute)
			}
			rsp, err := loc.A.Call(ctx, entMsg, int64(ent.addr), []byte("tick"))
			if err != nil {
				t.Fatalf("Confirmed message: %v", err)
			}
			if got := <-entered; got != ent.addr {
				t.Errorf("Message entity: got %v, want %v", got, ent.addr)
			}
			if rsp.Opcode != packet.DefaultResponse {
				t.Errorf("Acknowledgement opcode: got %v, want %v", rsp.Opcode, packet.DefaultResponse)
			}
			rsp.Release()
		})

		t.Run("Replaced", func(t *testing.T) {
			// The first call holds the entity lock until the gate opens. The
			// second queues behind it. While it waits, the entity is replaced
			// at the same address, so the second call must not be delivered.
			first := loc.A.CallAsync(entReq, int64(ent.addr), []byte("wait"))
			<-entered
			second := loc.A.CallAsync(entReq, int64(ent.addr), nil)
			synctest.Wait()
			if n := h.locks.Waiting(int64(ent.addr)); n != 1 {
				t.Errorf("Lock waiters: got %d, want 1", n)
			}

			h.remove(ent.addr)
			h.set(&entity{addr: ent.addr})
			close(gate)

			if rsp, err := future.Await(ctx, first); err != nil {
				t.Errorf("First call: %v", err)
			} else if code, _, _ := packet.SplitResponse(rsp.Payload); code != 0 {
				t.Errorf("First call: code %d, want 0", code)
			}
			rsp, err := future.Await(ctx, second)
			if err != nil {
				t.Fatalf("Second call: %v", err)
			}
			if code, _, _ := packet.SplitResponse(rsp.Payload); code != uint32(roam.CodeEntityNotFound) {
				t.Errorf("Second call: got code %v, want %v", roam.ErrorCode(code), roam.CodeEntityNotFound)
			}
			select {
			case got := <-entered:
				t.Errorf("Replaced entity handler ran for %v", got)
			default:
			}
		})
	})
}

func TestDispatchReleasesFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHost()
		ent := &entity{addr: roam.MakeAddress(3, 7)}
		h.set(ent)

		var tbl dispatch.Table
		tbl.Load(dispatch.NewSegment("test",
			dispatch.Entry{Opcode: echoReq, Name: "echo", Response: echoRsp, Handler: echo},
			dispatch.Entry{Opcode: noteMsg, Name: "note", Handler: echo},
			dispatch.Entry{Opcode: entMsg, Name: "tick", Handler: echo},
		))
		d := dispatch.NewDispatcher(&tbl, h, nil)

		// Inbound frames are copied into buffers borrowed from pool before
		// they are dispatched, as a stream channel would do.
		var pool packet.BufferPool
		loc := peers.NewLocal(func(s *roam.Session) {
			s.Receive(func(s *roam.Session, f *packet.Frame) {
				pf, err := packet.ReadFrame(bytes.NewReader(f.Encode()), 0, &pool)
				if err != nil {
					t.Errorf("ReadFrame: %v", err)
					return
				}
				go d.Dispatch(context.Background(), s, pf)
			})
		})
		defer loc.Stop()
		ctx := t.Context()

		rsp, err := loc.A.Call(ctx, echoReq, 0, []byte("hello"))
		if err != nil {
			t.Fatalf("Call echo: %v", err)
		}
		if _, body, _ := packet.SplitResponse(rsp.Payload); string(body) != "hello" {
			t.Errorf("Echo body: got %q, want hello", body)
		}
		loc.A.Send(noteMsg, 0, []byte("memo"))
		loc.A.Send(packet.NewOpcode(packet.OuterMessage, packet.CodecJSON, 99), 0, []byte("unknown"))
		loc.A.Send(entMsg, int64(roam.MakeAddress(3, 99)), []byte("missing"))
		if _, err := loc.A.Call(ctx, entMsg, int64(ent.addr), []byte("confirmed")); err != nil {
			t.Errorf("Confirmed message: %v", err)
		}
		synctest.Wait()

		gets, _, returned := pool.Stats()
		if gets != 5 {
			t.Errorf("Buffers borrowed: got %d, want 5", gets)
		}
		if returned != gets {
			t.Errorf("Buffers returned: got %d, want %d", returned, gets)
		}
	})
}
