// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/handler"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
)

var (
	jsonReq = packet.NewOpcode(packet.OuterRequest, packet.CodecJSON, 1)
	jsonRsp = packet.NewOpcode(packet.OuterResponse, packet.CodecJSON, 1)
	packReq = packet.NewOpcode(packet.InnerRequest, packet.CodecMsgpack, 1)
)

type greeting struct {
	Name  string `json:"name" codec:"name"`
	Count int    `json:"count" codec:"count"`
}

func TestHandler(t *testing.T) {
	// check calls h with a request frame whose payload is the encoding of in
	// under op, and checks its output.
	check := func(t *testing.T, op packet.Opcode, in any, want, etext string, h dispatch.Handler) {
		t.Helper()
		data, err := handler.Encode(op, in)
		if err != nil {
			t.Fatalf("Encode %v: %v", in, err)
		}
		out, err := h(context.Background(), &packet.Frame{Opcode: op, Payload: data})
		if err != nil {
			if got := err.Error(); got != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
			return
		} else if etext != "" {
			t.Fatalf("Call: got %q, want error %q", out, etext)
		}
		if got := string(out); got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	}
	checkFrame := func(t *testing.T, ctx context.Context) {
		t.Helper()
		if handler.ContextFrame(ctx) == nil {
			t.Error("Context does not contain the frame")
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, jsonReq, "input", "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkFrame(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("JSONString", func(t *testing.T) {
			check(t, jsonReq, greeting{Name: "kit", Count: 2}, "kit-2", "", handler.ParamResultError(
				func(ctx context.Context, g greeting) (string, error) {
					checkFrame(t, ctx)
					return fmt.Sprintf("%s-%d", g.Name, g.Count), nil
				},
			))
		})
		t.Run("JSONJSON", func(t *testing.T) {
			check(t, jsonReq, greeting{Name: "a"}, `{"name":"a!","count":1}`, "", handler.ParamResultError(
				func(ctx context.Context, g greeting) (greeting, error) {
					return greeting{Name: g.Name + "!", Count: g.Count + 1}, nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, jsonReq, "input", "", "bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkFrame(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		check(t, packReq, "input", "input-ok", "", handler.ParamResult(
			func(ctx context.Context, s string) []byte { checkFrame(t, ctx); return []byte(s + "-ok") },
		))
	})

	t.Run("PE", func(t *testing.T) {
		check(t, packReq, greeting{Name: "z"}, "", "roam: LOCK_TIMEOUT", handler.ParamError(
			func(ctx context.Context, g greeting) error { checkFrame(t, ctx); return roam.CodeLockTimeout },
		))
	})

	t.Run("RE", func(t *testing.T) {
		check(t, jsonReq, nil, "clap", "", handler.ResultError(
			func(ctx context.Context) ([]byte, error) { checkFrame(t, ctx); return []byte("clap"), nil },
		))
	})

	t.Run("RO", func(t *testing.T) {
		check(t, jsonReq, nil, "loudly", "", handler.ResultOnly(
			func(ctx context.Context) string { checkFrame(t, ctx); return "loudly" },
		))
	})
}

func TestBadPayload(t *testing.T) {
	h := handler.ParamError(func(context.Context, greeting) error { return nil })
	_, err := h(context.Background(), &packet.Frame{Opcode: packReq, Payload: []byte{0xc1}})
	if got := roam.CodeOf(err); got != roam.CodeBadPayload {
		t.Errorf("Bad payload: got %v (%v), want %v", got, err, roam.CodeBadPayload)
	}
}

func TestResult(t *testing.T) {
	e := handler.Request(jsonReq, jsonRsp, "greet", func(_ context.Context, g greeting) (greeting, error) {
		return greeting{Name: "hi " + g.Name, Count: 1}, nil
	})
	if e.Opcode != jsonReq || e.Response != jsonRsp || e.Name != "greet" {
		t.Errorf("Request entry: got %+v", e)
	}
	in, err := message.Marshal(jsonReq, greeting{Name: "bo"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	body, err := e.Handler(context.Background(), &packet.Frame{Opcode: jsonReq, Payload: in})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	rsp := &packet.Frame{Opcode: jsonRsp, Payload: packet.AppendResponse(nil, 0, body)}
	got, err := handler.Result[greeting](rsp)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if want := (greeting{Name: "hi bo", Count: 1}); got != want {
		t.Errorf("Result: got %+v, want %+v", got, want)
	}
}
