// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program roam runs a roam node and provides utilities for inspecting the
// frames exchanged between nodes.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/peers"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and inspect roam nodes.",
		Commands: []*command.C{
			serveCommand(),
			{
				Name: "frame",
				Help: "Encode and decode frames.",
				Commands: []*command.C{
					{
						Name:  "decode",
						Usage: "<hex>",
						Help: `Decode a frame from its hex encoding.

The argument must hold exactly one frame, header included. If the frame is a
response, its error code and body are printed separately.`,
						Run: runFrameDecode,
					},
					{
						Name:     "encode",
						Usage:    "[payload]",
						Help:     "Encode a frame and print it in hex.",
						SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &encodeFlags) },
						Run:      runFrameEncode,
					},
				},
			},
			{
				Name: "opcode",
				Help: "Pack and unpack opcodes.",
				Commands: []*command.C{
					{
						Name:  "decode",
						Usage: "<value>",
						Help:  "Print the fields of an opcode value.",
						Run:   runOpcodeDecode,
					},
					{
						Name:  "encode",
						Usage: "<category> <codec> <index>",
						Help: `Pack an opcode from its fields.

The category and codec may be given by name (for example "InnerRequest" and
"json") or by number.`,
						Run: runOpcodeEncode,
					},
				},
			},
			{
				Name:     "ping",
				Usage:    "<address>",
				Help:     "Ping the node listening at address and report the round-trip time.",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &pingFlags) },
				Run:      runPing,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var encodeFlags struct {
	Op    string `flag:"op,Opcode value (required)"`
	Route int64  `flag:"route,Route address"`
	RPCID uint   `flag:"rpc,Request correlation id"`
	Code  int    `flag:"code,default=-1,Error code; if set, the payload is a response body"`
}

var pingFlags struct {
	Timeout time.Duration `flag:"timeout,default=5s,Timeout for the ping"`
}

func runFrameDecode(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing frame argument")
	}
	data, err := hex.DecodeString(strings.TrimSpace(env.Args[0]))
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	f, err := packet.ParseDatagram(data, 0)
	if err != nil {
		return err
	}
	cat := f.Opcode.Category()
	fmt.Printf("opcode:  %#08x %v\n", uint32(f.Opcode), f.Opcode)
	fmt.Printf("rpc:     %d\n", f.RPCID)
	fmt.Printf("route:   %d\n", f.Route)
	if cat.Kind() == packet.KindResponse {
		code, body, err := packet.SplitResponse(f.Payload)
		if err != nil {
			return err
		}
		fmt.Printf("code:    %d %v\n", code, roam.ErrorCode(code))
		fmt.Printf("body:    %q\n", body)
	} else {
		fmt.Printf("payload: %q\n", f.Payload)
	}
	return nil
}

func runFrameEncode(env *command.Env) error {
	if encodeFlags.Op == "" {
		return env.Usagef("The --op flag is required")
	} else if len(env.Args) > 1 {
		return env.Usagef("Extra arguments after payload: %q", env.Args[1:])
	}
	op, err := strconv.ParseUint(encodeFlags.Op, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid opcode: %w", err)
	}
	var payload []byte
	if len(env.Args) == 1 {
		payload = []byte(env.Args[0])
	}
	if encodeFlags.Code >= 0 {
		payload = packet.AppendResponse(nil, uint32(encodeFlags.Code), payload)
	}
	f := &packet.Frame{
		Opcode:  packet.Opcode(op),
		RPCID:   uint32(encodeFlags.RPCID),
		Route:   encodeFlags.Route,
		Payload: payload,
	}
	fmt.Println(hex.EncodeToString(f.Encode()))
	return nil
}

func runOpcodeDecode(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing opcode argument")
	}
	v, err := strconv.ParseUint(env.Args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid opcode: %w", err)
	}
	op := packet.Opcode(v)
	cat := op.Category()
	fmt.Printf("category: %d %v\n", uint8(cat), cat)
	fmt.Printf("codec:    %d %v\n", uint8(op.Codec()), op.Codec())
	fmt.Printf("index:    %d\n", op.Index())
	if cat.Valid() {
		fmt.Printf("kind:     %s\n", kindName(cat.Kind()))
		fmt.Printf("inner:    %v\n", cat.IsInner())
	}
	return nil
}

func runOpcodeEncode(env *command.Env) error {
	if len(env.Args) != 3 {
		return env.Usagef("Wrong number of arguments (got %d, want 3)", len(env.Args))
	}
	cat, err := parseField(env.Args[0], 31, func(v uint8) string { return packet.Category(v).String() })
	if err != nil {
		return fmt.Errorf("category: %w", err)
	} else if !packet.Category(cat).Valid() {
		return fmt.Errorf("category %d is not defined", cat)
	}
	codec, err := parseField(env.Args[1], 15, func(v uint8) string { return packet.Codec(v).String() })
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	idx, err := strconv.ParseUint(env.Args[2], 0, 32)
	if err != nil || idx > packet.MaxIndex {
		return fmt.Errorf("index must be an integer from 0 to %d", packet.MaxIndex)
	}
	op := packet.NewOpcode(packet.Category(cat), packet.Codec(codec), uint32(idx))
	fmt.Printf("%#08x %d %v\n", uint32(op), uint32(op), op)
	return nil
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing address argument")
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingFlags.Timeout)
	defer cancel()

	ch, err := peers.Dial(ctx, env.Args[0])
	if err != nil {
		return err
	}
	s := roam.NewSession().Start(ch)
	defer s.Stop()

	rtt, err := s.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %v\n", env.Args[0], rtt)
	return nil
}

// parseField parses s as a number no greater than limit, or as a name
// matching the string form of some value in that range.
func parseField(s string, limit uint8, name func(uint8) string) (uint8, error) {
	if v, err := strconv.ParseUint(s, 0, 8); err == nil {
		if v > uint64(limit) {
			return 0, fmt.Errorf("value %d out of range", v)
		}
		return uint8(v), nil
	}
	for v := range limit + 1 {
		if strings.EqualFold(name(v), s) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown name %q", s)
}

func kindName(k packet.Kind) string {
	switch k {
	case packet.KindMessage:
		return "message"
	case packet.KindRequest:
		return "request"
	case packet.KindResponse:
		return "response"
	}
	return "invalid"
}

