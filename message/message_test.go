// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package message_test

import (
	"testing"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecs(t *testing.T) {
	t.Run("Protobuf", func(t *testing.T) {
		op := packet.NewOpcode(packet.OuterRequest, packet.CodecProtobuf, 10)
		in := wrapperspb.String("hello")
		data, err := message.Marshal(op, in)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		out := new(wrapperspb.StringValue)
		if err := message.Unmarshal(op, data, out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(in, out, protocmp.Transform()); diff != "" {
			t.Errorf("Round trip (-want, +got):\n%s", diff)
		}

		if _, err := message.Marshal(op, struct{}{}); err == nil {
			t.Error("Marshal of a non-proto value did not fail")
		}
	})

	type point struct {
		X int    `json:"x" codec:"x"`
		Y int    `json:"y" codec:"y"`
		L string `json:"label" codec:"label"`
	}
	for _, c := range []packet.Codec{packet.CodecJSON, packet.CodecMsgpack} {
		t.Run(c.String(), func(t *testing.T) {
			op := packet.NewOpcode(packet.InnerMessage, c, 3)
			in := point{X: 3, Y: -4, L: "p"}
			data, err := message.Marshal(op, in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var out point
			if err := message.Unmarshal(op, data, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if out != in {
				t.Errorf("Round trip: got %+v, want %+v", out, in)
			}
		})
	}
}

func TestBadPayload(t *testing.T) {
	for _, c := range []packet.Codec{packet.CodecProtobuf, packet.CodecJSON, packet.CodecMsgpack} {
		op := packet.NewOpcode(packet.InnerRequest, c, 1)
		var v wrapperspb.Int64Value
		var target any = &v
		if c != packet.CodecProtobuf {
			target = new(map[string]int)
		}
		err := message.Unmarshal(op, []byte{0xff, 0x00, 0x7b}, target)
		if got := roam.CodeOf(err); got != roam.CodeBadPayload {
			t.Errorf("%v: Unmarshal garbage: got %v (%v), want %v", c, err, got, roam.CodeBadPayload)
		}
	}

	op := packet.NewOpcode(packet.InnerRequest, 9, 1)
	if _, err := message.Marshal(op, 1); err == nil {
		t.Error("Marshal with an unknown codec did not fail")
	}
}

func TestBuiltins(t *testing.T) {
	ops := []packet.Opcode{
		message.AddressableAddRequest, message.AddressableGetRequest,
		message.AddressableRemoveRequest, message.AddressableLockRequest,
		message.AddressableUnlockRequest,
	}
	for i, op := range ops {
		if op.Index() != uint32(i+1) || op.Category() != packet.InnerAddressRequest || op.Codec() != packet.CodecMsgpack {
			t.Errorf("Built-in %d: unexpected opcode %v", i+1, op)
		}
	}

	// Roaming requests share the category of the addressable requests, and
	// must not collide with them.
	seen := make(map[packet.Opcode]bool)
	for _, op := range append(ops,
		message.RoamingLinkRequest, message.RoamingUnlinkRequest, message.RoamingGetRequest,
		message.RoamingLockRequest, message.RoamingUnlockRequest, message.RoamingTransferRequest,
	) {
		if seen[op] {
			t.Errorf("Duplicate built-in opcode %v", op)
		}
		seen[op] = true
	}
	if k := message.RoamingPushMessage.Category().Kind(); k != packet.KindMessage {
		t.Errorf("RoamingPushMessage: kind %v, want message", k)
	}

	in := message.AddressableUnlock{ID: 99, Address: int64(roam.MakeAddress(4, 17))}
	data, err := message.Marshal(message.AddressableUnlockRequest, in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out message.AddressableUnlock
	if err := message.Unmarshal(message.AddressableUnlockRequest, data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("Round trip: got %+v, want %+v", out, in)
	}
}
