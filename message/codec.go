// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package message encodes and decodes frame payloads, and defines the
// built-in messages exchanged between nodes.
//
// The encoding of a payload is selected by the codec field of its opcode:
// protocol buffers, JSON, or msgpack. Protocol buffer payloads must be
// [proto.Message] values; the other codecs accept any value their encoders
// support.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/packet"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/protobuf/proto"
)

// A Codec encodes and decodes message values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// Protobuf encodes proto.Message values in binary wire format.
	Protobuf Codec = protoCodec{}

	// JSON encodes values as JSON.
	JSON Codec = jsonCodec{}

	// Msgpack encodes values as msgpack.
	Msgpack Codec = msgpackCodec{}
)

// For returns the codec for the given codec id.
func For(c packet.Codec) (Codec, error) {
	switch c {
	case packet.CodecProtobuf:
		return Protobuf, nil
	case packet.CodecJSON:
		return JSON, nil
	case packet.CodecMsgpack:
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("message: unknown codec %v", c)
	}
}

// Marshal encodes v with the codec selected by op.
func Marshal(op packet.Opcode, v any) ([]byte, error) {
	c, err := For(op.Codec())
	if err != nil {
		return nil, err
	}
	return c.Marshal(v)
}

// Unmarshal decodes data into v with the codec selected by op. A decoding
// failure reports an error carrying [roam.CodeBadPayload].
func Unmarshal(op packet.Opcode, data []byte, v any) error {
	c, err := For(op.Codec())
	if err != nil {
		return roam.CodeBadPayload.Wrap(err)
	}
	if err := c.Unmarshal(data, v); err != nil {
		return roam.CodeBadPayload.Wrap(fmt.Errorf("decode %v: %w", op, err))
	}
	return nil
}

type protoCodec struct{}

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("message: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("message: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var msgpackHandle codec.MsgpackHandle

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, &msgpackHandle).Decode(v)
}
