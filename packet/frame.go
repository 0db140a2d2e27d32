// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package packet implements the wire format of frames exchanged between
// sessions.
//
// # Frames
//
// Each frame is a fixed 20-byte header followed by a payload. All header
// fields are big-endian:
//
//	Bytes  Field     Type    Description
//	0..3   bodyLen   uint32  length of the payload in bytes
//	4..7   opcode    uint32  packed category, codec, and index (see Opcode)
//	8..11  rpcID     uint32  request correlation id (0 for messages)
//	12..19 route     int64   entity address, or 0 for direct routing
//	20..   payload   []byte  bodyLen bytes
//
// A body length greater than the configured maximum is a protocol error, and
// the stream carrying it must be closed.
//
// # Responses
//
// The payload of a response frame begins with a uint32 error code, followed
// by the encoded response body. See [AppendResponse] and [SplitResponse].
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the length in bytes of a frame header.
const HeaderLen = 20

// DefaultMaxBody is the default limit on the payload length of a frame.
const DefaultMaxBody = 4 << 20

var (
	// ErrTooLarge is reported for a frame whose declared body length exceeds
	// the limit. It is fatal to the stream.
	ErrTooLarge = errors.New("packet: body length exceeds limit")

	// ErrShortFrame is reported when a datagram is smaller than its header
	// declares.
	ErrShortFrame = errors.New("packet: short frame")

	// ErrTrailingData is reported when a datagram has bytes after its frame.
	ErrTrailingData = errors.New("packet: trailing data after frame")
)

// Header is the fixed-size prefix of a frame.
type Header struct {
	BodyLen uint32
	Opcode  Opcode
	RPCID   uint32
	Route   int64
}

// Put encodes h into the first [HeaderLen] bytes of buf.
func (h Header) Put(buf []byte) {
	_ = buf[HeaderLen-1]
	binary.BigEndian.PutUint32(buf[0:], h.BodyLen)
	binary.BigEndian.PutUint32(buf[4:], uint32(h.Opcode))
	binary.BigEndian.PutUint32(buf[8:], h.RPCID)
	binary.BigEndian.PutUint64(buf[12:], uint64(h.Route))
}

// ParseHeader decodes a header from the first [HeaderLen] bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrShortFrame, len(buf), HeaderLen)
	}
	return Header{
		BodyLen: binary.BigEndian.Uint32(buf[0:]),
		Opcode:  Opcode(binary.BigEndian.Uint32(buf[4:])),
		RPCID:   binary.BigEndian.Uint32(buf[8:]),
		Route:   int64(binary.BigEndian.Uint64(buf[12:])),
	}, nil
}

func checkLimit(h Header, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	if int64(h.BodyLen) > int64(limit) {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, h.BodyLen, limit)
	}
	return nil
}

// A Frame is the unit of exchange between sessions.
type Frame struct {
	Opcode  Opcode
	RPCID   uint32
	Route   int64
	Payload []byte

	buf *Buffer // if non-nil, Payload is borrowed from a pool
}

// Header returns the header for f.
func (f *Frame) Header() Header {
	return Header{BodyLen: uint32(len(f.Payload)), Opcode: f.Opcode, RPCID: f.RPCID, Route: f.Route}
}

// Encode returns the binary encoding of f.
func (f *Frame) Encode() []byte {
	var w Writer
	w.Reset(f.Opcode)
	w.Write(f.Payload)
	w.Patch(f.RPCID, f.Route)
	return w.Bytes()
}

// WriteTo writes f to w in binary format. It satisfies [io.WriterTo].
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var hdr [HeaderLen]byte
	f.Header().Put(hdr[:])
	nw, err := w.Write(hdr[:])
	if err != nil {
		return int64(nw), err
	}
	np, err := w.Write(f.Payload)
	return int64(nw + np), err
}

// ReadFrom reads a frame from r with the default body limit, replacing the
// contents of f. It satisfies [io.ReaderFrom].
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	return f.readFrom(r, DefaultMaxBody, nil)
}

// ReadFrame reads a single frame from r. A body longer than limit bytes
// reports [ErrTooLarge]; limit ≤ 0 means [DefaultMaxBody]. If pool != nil, the
// payload is borrowed from it and the caller should release the frame.
func ReadFrame(r io.Reader, limit int, pool *BufferPool) (*Frame, error) {
	f := new(Frame)
	if _, err := f.readFrom(r, limit, pool); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) readFrom(r io.Reader, limit int, pool *BufferPool) (int64, error) {
	var hdr [HeaderLen]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(nr), err
	}
	h, _ := ParseHeader(hdr[:])
	if err := checkLimit(h, limit); err != nil {
		return int64(nr), err
	}
	payload, buf := allocPayload(int(h.BodyLen), pool)
	np, err := io.ReadFull(r, payload)
	if err != nil {
		if buf != nil {
			buf.Release()
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return int64(nr + np), err
	}
	*f = Frame{Opcode: h.Opcode, RPCID: h.RPCID, Route: h.Route, Payload: payload, buf: buf}
	return int64(nr + np), nil
}

func allocPayload(n int, pool *BufferPool) ([]byte, *Buffer) {
	if n == 0 {
		return nil, nil
	} else if pool == nil {
		return make([]byte, n), nil
	}
	buf := pool.Get(n)
	return buf.Bytes(), buf
}

// Release returns the payload buffer of f to its pool, if it has one, and
// clears the payload. It is safe to call Release on any frame, including
// one with no pooled buffer. Releasing the same frame again does nothing.
func (f *Frame) Release() {
	if f.buf != nil {
		f.buf.Release()
		f.buf = nil
	}
	f.Payload = nil
}

// AwaitsReply reports whether the sender of f is waiting for a response: f
// is a request, or a message carrying a correlation id. A message sent with a
// correlation id is acknowledged once its handler has run.
func (f *Frame) AwaitsReply() bool {
	switch f.Opcode.Category().Kind() {
	case KindRequest:
		return true
	case KindMessage:
		return f.RPCID != 0
	}
	return false
}

// Detach copies the payload of f out of its pool buffer, if any, so that the
// frame may be retained indefinitely.
func (f *Frame) Detach() *Frame {
	if f.buf != nil {
		f.Payload = append([]byte(nil), f.Payload...)
		f.buf.Release()
		f.buf = nil
	}
	return f
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%v, rpc=%d, route=%d, %d bytes)", f.Opcode, f.RPCID, f.Route, len(f.Payload))
}

// ParseDatagram decodes a frame from a single complete datagram. The datagram
// must contain exactly one frame. A body longer than limit bytes reports
// [ErrTooLarge]; limit ≤ 0 means [DefaultMaxBody].
func ParseDatagram(data []byte, limit int) (*Frame, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := checkLimit(h, limit); err != nil {
		return nil, err
	}
	end := HeaderLen + int(h.BodyLen)
	if len(data) < end {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrShortFrame, len(data), end)
	} else if len(data) > end {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(data)-end)
	}
	f := &Frame{Opcode: h.Opcode, RPCID: h.RPCID, Route: h.Route}
	if h.BodyLen > 0 {
		f.Payload = append([]byte(nil), data[HeaderLen:end]...)
	}
	return f, nil
}

// AppendResponse appends a response payload carrying code and body to dst.
func AppendResponse(dst []byte, code uint32, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, code)
	return append(dst, body...)
}

// SplitResponse splits a response payload into its error code and body.
// An empty payload is treated as success with no body.
func SplitResponse(payload []byte) (code uint32, body []byte, err error) {
	if len(payload) == 0 {
		return 0, nil, nil
	} else if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: response payload is %d bytes", ErrShortFrame, len(payload))
	}
	return binary.BigEndian.Uint32(payload), payload[4:], nil
}
