// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package packet

import "encoding/binary"

// A Writer assembles the encoding of a single frame. It reserves space for
// the header up front so that the payload can be written in place and the
// header fields patched once the payload is complete.
//
// The zero Writer is ready for use after a call to Reset.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer for a frame with the given opcode.
func NewWriter(op Opcode) *Writer {
	w := new(Writer)
	w.Reset(op)
	return w
}

// Reset discards any previous contents of w and begins a frame with the given
// opcode. The underlying storage is retained.
func (w *Writer) Reset(op Opcode) {
	w.buf = append(w.buf[:0], make([]byte, HeaderLen)...)
	binary.BigEndian.PutUint32(w.buf[4:], uint32(op))
}

// Write appends p to the payload. It always succeeds, and satisfies
// [io.Writer] so that encoders can write payloads directly into the frame.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Patch sets the correlation id and route of the frame.
func (w *Writer) Patch(rpcID uint32, route int64) {
	binary.BigEndian.PutUint32(w.buf[8:], rpcID)
	binary.BigEndian.PutUint64(w.buf[12:], uint64(route))
}

// Len reports the number of payload bytes written so far.
func (w *Writer) Len() int { return len(w.buf) - HeaderLen }

// Bytes fills in the body length and returns the complete encoded frame. The
// result aliases the storage of w until the next Reset.
func (w *Writer) Bytes() []byte {
	binary.BigEndian.PutUint32(w.buf[0:], uint32(w.Len()))
	return w.buf
}
