// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package packet

// A Parser decodes frames from a byte stream that arrives in arbitrary
// chunks. Bytes are accumulated until a complete frame is available, so a
// header or payload split across any number of chunks decodes the same as
// if it had arrived whole.
//
// Once a Parser reports an error, the stream is unusable and every further
// call to Feed reports the same error.
type Parser struct {
	// Limit is the largest permitted payload length. If Limit ≤ 0,
	// DefaultMaxBody is used.
	Limit int

	// Pool, if non-nil, supplies payload buffers for decoded frames.
	// Receivers of such frames should call Release when done.
	Pool *BufferPool

	buf    []byte // buffered bytes; unread data begins at pos
	pos    int
	hdr    Header
	inBody bool // hdr is valid and we are waiting for its payload
	err    error
}

// Feed adds data to the stream and calls emit for each frame it completes, in
// order. If emit reports an error, Feed stops and returns that error; frames
// remaining in the buffer will be delivered by the next call.
//
// The parser does not retain data after Feed returns.
func (p *Parser) Feed(data []byte, emit func(*Frame) error) error {
	if p.err != nil {
		return p.err
	}
	p.buf = append(p.buf, data...)
	defer p.compact()

	for {
		unread := p.buf[p.pos:]
		if !p.inBody {
			if len(unread) < HeaderLen {
				return nil
			}
			h, _ := ParseHeader(unread)
			if err := checkLimit(h, p.Limit); err != nil {
				p.err = err
				return err
			}
			p.hdr, p.inBody = h, true
			p.pos += HeaderLen
			unread = unread[HeaderLen:]
		}
		n := int(p.hdr.BodyLen)
		if len(unread) < n {
			return nil
		}
		payload, buf := allocPayload(n, p.Pool)
		copy(payload, unread[:n])
		p.pos += n
		p.inBody = false

		f := &Frame{Opcode: p.hdr.Opcode, RPCID: p.hdr.RPCID, Route: p.hdr.Route, Payload: payload, buf: buf}
		if err := emit(f); err != nil {
			return err
		}
	}
}

// Buffered reports the number of bytes held that do not yet form a complete
// frame, including a pending header.
func (p *Parser) Buffered() int {
	n := len(p.buf) - p.pos
	if p.inBody {
		n += HeaderLen
	}
	return n
}

// Err reports the error that stopped p, or nil.
func (p *Parser) Err() error { return p.err }

// compact discards consumed bytes from the front of the buffer.
func (p *Parser) compact() {
	switch {
	case p.pos == len(p.buf):
		p.buf, p.pos = p.buf[:0], 0
	case p.pos > cap(p.buf)/2:
		n := copy(p.buf, p.buf[p.pos:])
		p.buf, p.pos = p.buf[:n], 0
	}
}
