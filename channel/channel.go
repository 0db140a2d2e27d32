// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the roam.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/packet"
	"github.com/quic-go/quic-go"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa.
func Direct() (A, B roam.Channel) {
	a2b := make(chan *packet.Frame)
	b2a := make(chan *packet.Frame)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *packet.Frame
	b2a <-chan *packet.Frame
}

// Send implements a method of the [roam.Channel] interface.
func (d direct) Send(f *packet.Frame) (err error) {
	defer safeClose(&err)
	d.a2b <- f
	return nil
}

// Recv implements a method of the [roam.Channel] interface.
func (d direct) Recv() (*packet.Frame, error) {
	f, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return f, nil
}

// Close implements a method of the [roam.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc. Inbound bytes
// are decoded by a [packet.Parser], so r may deliver frames in any chunking.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	return &IOChannel{
		r:     r,
		buf:   make([]byte, 32<<10),
		w:     bufio.NewWriter(wc),
		c:     wc,
		ready: queue.New[*packet.Frame](),
	}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	// Receive side; used only by the receiver.
	r     io.Reader
	buf   []byte
	p     packet.Parser
	ready *queue.Queue[*packet.Frame]

	// Send side; used only by the sender.
	w *bufio.Writer

	c     io.Closer
	close sync.Once
	cerr  error
}

// WithLimit sets the largest payload c will accept, and returns c. A frame
// declaring a longer body is a fatal error for the channel. If limit ≤ 0,
// [packet.DefaultMaxBody] is used.
func (c *IOChannel) WithLimit(limit int) *IOChannel { c.p.Limit = limit; return c }

// WithPool sets a buffer pool for the payloads of received frames, and
// returns c.
func (c *IOChannel) WithPool(pool *packet.BufferPool) *IOChannel { c.p.Pool = pool; return c }

// Send implements a method of the [roam.Channel] interface.
func (c *IOChannel) Send(f *packet.Frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [roam.Channel] interface.
func (c *IOChannel) Recv() (*packet.Frame, error) {
	for {
		if f, ok := c.ready.Pop(); ok {
			return f, nil
		}
		if err := c.p.Err(); err != nil {
			return nil, err
		}
		n, rerr := c.r.Read(c.buf)
		if n > 0 {
			if err := c.p.Feed(c.buf[:n], c.enqueue); err != nil {
				// Deliver the frames decoded before the error; the parser
				// reports it again once they are consumed.
				c.Close()
				continue
			}
		}
		if rerr != nil && c.ready.Len() == 0 {
			if rerr == io.EOF && c.p.Buffered() != 0 {
				rerr = io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}

func (c *IOChannel) enqueue(f *packet.Frame) error { c.ready.Add(f); return nil }

// Close implements a method of the [roam.Channel] interface.
func (c *IOChannel) Close() error {
	c.close.Do(func() { c.cerr = c.c.Close() })
	return c.cerr
}

// QUIC constructs a channel on a bidirectional QUIC stream of conn. Closing
// the channel abandons the stream and closes the connection.
func QUIC(conn quic.Connection, s quic.Stream) *IOChannel {
	return IO(s, quicStream{Stream: s, conn: conn})
}

type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (q quicStream) Close() error {
	q.Stream.CancelRead(0)
	err := q.Stream.Close()
	q.conn.CloseWithError(0, "channel closed")
	return err
}
