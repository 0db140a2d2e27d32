// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting, serving, and testing
// sessions.
package peers

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/channel"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/taskgroup"
	"github.com/quic-go/quic-go"
)

// Local is a pair of in-memory connected sessions, suitable for testing.
type Local struct {
	A *roam.Session
	B *roam.Session
}

// Stop shuts down both the sessions and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected sessions that communicate
// via a direct channel without encoding. If setup != nil, it is called with
// each session before the session is started.
func NewLocal(setup func(*roam.Session)) *Local {
	a2b, b2a := channel.Direct()
	a, b := roam.NewSession(), roam.NewSession()
	if setup != nil {
		setup(a)
		setup(b)
	}
	return &Local{A: a.Start(a2b), B: b.Start(b2a)}
}

// An Accepter accepts inbound channels.
type Accepter interface {
	Accept(context.Context) (roam.Channel, error)
}

// Loop accepts connections from acc and starts a session for each one, using
// newSession to construct an unstarted session. Loop continues until acc
// closes or ctx ends.
//
// When ctx terminates, all running sessions are stopped. When acc closes, the
// loop waits for running sessions to exit before returning.
func Loop(ctx context.Context, acc Accepter, newSession func() *roam.Session) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, quic.ErrServerClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			s := newSession().Start(ch)
			go func() { <-sctx.Done(); s.Stop() }()
			return s.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (roam.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// QUICAccepter adapts a QUIC listener to the Accepter interface. Each
// accepted connection carries one session on its first bidirectional stream.
func QUICAccepter(lst *quic.Listener) Accepter { return quicAccepter{lst} }

type quicAccepter struct{ lst *quic.Listener }

func (q quicAccepter) Accept(ctx context.Context) (roam.Channel, error) {
	for {
		conn, err := q.lst.Accept(ctx)
		if err != nil {
			return nil, err
		}
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			// The client went away before opening a stream; wait for another.
			conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return channel.QUIC(conn, s), nil
	}
}

// Dial connects to a session listening at addr over TCP or a Unix socket,
// using the network chosen by [roam.SplitAddress].
func Dial(ctx context.Context, addr string) (roam.Channel, error) {
	network, target := roam.SplitAddress(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// DialQUIC connects to a session listening at addr over QUIC, and opens the
// stream that carries it.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) (roam.Channel, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, conf)
	if err != nil {
		return nil, err
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return channel.QUIC(conn, s), nil
}

// IOOptions are settings for the I/O channels of a peer. A zero IOOptions
// leaves a channel unchanged.
type IOOptions struct {
	// Limit is the largest frame body a channel accepts. If Limit ≤ 0, the
	// channel keeps its default.
	Limit int

	// Pool, if non-nil, supplies the payload buffers of received frames.
	// Frames decoded into pooled buffers must be released by their receiver.
	Pool *packet.BufferPool
}

// Configure applies opts to ch, if ch is an I/O channel, and returns ch.
// Other channels are returned unchanged.
func Configure(ch roam.Channel, opts IOOptions) roam.Channel {
	if c, ok := ch.(*channel.IOChannel); ok {
		if opts.Limit > 0 {
			c.WithLimit(opts.Limit)
		}
		if opts.Pool != nil {
			c.WithPool(opts.Pool)
		}
	}
	return ch
}

// ConfigureAccepter returns an Accepter that applies [Configure] to each
// channel accepted by acc.
func ConfigureAccepter(acc Accepter, opts IOOptions) Accepter { return ioAccepter{acc, opts} }

type ioAccepter struct {
	acc  Accepter
	opts IOOptions
}

func (a ioAccepter) Accept(ctx context.Context) (roam.Channel, error) {
	ch, err := a.acc.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return Configure(ch, a.opts), nil
}
