// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roam

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/creachadair/roam/future"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of frames shared by two sessions.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame to the receiver.
	Send(*packet.Frame) error

	// Receive the next available frame from the channel.
	Recv() (*packet.Frame, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Receiver processes an inbound frame that is not a response. It is called
// synchronously by the receive loop of the session, and must not block; a
// receiver that needs to do work should hand the frame off to a scene. The
// receiver owns the frame, and should release it when done.
type Receiver func(*Session, *packet.Frame)

// A FrameLogger logs a frame exchanged with the remote session.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	*packet.Frame      // the frame being logged
	Sent          bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	if f.Sent {
		return fmt.Sprintf("send %v", f.Frame)
	}
	return fmt.Sprintf("recv %v", f.Frame)
}

const (
	// DefaultCallTimeout is how long an outbound call waits for a response
	// before the sweep fails it.
	DefaultCallTimeout = 30 * time.Second

	// DefaultSweepInterval is how often pending calls are checked for expiry.
	DefaultSweepInterval = 10 * time.Second
)

// ErrSessionClosed is reported for calls on a session that has stopped,
// including calls still pending when it stopped.
var ErrSessionClosed = CodeSessionClosed.Wrap(errors.New("session closed"))

// A Session correlates requests and responses over a [Channel]. A zero
// Session is ready for use, but must not be copied after any method has been
// called.
//
// Call Start with a channel to start the service routines of the session.
// Once started, a session runs until Stop is called, the channel closes, or a
// protocol fatal error occurs. Use Wait to wait for the session to exit and
// report its status. When a session exits, every call still pending fails
// with [CodeSessionClosed].
//
// Inbound responses are matched to pending calls by correlation id. Ping
// requests are answered directly. All other inbound frames are passed to the
// Receiver, if one is set, and otherwise dropped.
type Session struct {
	in  interface{ Recv() (*packet.Frame, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group
	stop  chan struct{} // closed when the session fails

	μ sync.Mutex

	err    error                   // protocol fatal error
	calls  map[uint32]*pendingCall // outbound calls pending responses
	nextID uint32                  // last correlation id issued
	recv   Receiver
	plog   FrameLogger
	log    *slog.Logger
	onExit func(error)

	callTimeout time.Duration
	sweepEvery  time.Duration

	pool future.Pool[*packet.Frame]
}

type pendingCall struct {
	fut   future.Future[*packet.Frame]
	op    packet.Opcode
	route int64
	sent  time.Time
}

// NewSession constructs a new unstarted session.
func NewSession() *Session { return new(Session) }

// Start starts the session running on the given channel. Start does not
// block; call Wait to wait for the session to exit and report its status.
func (s *Session) Start(ch Channel) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.in != nil {
		panic("session is already started")
	}

	g := taskgroup.New(nil)
	s.in = ch
	s.tasks = g
	s.out.Lock()
	s.out.ch = ch
	s.out.Unlock()
	s.err = nil
	s.calls = make(map[uint32]*pendingCall)
	s.stop = make(chan struct{})
	if s.log == nil {
		s.log = slog.Default()
	}
	in, stop := s.in, s.stop
	sweep := cmpOr(s.sweepEvery, DefaultSweepInterval)

	g.Go(func() error {
		for {
			f, err := in.Recv()
			if err != nil {
				s.fail(err)
				return nil
			}
			sessionMetrics.frameRecv.Add(1)
			s.dispatchFrame(f)
		}
	})
	g.Go(func() error {
		t := time.NewTicker(sweep)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-t.C:
				s.sweep(time.Now())
			}
		}
	})
	return s
}

// Metrics returns the metrics map shared by all sessions. It is safe for the
// caller to add additional metrics to the map while the session is active.
func (s *Session) Metrics() *expvar.Map { return sessionMetrics.emap }

// Stop closes the channel and terminates the session. It blocks until the
// session has exited and returns its status. After Stop completes it is safe
// to restart the session with a new channel.
func (s *Session) Stop() error { s.closeOut(); return s.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until s terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the session with a new
// channel.
//
// If s is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (s *Session) Wait() error {
	s.μ.Lock()
	t := s.tasks
	s.μ.Unlock()
	if t == nil {
		return nil // the session is not running
	}
	t.Wait()

	s.μ.Lock()
	defer s.μ.Unlock()
	s.in = nil
	s.tasks = nil
	s.out.Lock()
	s.out.ch = nil
	s.out.Unlock()

	if treatErrorAsSuccess(s.err) {
		return nil
	}
	return s.err
}

// Receive sets the receiver for inbound frames other than responses and
// pings. Passing nil causes such frames to be dropped. Receive returns s to
// permit chaining.
func (s *Session) Receive(r Receiver) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.recv = r
	return s
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote session, including frames to be discarded.
// Passing nil disables frame logging.
func (s *Session) LogFrames(log FrameLogger) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.plog = log
	return s
}

// Logger sets the logger used for diagnostics. If it is not set, the default
// logger is used.
func (s *Session) Logger(log *slog.Logger) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.log = log
	return s
}

// Timeouts sets how long a call may wait for its response, and how often
// pending calls are checked. Values ≤ 0 select the defaults. Changes to the
// sweep interval take effect at the next Start.
func (s *Session) Timeouts(call, sweep time.Duration) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.callTimeout = call
	s.sweepEvery = sweep
	return s
}

// OnExit registers a callback to be invoked when the session terminates. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by Wait. If f == nil the callback is removed.
func (s *Session) OnExit(f func(error)) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onExit = f
	return s
}

// Pending reports the number of outbound calls awaiting responses.
func (s *Session) Pending() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.calls)
}

// Send sends a one-way frame to the remote session.
func (s *Session) Send(op packet.Opcode, route int64, payload []byte) error {
	return s.sendOut(&packet.Frame{Opcode: op, Route: route, Payload: payload})
}

// Reply sends a response to req with the given opcode, code, and body.
func (s *Session) Reply(req *packet.Frame, op packet.Opcode, code ErrorCode, body []byte) error {
	return s.sendOut(&packet.Frame{
		Opcode:  op,
		RPCID:   req.RPCID,
		Payload: packet.AppendResponse(nil, uint32(code), body),
	})
}

// CallAsync sends a request to the remote session and returns a future for
// its response frame. It does not block waiting for the response.
//
// The future fails with a [*CallError] carrying [CodeRouteTimeout] or
// [CodeSessionClosed] if the request expired in transit or the session
// stopped. Otherwise it is settled with the response frame, whose payload
// holds the error code reported by the remote handler. A call that receives
// no response within the call timeout is settled with a synthetic response
// carrying [CodeRPCFail].
func (s *Session) CallAsync(op packet.Opcode, route int64, payload []byte) future.Future[*packet.Frame] {
	_, f := s.callAsync(op, route, payload)
	return f
}

func (s *Session) callAsync(op packet.Opcode, route int64, payload []byte) (uint32, future.Future[*packet.Frame]) {
	s.μ.Lock()
	if s.calls == nil || s.err != nil {
		err := s.err
		s.μ.Unlock()
		if err == nil {
			err = errors.New("session is not started")
		}
		return 0, future.Failed[*packet.Frame](&CallError{Code: CodeSessionClosed, Err: err})
	}
	id := s.nextIDLocked()
	f := s.pool.Get()
	s.calls[id] = &pendingCall{fut: f, op: op, route: route, sent: time.Now()}
	s.μ.Unlock()

	sessionMetrics.callOut.Add(1)
	sessionMetrics.callPending.Add(1)
	if err := s.sendOut(&packet.Frame{Opcode: op, RPCID: id, Route: route, Payload: payload}); err != nil {
		if pc := s.forget(id); pc != nil {
			pc.fut.TrySetException(&CallError{Code: CodeSessionClosed, Err: err})
		}
	}
	return id, f
}

// Call sends a request to the remote session and blocks until ctx ends or the
// response is received. If the response reports success, Call returns the
// response frame, whose payload still begins with the error code. Any error
// reported by Call has concrete type [*CallError].
//
// While blocked, Call yields the execution context carried by ctx.
func (s *Session) Call(ctx context.Context, op packet.Opcode, route int64, payload []byte) (_ *packet.Frame, err error) {
	defer func() {
		if err != nil {
			sessionMetrics.callOutErr.Add(1)
		}
	}()

	id, f := s.callAsync(op, route, payload)
	if werr := f.Wait(ctx); werr != nil {
		// Give up our place. If the response raced in, use it anyway.
		s.forget(id)
		if f.TrySetException(werr) {
			f.Result()
			return nil, &CallError{Code: CodeCanceled, Err: werr}
		}
	}
	rsp, err := f.Result()
	if err != nil {
		return nil, err
	}
	code, _, perr := packet.SplitResponse(rsp.Payload)
	if perr != nil {
		return nil, &CallError{Code: CodeBadPayload, Err: perr, Response: rsp}
	} else if code != uint32(CodeSuccess) {
		return nil, &CallError{Code: ErrorCode(code), Response: rsp}
	}
	return rsp, nil
}

// Ping sends a liveness probe to the remote session and reports the round
// trip time.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := s.Call(ctx, packet.Ping, 0, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Deliver completes the pending call matching the correlation id of rsp. It
// reports false if no call is pending for that id, in which case the frame is
// logged and discarded.
func (s *Session) Deliver(rsp *packet.Frame) bool {
	pc := s.forget(rsp.RPCID)
	if pc == nil {
		sessionMetrics.frameUnmatched.Add(1)
		s.logger().Warn("discarding unmatched response",
			LabelRPCID.L(rsp.RPCID), LabelOpcode.L(rsp.Opcode))
		rsp.Release()
		return false
	}
	var ok bool
	if code, _, err := packet.SplitResponse(rsp.Payload); err == nil && code == uint32(CodeRouteTimeout) {
		ok = pc.fut.TrySetException(&CallError{Code: CodeRouteTimeout, Response: rsp})
	} else {
		ok = pc.fut.TrySetResult(rsp)
	}
	if !ok {
		// The caller gave up before the response arrived.
		rsp.Release()
	}
	return true
}

// sweep settles every call older than the call timeout with a synthetic
// RPCFail response.
func (s *Session) sweep(now time.Time) {
	s.μ.Lock()
	limit := cmpOr(s.callTimeout, DefaultCallTimeout)
	var expired []*pendingCall
	var ids []uint32
	for id, pc := range s.calls {
		if now.Sub(pc.sent) >= limit {
			expired = append(expired, pc)
			ids = append(ids, id)
			delete(s.calls, id)
		}
	}
	s.μ.Unlock()

	for i, pc := range expired {
		sessionMetrics.callPending.Add(-1)
		sessionMetrics.callExpired.Add(1)
		s.logger().Warn("call timed out",
			LabelRPCID.L(ids[i]), LabelOpcode.L(pc.op), LabelRoute.L(Address(pc.route)),
			slog.Duration("elapsed", now.Sub(pc.sent)))
		pc.fut.TrySetResult(&packet.Frame{
			Opcode:  packet.DefaultResponse,
			RPCID:   ids[i],
			Route:   pc.route,
			Payload: packet.AppendResponse(nil, uint32(CodeRPCFail), nil),
		})
	}
}

// forget removes and returns the pending call for id, or nil.
func (s *Session) forget(id uint32) *pendingCall {
	s.μ.Lock()
	defer s.μ.Unlock()
	pc, ok := s.calls[id]
	if ok {
		delete(s.calls, id)
		sessionMetrics.callPending.Add(-1)
	}
	return pc
}

// nextIDLocked returns an unused nonzero correlation id. Ids increase
// monotonically and wrap, skipping zero and ids still pending.
func (s *Session) nextIDLocked() uint32 {
	for {
		s.nextID++
		if s.nextID == 0 {
			continue
		}
		if _, busy := s.calls[s.nextID]; !busy {
			return s.nextID
		}
	}
}

// fail terminates all pending calls and updates the failure status.
func (s *Session) fail(err error) {
	s.closeOut()

	s.μ.Lock()
	if s.err != nil {
		s.μ.Unlock()
		return
	}
	s.err = err
	calls := s.calls
	s.calls = nil
	close(s.stop)
	onExit := s.onExit
	s.μ.Unlock()

	for _, pc := range calls {
		sessionMetrics.callPending.Add(-1)
		pc.fut.TrySetException(&CallError{Code: CodeSessionClosed, Err: ErrSessionClosed})
	}
	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// dispatchFrame routes an inbound frame from the remote session.
func (s *Session) dispatchFrame(f *packet.Frame) {
	s.μ.Lock()
	plog, recv, tasks := s.plog, s.recv, s.tasks
	s.μ.Unlock()
	if plog != nil {
		plog(FrameInfo{Frame: f, Sent: false})
	}

	switch cat := f.Opcode.Category(); {
	case cat == packet.PingRequest:
		// Reply off the receive loop, so that two sessions pinging each other
		// over an unbuffered channel cannot deadlock.
		tasks.Go(func() error {
			defer f.Release()
			if err := s.Reply(f, packet.Pong, CodeSuccess, nil); err != nil {
				s.closeOut()
			}
			return nil
		})
	case cat.Kind() == packet.KindResponse:
		s.Deliver(f)
	case recv != nil:
		recv(s, f)
	default:
		sessionMetrics.frameDropped.Add(1)
		f.Release()
	}
}

func (s *Session) sendOut(f *packet.Frame) error {
	s.μ.Lock()
	plog := s.plog
	s.μ.Unlock()

	s.out.Lock()
	defer s.out.Unlock()
	if s.out.ch == nil {
		return ErrSessionClosed
	}
	sessionMetrics.frameSent.Add(1)
	if plog != nil {
		plog(FrameInfo{Frame: f, Sent: true})
	}
	return s.out.ch.Send(f)
}

func (s *Session) closeOut() {
	s.out.Lock()
	defer s.out.Unlock()
	if s.out.ch != nil {
		s.out.ch.Close()
	}
}

func (s *Session) logger() *slog.Logger {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

func cmpOr(d, dflt time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return dflt
}

type sessionContextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// ContextSession returns the Session associated with ctx, or nil if none is
// defined. The context passed to a handler for an inbound frame has this
// value.
func ContextSession(ctx context.Context) *Session {
	if v := ctx.Value(sessionContextKey{}); v != nil {
		return v.(*Session)
	}
	return nil
}
