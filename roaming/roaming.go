// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package roaming links the client sessions attached to a gate scene with
// terminus entities on the scenes that serve them.
//
// A client session has at most one roaming [Link], held by a gate scene and
// identified by a roaming id. For each roaming type, the link names one
// [Terminus]: an entity that stands in for the client on the scene serving
// that type. A client sends outer roaming frames whose route is the roaming
// type. The gate forwards each one to the terminus of its type as an inner
// roaming frame, and relays the response to the client.
//
// A terminus moves to another scene with [Terminus.Transfer]. While it moves,
// the gate holds the type locked, so forwarded frames wait, and then relinks
// the type to the new terminus. A forwarded frame that reaches a terminus
// after it has gone is retried after a short backoff.
package roaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/addressable"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/handler"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/scene"
	"github.com/hashicorp/go-metrics"
)

// Module is the module name of the roaming handlers.
const Module = "roaming"

const (
	// DefaultRetries is how many times a call to a terminus is retried after
	// the terminus is not found.
	DefaultRetries = 20

	// DefaultBackoff is how long a call to a terminus waits between retries.
	DefaultBackoff = 100 * time.Millisecond

	// DefaultLinger is how long a link outlives its client session.
	DefaultLinger = 3 * time.Minute

	// DefaultLockTimeout is how long a transfer may hold a roaming type
	// locked if the transferring terminus never unlocks it.
	DefaultLockTimeout = 10 * time.Second
)

// Options are optional settings for a [Service]. A nil *Options provides
// defaults as described.
type Options struct {
	// Retries bounds how many times a call to a terminus is retried after
	// the terminus is not found. If zero, DefaultRetries is used; if
	// negative, calls are not retried.
	Retries int

	// Backoff is how long to wait between retries. If zero, DefaultBackoff
	// is used.
	Backoff time.Duration

	// Linger is how long a link is kept after its client session ends, so
	// that a reconnecting client finds its termini in place. If zero,
	// DefaultLinger is used; if negative, the link is closed at once.
	Linger time.Duration

	// LockTimeout is how long a transfer may hold a roaming type locked. If
	// zero, DefaultLockTimeout is used.
	LockTimeout time.Duration

	// OnTerminus, if set, is called on the hosting scene for each terminus
	// created there, by a link or a transfer, before it is added to the
	// scene. If it reports an error, the terminus is not created and the
	// requester receives the error.
	OnTerminus func(context.Context, *Terminus) error
}

func (o *Options) retries() int {
	if o == nil || o.Retries == 0 {
		return DefaultRetries
	}
	return max(o.Retries, 0)
}

func (o *Options) backoff() time.Duration {
	if o == nil {
		return DefaultBackoff
	}
	return cmpOr(o.Backoff, DefaultBackoff)
}

func (o *Options) linger() time.Duration {
	if o == nil || o.Linger == 0 {
		return DefaultLinger
	}
	return o.Linger
}

func (o *Options) lockTimeout() time.Duration {
	if o == nil {
		return DefaultLockTimeout
	}
	return cmpOr(o.LockTimeout, DefaultLockTimeout)
}

func (o *Options) onTerminus() func(context.Context, *Terminus) error {
	if o == nil {
		return nil
	}
	return o.OnTerminus
}

// A Service holds the roaming links and termini of the scenes of one node.
// Its handler segment must be loaded into the table shared by those scenes.
type Service struct {
	caller      addressable.Caller
	retries     int
	backoff     time.Duration
	linger      time.Duration
	lockTimeout time.Duration
	onTerminus  func(context.Context, *Terminus) error

	μ       sync.Mutex
	scenes  map[uint32]*scene.Scene
	links   map[int64]*Link
	clients map[*roam.Session]*Link
}

// NewService constructs a service that reaches other scenes through c.
func NewService(c addressable.Caller, opts *Options) *Service {
	return &Service{
		caller:      c,
		retries:     opts.retries(),
		backoff:     opts.backoff(),
		linger:      opts.linger(),
		lockTimeout: opts.lockTimeout(),
		onTerminus:  opts.onTerminus(),
		scenes:      make(map[uint32]*scene.Scene),
		links:       make(map[int64]*Link),
		clients:     make(map[*roam.Session]*Link),
	}
}

// Host allows sc to hold links and termini.
func (s *Service) Host(sc *scene.Scene) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.scenes[sc.ID()] = sc
}

func (s *Service) scene(id uint32) (*scene.Scene, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	sc, ok := s.scenes[id]
	return sc, ok
}

// Len reports the number of links held by s.
func (s *Service) Len() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.links)
}

// Link returns the link with the given roaming id, if there is one.
func (s *Service) Link(id int64) (*Link, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	l, ok := s.links[id]
	return l, ok
}

// LinkOf returns the link whose client is sess, if there is one.
func (s *Service) LinkOf(sess *roam.Session) (*Link, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	l, ok := s.clients[sess]
	return l, ok
}

// Create attaches sess to the roaming link with the given id, held by the
// gate scene. If the link exists, sess replaces its previous client, and a
// pending removal of the link is canceled. Otherwise a new link with no
// roaming types is created.
//
// A session has at most one link: if sess is already the client of a link
// with another id, Create reports an error carrying [roam.CodeLinkExists].
// So does an id whose link is held by a different gate.
func (s *Service) Create(gate *scene.Scene, sess *roam.Session, id int64) (*Link, error) {
	if id == 0 {
		return nil, errors.New("roaming id must be nonzero")
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.scenes[gate.ID()] != gate {
		return nil, fmt.Errorf("scene %d does not host roaming links", gate.ID())
	}
	if cur, ok := s.clients[sess]; ok && cur.id != id {
		return nil, roam.CodeLinkExists.Wrap(fmt.Errorf("session already has roaming link %d", cur.id))
	}
	if l, ok := s.links[id]; ok {
		if l.sc != gate {
			return nil, roam.CodeLinkExists.Wrap(fmt.Errorf("roaming link %d is held by scene %d", id, l.sc.ID()))
		}
		if old := l.attach(sess); old != nil && old != sess {
			delete(s.clients, old)
		}
		s.clients[sess] = l
		return l, nil
	}
	l := newLink(s, gate, id, sess)
	s.links[id] = l
	s.clients[sess] = l
	l.log.Debug("roaming link created")
	return l, nil
}

// Detach records that sess has ended. If sess is the client of a link, the
// link is closed once the linger period passes without a new client.
func (s *Service) Detach(sess *roam.Session) {
	s.μ.Lock()
	l, ok := s.clients[sess]
	delete(s.clients, sess)
	s.μ.Unlock()
	if ok {
		l.detach(sess)
	}
}

// Close closes the lock tables of all links. It does not unlink their
// termini.
func (s *Service) Close() {
	s.μ.Lock()
	defer s.μ.Unlock()
	for _, l := range s.links {
		l.binds.Close()
		l.order.Close()
	}
}

// Receiver returns a receiver that forwards the outer roaming frames of a
// session through its link, and passes all other frames to next.
//
// A roaming frame from a session with no link is answered with
// [roam.CodeNotFoundRoaming] if its sender awaits a reply, and is otherwise
// dropped.
func (s *Service) Receiver(next roam.Receiver) roam.Receiver {
	return func(sess *roam.Session, f *packet.Frame) {
		if f.Opcode.Category().Routing() != packet.RouteRoaming {
			next(sess, f)
			return
		}
		l, ok := s.LinkOf(sess)
		if !ok {
			refuse(sess, f, roam.CodeNotFoundRoaming)
			f.Release()
			return
		}
		if err := l.sc.Post(func(ctx context.Context) { l.forward(ctx, sess, f) }); err != nil {
			refuse(sess, f, roam.CodeSessionClosed)
			f.Release()
		}
	}
}

// refuse answers f with code if its sender awaits a reply.
func refuse(sess *roam.Session, f *packet.Frame, code roam.ErrorCode) {
	if f.AwaitsReply() {
		sess.Reply(f, responseOpcode(f.Opcode), code, nil)
	}
}

// responseOpcode returns the opcode of a reply to a client frame with
// opcode op.
func responseOpcode(op packet.Opcode) packet.Opcode {
	if rsp, ok := op.Category().Response(); ok {
		return packet.NewOpcode(rsp, op.Codec(), op.Index())
	}
	return packet.DefaultResponse
}

// Segment returns the handler segment for the built-in roaming messages.
func (s *Service) Segment() *dispatch.Segment {
	return dispatch.NewSegment(Module,
		handler.Request(message.RoamingLinkRequest, message.RoamingLinkResponse, "roaming.link", bind(s, (*Service).create)),
		handler.Request(message.RoamingTransferRequest, message.RoamingTransferResponse, "roaming.transfer", bind(s, (*Service).create)),
		handler.Request(message.RoamingUnlinkRequest, message.RoamingUnlinkResponse, "roaming.unlink", bind(s, (*Service).remove)),
		handler.Request(message.RoamingGetRequest, message.RoamingGetResponse, "roaming.get", bind(s, (*Service).get)),
		handler.Request(message.RoamingLockRequest, message.RoamingLockResponse, "roaming.lock", bind(s, (*Service).lock)),
		handler.Request(message.RoamingUnlockRequest, message.RoamingUnlockResponse, "roaming.unlock", bind(s, (*Service).unlock)),
		handler.Message(message.RoamingPushMessage, "roaming.push", func(ctx context.Context, p message.RoamingPush) error {
			_, err := bind(s, (*Service).push)(ctx, p)
			return err
		}),
	)
}

// create adds a terminus for the requested link and type to sc.
func (s *Service) create(ctx context.Context, sc *scene.Scene, req message.RoamingTarget) (message.RoamingTarget, error) {
	if req.ID == 0 || req.Type == 0 || req.Gate == 0 {
		return message.RoamingTarget{}, roam.CodeBadPayload.Wrap(fmt.Errorf("incomplete roaming target %+v", req))
	}
	t := &Terminus{
		svc:  s,
		sc:   sc,
		addr: sc.NewRuntimeID(),
		id:   req.ID,
		typ:  req.Type,
		gate: roam.Address(req.Gate),
	}
	if s.onTerminus != nil {
		if err := s.onTerminus(ctx, t); err != nil {
			return message.RoamingTarget{}, err
		}
	}
	if err := sc.Add(t); err != nil {
		return message.RoamingTarget{}, err
	}
	req.Terminus = int64(t.addr)
	return req, nil
}

// remove drops the terminus named by req from sc, if it is there.
func (s *Service) remove(_ context.Context, sc *scene.Scene, req message.RoamingTarget) (message.Empty, error) {
	addr := roam.Address(req.Terminus)
	if e, ok := sc.Entity(addr); ok {
		if t, ok := e.(*Terminus); ok && t.id == req.ID && t.typ == req.Type {
			sc.Remove(addr)
		}
	}
	return message.Empty{}, nil
}

func (s *Service) get(ctx context.Context, sc *scene.Scene, req message.RoamingTarget) (message.RoamingTarget, error) {
	l, err := s.gateLink(sc, req.ID)
	if err != nil {
		return message.RoamingTarget{}, err
	}
	addr, err := l.Terminus(ctx, req.Type)
	if err != nil {
		return message.RoamingTarget{}, err
	}
	req.Gate = int64(sc.Address())
	req.Terminus = int64(addr)
	return req, nil
}

func (s *Service) lock(ctx context.Context, sc *scene.Scene, req message.RoamingTarget) (message.Empty, error) {
	l, err := s.gateLink(sc, req.ID)
	if err != nil {
		return message.Empty{}, err
	}
	return message.Empty{}, l.lock(ctx, req.Type)
}

func (s *Service) unlock(ctx context.Context, sc *scene.Scene, req message.RoamingTarget) (message.Empty, error) {
	l, err := s.gateLink(sc, req.ID)
	if err != nil {
		return message.Empty{}, err
	}
	return message.Empty{}, l.unlockReq(ctx, req.Type, roam.Address(req.Terminus))
}

func (s *Service) push(_ context.Context, sc *scene.Scene, p message.RoamingPush) (message.Empty, error) {
	l, err := s.gateLink(sc, p.ID)
	if err != nil {
		return message.Empty{}, err
	}
	return message.Empty{}, l.Push(packet.Opcode(p.Opcode), p.Payload)
}

// gateLink returns the link with the given id held by sc.
func (s *Service) gateLink(sc *scene.Scene, id int64) (*Link, error) {
	if l, ok := s.Link(id); ok && l.sc == sc {
		return l, nil
	}
	return nil, roam.CodeNotFoundRoaming.Wrap(fmt.Errorf("no roaming link %d on scene %d", id, sc.ID()))
}

// call sends a frame to the terminus reported by resolve, and returns its
// response. If the terminus is not found, the call is retried after a
// backoff on sc. Errors from resolve are returned at once.
func (s *Service) call(ctx context.Context, sc *scene.Scene, op packet.Opcode, payload []byte, resolve func(context.Context) (roam.Address, error)) (*packet.Frame, error) {
	labels := []metrics.Label{roam.LabelModule.M(Module), roam.LabelOpcode.M(op.String())}
	for try := 0; ; try++ {
		addr, err := resolve(ctx)
		if err != nil {
			return nil, err
		}
		rsp, err := s.caller.Call(ctx, op, int64(addr), payload)
		if err == nil {
			return rsp, nil
		}
		switch roam.CodeOf(err) {
		case roam.CodeNotFoundRoute, roam.CodeNotFoundRoaming:
		default:
			return nil, err
		}
		if try >= s.retries {
			metrics.IncrCounterWithLabels(roam.MetricRouteFailCount, 1, labels)
			sc.Logger().Error("roaming call failed", roam.LabelModule.L(Module), roam.LabelOpcode.L(op),
				roam.LabelAddress.L(addr), slog.Int("attempts", try+1), roam.LabelError.L(err))
			return nil, err
		}
		metrics.IncrCounterWithLabels(roam.MetricRouteRetryCount, 1, labels)
		if err := sc.Sleep(ctx, s.backoff); err != nil {
			return nil, &roam.CallError{Code: roam.CodeCanceled, Err: err}
		}
	}
}

// checkInner reports an error if op is not an inner roaming message or
// request.
func checkInner(op packet.Opcode) error {
	switch op.Category() {
	case packet.InnerRoamingMessage, packet.InnerRoamingRequest:
		return nil
	}
	return fmt.Errorf("opcode %v is not an inner roaming frame", op)
}

// request sends req to route and decodes the response.
func request[R any](ctx context.Context, c addressable.Caller, op packet.Opcode, route roam.Address, req any) (R, error) {
	var zero R
	data, err := message.Marshal(op, req)
	if err != nil {
		return zero, err
	}
	rsp, err := c.Call(ctx, op, int64(route), data)
	if err != nil {
		return zero, err
	}
	defer rsp.Release()
	r, err := handler.Result[R](rsp)
	if err != nil {
		return zero, roam.CodeBadPayload.Wrap(err)
	}
	return r, nil
}

// bind returns a function that calls f with the hosted scene the request was
// delivered to.
func bind[P, R any](s *Service, f func(*Service, context.Context, *scene.Scene, P) (R, error)) func(context.Context, P) (R, error) {
	return func(ctx context.Context, p P) (R, error) {
		var zero R
		e := dispatch.ContextEntity(ctx)
		if e == nil {
			return zero, roam.CodeNotFoundRoute.Wrap(errors.New("no target scene"))
		}
		sc, ok := s.scene(e.Address().Scene())
		if !ok {
			return zero, roam.CodeNotFoundRoute.Wrap(fmt.Errorf("no roaming on scene %d", e.Address().Scene()))
		}
		return f(s, ctx, sc, p)
	}
}

func cmpOr(d, dflt time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return dflt
}
