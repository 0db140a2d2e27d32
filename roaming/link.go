// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/scene"
	"github.com/creachadair/roam/timer"
)

// A Link binds the client session of a roaming id to the termini of its
// roaming types. A link is held by one gate scene. Its methods are safe for
// concurrent use, but blocking methods yield the gate scene only if ctx
// carries it.
type Link struct {
	svc   *Service
	sc    *scene.Scene
	id    int64
	binds *colock.Table // terminus bindings, by type
	order *colock.Table // calls through the link, by type
	log   *slog.Logger

	μ       sync.Mutex
	sess    *roam.Session // nil while detached
	termini map[int32]roam.Address
	held    map[int32]heldLock // types locked for transfer
	linger  timer.ID           // pending removal, or 0
	closed  bool
}

type heldLock struct {
	g     *colock.Guard
	timer timer.ID
}

func newLink(s *Service, gate *scene.Scene, id int64, sess *roam.Session) *Link {
	return &Link{
		svc:     s,
		sc:      gate,
		id:      id,
		binds:   colock.New(gate.Name()+"/roaming", 0),
		order:   colock.New(gate.Name()+"/roaming/order", 0),
		log:     gate.Logger().With(roam.LabelModule.L(Module), slog.Int64("roaming", id)),
		sess:    sess,
		termini: make(map[int32]roam.Address),
		held:    make(map[int32]heldLock),
	}
}

// ID reports the roaming id of l.
func (l *Link) ID() int64 { return l.id }

// Gate returns the scene that holds l.
func (l *Link) Gate() *scene.Scene { return l.sc }

// Session returns the client session of l, or nil if the client has gone.
func (l *Link) Session() *roam.Session {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.sess
}

// Types returns the linked roaming types of l in increasing order.
func (l *Link) Types() []int32 {
	l.μ.Lock()
	defer l.μ.Unlock()
	return slices.Sorted(maps.Keys(l.termini))
}

// Lookup reports the terminus linked for typ, if any, without waiting for a
// transfer lock.
func (l *Link) Lookup(typ int32) (roam.Address, bool) {
	l.μ.Lock()
	defer l.μ.Unlock()
	a, ok := l.termini[typ]
	return a, ok
}

// Locked reports whether typ is locked for a transfer.
func (l *Link) Locked(typ int32) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	_, ok := l.held[typ]
	return ok
}

func (l *Link) errClosed() error {
	return roam.CodeNotFoundRoaming.Wrap(fmt.Errorf("roaming link %d is closed", l.id))
}

func (l *Link) isClosed() bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.closed
}

func (l *Link) target(typ int32, addr roam.Address) message.RoamingTarget {
	return message.RoamingTarget{ID: l.id, Type: typ, Gate: int64(l.sc.Address()), Terminus: int64(addr)}
}

// wait acquires the binding lock for typ.
func (l *Link) wait(ctx context.Context, typ int32) (*colock.Guard, error) {
	if l.isClosed() {
		return nil, l.errClosed()
	}
	g, err := l.binds.Wait(ctx, int64(typ))
	if errors.Is(err, colock.ErrClosed) {
		return nil, l.errClosed()
	}
	return g, err
}

// Link creates a terminus for typ on the scene with the given id, and links
// typ to it. If typ is already linked, Link reports an error carrying
// [roam.CodeLinkExists].
func (l *Link) Link(ctx context.Context, sceneID uint32, typ int32) (roam.Address, error) {
	if typ == 0 {
		return 0, errors.New("roaming type must be nonzero")
	}
	g, err := l.wait(ctx, typ)
	if err != nil {
		return 0, err
	}
	defer g.Release()

	if _, ok := l.Lookup(typ); ok {
		return 0, roam.CodeLinkExists.Wrap(fmt.Errorf("roaming link %d already has type %d", l.id, typ))
	}
	got, err := request[message.RoamingTarget](ctx, l.svc.caller, message.RoamingLinkRequest,
		roam.MakeAddress(sceneID, 0), l.target(typ, 0))
	if err != nil {
		return 0, fmt.Errorf("link type %d: %w", typ, err)
	}
	addr := roam.Address(got.Terminus)

	l.μ.Lock()
	closed := l.closed
	if !closed {
		l.termini[typ] = addr
	}
	l.μ.Unlock()
	if closed {
		l.drop(ctx, typ, addr)
		return 0, l.errClosed()
	}
	l.log.Debug("roaming type linked", slog.Int("type", int(typ)), roam.LabelAddress.L(addr))
	return addr, nil
}

// Unlink removes the terminus linked for typ. If typ == 0, every type of l
// is unlinked. Unlinking a type that is not linked does nothing.
func (l *Link) Unlink(ctx context.Context, typ int32) error {
	if typ == 0 {
		var errs []error
		for _, t := range l.Types() {
			errs = append(errs, l.Unlink(ctx, t))
		}
		return errors.Join(errs...)
	}
	g, err := l.wait(ctx, typ)
	if err != nil {
		return err
	}
	defer g.Release()

	l.μ.Lock()
	addr, ok := l.termini[typ]
	delete(l.termini, typ)
	l.μ.Unlock()
	if !ok {
		return nil
	}
	return l.drop(ctx, typ, addr)
}

// drop removes the terminus at addr from its scene.
func (l *Link) drop(ctx context.Context, typ int32, addr roam.Address) error {
	_, err := request[message.Empty](ctx, l.svc.caller, message.RoamingUnlinkRequest,
		roam.MakeAddress(addr.Scene(), 0), l.target(typ, addr))
	if err != nil {
		return fmt.Errorf("unlink type %d: %w", typ, err)
	}
	return nil
}

// Terminus returns the address of the terminus linked for typ, waiting for
// a transfer of typ to finish. If typ is not linked, Terminus reports an
// error carrying [roam.CodeNotFoundRoaming].
func (l *Link) Terminus(ctx context.Context, typ int32) (roam.Address, error) {
	g, err := l.wait(ctx, typ)
	if err != nil {
		return 0, err
	}
	g.Release()
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.closed {
		return 0, l.errClosed()
	} else if a, ok := l.termini[typ]; ok {
		return a, nil
	}
	return 0, roam.CodeNotFoundRoaming.Wrap(fmt.Errorf("roaming link %d has no type %d", l.id, typ))
}

// Call sends an inner roaming frame to the terminus linked for typ, and
// returns its response.
//
// Calls through l to the same type are serialized. If the terminus is not
// found, because it moved or is moving, the call is retried after a backoff
// on the gate scene, and the terminus is looked up again. An unlinked type
// fails at once with [roam.CodeNotFoundRoaming]; so does any other error.
func (l *Link) Call(ctx context.Context, typ int32, op packet.Opcode, payload []byte) (*packet.Frame, error) {
	if err := checkInner(op); err != nil {
		return nil, err
	}
	g, err := l.order.Wait(ctx, int64(typ))
	if errors.Is(err, colock.ErrClosed) {
		return nil, l.errClosed()
	} else if err != nil {
		return nil, err
	}
	defer g.Release()
	return l.svc.call(g.Bind(ctx), l.sc, op, payload, func(ctx context.Context) (roam.Address, error) {
		return l.Terminus(ctx, typ)
	})
}

// forward delivers an outer roaming frame from the client to the terminus of
// its type as an inner roaming frame, and relays the outcome to the client.
func (l *Link) forward(ctx context.Context, sess *roam.Session, f *packet.Frame) {
	defer f.Release()
	if f.Route <= 0 || f.Route > math.MaxInt32 {
		refuse(sess, f, roam.CodeNotFoundRoaming)
		return
	}
	in, _ := f.Opcode.Category().Inner()
	op := packet.NewOpcode(in, f.Opcode.Codec(), f.Opcode.Index())

	rsp, err := l.Call(ctx, int32(f.Route), op, f.Payload)
	if rsp != nil {
		defer rsp.Release()
	}
	if !f.AwaitsReply() {
		if err != nil {
			l.log.Debug("roaming message not delivered", roam.LabelOpcode.L(f.Opcode),
				slog.Int64("type", f.Route), roam.LabelError.L(err))
		}
		return
	}
	var body []byte
	if err == nil && f.Opcode.Category().Kind() == packet.KindRequest {
		_, body, _ = packet.SplitResponse(rsp.Payload)
	}
	if err := sess.Reply(f, responseOpcode(f.Opcode), roam.CodeOf(err), body); err != nil {
		l.log.Debug("roaming reply failed", roam.LabelRPCID.L(f.RPCID), roam.LabelError.L(err))
	}
}

// Push sends a message frame to the client of l. The opcode must be an
// outer message. If the client has gone, Push reports an error carrying
// [roam.CodeNotFoundRoaming].
func (l *Link) Push(op packet.Opcode, payload []byte) error {
	if c := op.Category(); c.IsInner() || c.Kind() != packet.KindMessage {
		return fmt.Errorf("opcode %v is not a client message", op)
	}
	sess := l.Session()
	if sess == nil {
		return roam.CodeNotFoundRoaming.Wrap(fmt.Errorf("roaming link %d has no client", l.id))
	}
	return sess.Send(op, 0, payload)
}

// lock holds the binding lock for typ until unlock, or until the lock
// timeout of the service elapses.
func (l *Link) lock(ctx context.Context, typ int32) error {
	g, err := l.wait(ctx, typ)
	if err != nil {
		return err
	}
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.closed {
		g.Release()
		return l.errClosed()
	}
	tid := l.sc.After(l.svc.lockTimeout, func(context.Context) {
		if l.release(typ, 0, g) {
			l.log.Warn("transfer lock expired", slog.Int("type", int(typ)))
		}
	})
	l.held[typ] = heldLock{g: g, timer: tid}
	return nil
}

func (l *Link) unlockReq(ctx context.Context, typ int32, addr roam.Address) error {
	if l.release(typ, addr, nil) {
		return nil
	}
	// The lock expired or was never taken. The new terminus is still the
	// best information we have.
	l.log.Warn("unlock without a held lock", slog.Int("type", int(typ)), roam.LabelAddress.L(addr))
	g, err := l.wait(ctx, typ)
	if err != nil {
		return err
	}
	defer g.Release()
	l.μ.Lock()
	defer l.μ.Unlock()
	l.bindLocked(typ, addr)
	return nil
}

// release gives up the transfer lock on typ, if one is held by g (or by
// anyone, if g == nil), relinking typ to addr first unless addr is zero. It
// reports whether a lock was released.
func (l *Link) release(typ int32, addr roam.Address, g *colock.Guard) bool {
	l.μ.Lock()
	h, ok := l.held[typ]
	ok = ok && (g == nil || h.g == g)
	if ok {
		delete(l.held, typ)
		l.bindLocked(typ, addr)
	}
	l.μ.Unlock()
	if !ok {
		return false
	}
	l.sc.Timers().Cancel(h.timer)
	h.g.Release()
	return true
}

func (l *Link) bindLocked(typ int32, addr roam.Address) {
	if addr != 0 && !l.closed {
		l.termini[typ] = addr
	}
}

// attach makes sess the client of l and cancels a pending removal. It
// returns the previous client. The caller must hold the service lock.
func (l *Link) attach(sess *roam.Session) *roam.Session {
	l.μ.Lock()
	defer l.μ.Unlock()
	old := l.sess
	l.sess = sess
	if l.linger != 0 {
		l.sc.Timers().Cancel(l.linger)
		l.linger = 0
	}
	return old
}

// detach drops sess as the client of l, and schedules the removal of l.
func (l *Link) detach(sess *roam.Session) {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.sess != sess || l.closed {
		return
	}
	l.sess = nil
	if l.svc.linger < 0 {
		l.sc.Post(l.expire)
		return
	}
	l.linger = l.sc.After(l.svc.linger, l.expire)
}

// expire closes l if it still has no client.
func (l *Link) expire(ctx context.Context) {
	if err := l.close(ctx, true); err != nil {
		l.log.Warn("closing idle roaming link", roam.LabelError.L(err))
	}
}

// Close unlinks every roaming type of l, and removes l from its service.
// After Close, calls through l report [roam.CodeNotFoundRoaming].
func (l *Link) Close(ctx context.Context) error { return l.close(ctx, false) }

func (l *Link) close(ctx context.Context, idle bool) error {
	s := l.svc
	s.μ.Lock()
	l.μ.Lock()
	if l.closed || (idle && l.sess != nil) {
		l.μ.Unlock()
		s.μ.Unlock()
		return nil
	}
	l.closed = true
	if l.sess != nil {
		delete(s.clients, l.sess)
		l.sess = nil
	}
	if s.links[l.id] == l {
		delete(s.links, l.id)
	}
	termini := l.termini
	l.termini = make(map[int32]roam.Address)
	held := l.held
	l.held = make(map[int32]heldLock)
	l.sc.Timers().Cancel(l.linger)
	l.linger = 0
	l.μ.Unlock()
	s.μ.Unlock()

	for _, h := range held {
		l.sc.Timers().Cancel(h.timer)
	}
	l.binds.Close()
	l.order.Close()

	var errs []error
	for typ, addr := range termini {
		errs = append(errs, l.drop(ctx, typ, addr))
	}
	l.log.Debug("roaming link closed", slog.Bool("idle", idle))
	return errors.Join(errs...)
}
