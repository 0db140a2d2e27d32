// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/creachadair/roam/packet"
	"github.com/hashicorp/go-metrics"
)

// An Entity is a routable target within a scene.
type Entity interface {
	// Address reports the runtime address of the entity.
	Address() roam.Address
}

// A Host is the scene a dispatcher delivers frames into.
type Host interface {
	// Entity returns the entity registered at addr, if any. The address of
	// the scene itself resolves to the scene.
	Entity(addr roam.Address) (Entity, bool)

	// Locks returns the per-entity lock table of the scene.
	Locks() *colock.Table
}

type entityKey struct{}

// WithEntity returns a copy of ctx carrying e.
func WithEntity(ctx context.Context, e Entity) context.Context {
	return context.WithValue(ctx, entityKey{}, e)
}

// ContextEntity returns the target entity carried by ctx, or nil. The context
// passed to a handler for an entity-routed frame has this value.
func ContextEntity(ctx context.Context) Entity {
	if v := ctx.Value(entityKey{}); v != nil {
		return v.(Entity)
	}
	return nil
}

// A Dispatcher delivers inbound frames to the handlers of a table on behalf
// of one scene.
type Dispatcher struct {
	table *Table
	host  Host
	log   *slog.Logger
}

// NewDispatcher constructs a dispatcher for host using the handlers of table.
// If log == nil, the default logger is used.
func NewDispatcher(table *Table, host Host, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{table: table, host: host, log: log}
}

// Table returns the handler table of d.
func (d *Dispatcher) Table() *Table { return d.table }

// Dispatch processes a frame received on s. It blocks until the handler, if
// any, has finished, and the response, if any, has been sent. Blocking waits
// inside Dispatch yield the execution context carried by ctx.
//
// Responses are delivered to the pending calls of s. Pings are answered at
// once. Direct messages and requests go to their handlers. Entity-routed
// frames are delivered under the lock of the target entity, after checking
// that the entity is still registered under the same runtime address.
//
// A message that carries a correlation id is answered like a request: with
// [roam.CodeNotFoundRoute] if its target entity is missing, and otherwise
// with the outcome of its handler.
//
// Except for responses, which pass to the call they complete, Dispatch
// releases f when it returns. A handler that keeps the payload beyond its
// return must [packet.Frame.Detach] it first.
func (d *Dispatcher) Dispatch(ctx context.Context, s *roam.Session, f *packet.Frame) {
	cat := f.Opcode.Category()
	if cat.Kind() == packet.KindResponse {
		s.Deliver(f)
		return
	}
	defer f.Release()

	switch {
	case cat == packet.PingRequest:
		d.reply(s, f, packet.Pong, roam.CodeSuccess, nil)
		return
	case cat.Routing() == packet.RouteInvalid:
		d.unknown(f, "invalid category")
		return
	case cat.Routing() == packet.RouteRoaming:
		// Roaming frames are forwarded before they reach a scene.
		d.fail(s, f, roam.CodeNotFoundRoaming, "roaming frame without a link")
		return
	}

	e, ok := d.table.Lookup(f.Opcode)
	if !ok {
		d.unknown(f, "no handler")
		return
	}
	hctx := roam.WithSession(ctx, s)

	if cat.Routing() == packet.RouteEntity {
		addr := roam.Address(f.Route)
		ent, ok := d.host.Entity(addr)
		if !ok {
			metrics.IncrCounterWithLabels(roam.MetricRouteMissCount, 1, []metrics.Label{roam.LabelOpcode.M(e.Name)})
			d.fail(s, f, roam.CodeNotFoundRoute, "unknown entity")
			return
		}

		// The scene is its own root entity and runs one task at a time, so
		// frames addressed to it need no lock.
		if !addr.IsScene() {
			g, err := d.host.Locks().Wait(ctx, int64(addr))
			if err != nil {
				d.log.Warn("entity lock failed", roam.LabelOpcode.L(f.Opcode), roam.LabelRoute.L(addr), roam.LabelError.L(err))
				d.fail(s, f, roam.CodeOf(err), "")
				return
			}
			defer g.Release()
			hctx = g.Bind(hctx)

			// The entity may have gone away, or been replaced, while we
			// waited for the lock.
			if cur, ok := d.host.Entity(addr); !ok || cur != ent || cur.Address() != addr {
				d.fail(s, f, roam.CodeEntityNotFound, "replaced entity")
				return
			}
		}
		hctx = WithEntity(hctx, ent)
	}

	labels := []metrics.Label{roam.LabelOpcode.M(e.Name)}
	start := time.Now()
	body, err := d.call(hctx, e, f)
	metrics.MeasureSinceWithLabels(roam.MetricDispatchLatency, start, labels)
	metrics.IncrCounterWithLabels(roam.MetricDispatchCount, 1, labels)
	if err != nil {
		metrics.IncrCounterWithLabels(roam.MetricDispatchErrorCount, 1, labels)
		d.log.Warn("handler failed", slog.String("handler", e.Name),
			roam.LabelOpcode.L(f.Opcode), roam.LabelRoute.L(roam.Address(f.Route)), roam.LabelError.L(err))
	}
	if f.AwaitsReply() {
		code := roam.CodeOf(err)
		if code != roam.CodeSuccess || cat.Kind() == packet.KindMessage {
			body = nil
		}
		d.reply(s, f, d.table.ResponseOpcode(f.Opcode), code, body)
	}
}

// call runs the handler for f, converting a panic into an error.
func (d *Dispatcher) call(ctx context.Context, e Entry, f *packet.Frame) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler %q panicked (recovered): %v", e.Name, x)
		}
	}()
	return e.Handler(ctx, f)
}

func (d *Dispatcher) reply(s *roam.Session, req *packet.Frame, op packet.Opcode, code roam.ErrorCode, body []byte) {
	if err := s.Reply(req, op, code, body); err != nil {
		d.log.Debug("reply failed", roam.LabelRPCID.L(req.RPCID), roam.LabelError.L(err))
	}
}

// fail answers f with code if its sender awaits a reply, and otherwise logs
// the drop as why, unless why is empty.
func (d *Dispatcher) fail(s *roam.Session, f *packet.Frame, code roam.ErrorCode, why string) {
	if f.AwaitsReply() {
		d.reply(s, f, d.table.ResponseOpcode(f.Opcode), code, nil)
	} else if why != "" {
		d.log.Debug("dropping message for "+why, roam.LabelOpcode.L(f.Opcode), roam.LabelRoute.L(roam.Address(f.Route)))
	}
}

func (d *Dispatcher) unknown(f *packet.Frame, why string) {
	metrics.IncrCounterWithLabels(roam.MetricDispatchUnknownCount, 1,
		[]metrics.Label{roam.LabelOpcode.M(fmt.Sprint(uint32(f.Opcode)))})
	d.log.Warn("dropping frame: "+why, roam.LabelOpcode.L(f.Opcode), roam.LabelRoute.L(roam.Address(f.Route)))
}
