// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/scene"
	"github.com/hashicorp/go-metrics"
)

// A Terminus is the entity that stands in for the client of a roaming link
// on a scene serving one roaming type. Frames of that type from the client
// reach it as inner roaming frames. A handler finds the terminus it was
// called for with [ContextTerminus].
type Terminus struct {
	svc  *Service
	sc   *scene.Scene
	addr roam.Address
	id   int64
	typ  int32
	gate roam.Address
}

// ContextTerminus returns the terminus a handler was called for, or nil if
// the target of the handler is not a terminus.
func ContextTerminus(ctx context.Context) *Terminus {
	t, _ := dispatch.ContextEntity(ctx).(*Terminus)
	return t
}

// Address reports the runtime address of t.
func (t *Terminus) Address() roam.Address { return t.addr }

// ID reports the roaming id of the link t belongs to.
func (t *Terminus) ID() int64 { return t.id }

// Type reports the roaming type served by t.
func (t *Terminus) Type() int32 { return t.typ }

// Gate reports the address of the scene holding the link of t.
func (t *Terminus) Gate() roam.Address { return t.gate }

// Scene returns the scene hosting t.
func (t *Terminus) Scene() *scene.Scene { return t.sc }

func (t *Terminus) target(typ int32, addr roam.Address) message.RoamingTarget {
	return message.RoamingTarget{ID: t.id, Type: typ, Gate: int64(t.gate), Terminus: int64(addr)}
}

// Push sends a message to the client of the link of t, through its gate.
// The opcode must be an outer message.
func (t *Terminus) Push(ctx context.Context, op packet.Opcode, payload []byte) error {
	if c := op.Category(); c.IsInner() || c.Kind() != packet.KindMessage {
		return fmt.Errorf("opcode %v is not a client message", op)
	}
	data, err := message.Marshal(message.RoamingPushMessage, message.RoamingPush{
		ID: t.id, Opcode: uint32(op), Payload: payload,
	})
	if err != nil {
		return err
	}
	rsp, err := t.svc.caller.Call(ctx, message.RoamingPushMessage, int64(t.gate), data)
	if err != nil {
		return err
	}
	rsp.Release()
	return nil
}

// Call sends an inner roaming frame to the terminus of another roaming type
// of the same link, and returns its response. The terminus is looked up
// through the gate, and the call is retried after a backoff if it is not
// found, as for [Link.Call].
func (t *Terminus) Call(ctx context.Context, typ int32, op packet.Opcode, payload []byte) (*packet.Frame, error) {
	if err := checkInner(op); err != nil {
		return nil, err
	}
	return t.svc.call(ctx, t.sc, op, payload, func(ctx context.Context) (roam.Address, error) {
		got, err := request[message.RoamingTarget](ctx, t.svc.caller, message.RoamingGetRequest, t.gate, t.target(typ, 0))
		return roam.Address(got.Terminus), err
	})
}

// Transfer moves t to the scene with the given id, and returns the address
// of the terminus that replaces it.
//
// The type of t is locked at the gate for the duration, so frames forwarded
// to it wait. A new terminus is created on the target scene, and t is
// removed from its own scene before move is called with the new address.
// If move succeeds, the gate relinks the type to the new terminus.
// Otherwise the new terminus is removed, t is restored, and the error from
// move is returned.
func (t *Terminus) Transfer(ctx context.Context, sceneID uint32, move func(ctx context.Context, next roam.Address) error) (roam.Address, error) {
	if sceneID == t.sc.ID() {
		return 0, fmt.Errorf("terminus %v is already on scene %d", t.addr, sceneID)
	}
	if _, err := request[message.Empty](ctx, t.svc.caller, message.RoamingLockRequest, t.gate, t.target(t.typ, 0)); err != nil {
		return 0, fmt.Errorf("lock type %d: %w", t.typ, err)
	}

	dest := roam.MakeAddress(sceneID, 0)
	got, err := request[message.RoamingTarget](ctx, t.svc.caller, message.RoamingTransferRequest, dest, t.target(t.typ, 0))
	next := roam.Address(got.Terminus)
	if err == nil {
		t.sc.Remove(t.addr)
		if move != nil {
			err = move(ctx, next)
		}
		if err != nil {
			if _, uerr := request[message.Empty](ctx, t.svc.caller, message.RoamingUnlinkRequest, dest, t.target(t.typ, next)); uerr != nil {
				t.sc.Logger().Warn("removing abandoned terminus", roam.LabelAddress.L(next), roam.LabelError.L(uerr))
			}
			if aerr := t.sc.Add(t); aerr != nil {
				err = errors.Join(err, aerr)
			}
		}
	}

	relink := next
	if err != nil {
		relink = t.addr
	}
	if _, uerr := request[message.Empty](ctx, t.svc.caller, message.RoamingUnlockRequest, t.gate, t.target(t.typ, relink)); uerr != nil {
		return 0, errors.Join(err, fmt.Errorf("unlock type %d: %w", t.typ, uerr))
	}
	if err != nil {
		return 0, err
	}
	metrics.IncrCounterWithLabels(roam.MetricMigrationCount, 1, []metrics.Label{
		roam.LabelScene.M(t.sc.Name()), roam.LabelModule.M(Module),
	})
	t.sc.Logger().Debug("terminus transferred", roam.LabelModule.L(Module), slog.Int64("roaming", t.id),
		slog.Int("type", int(t.typ)), roam.LabelAddress.L(next), slog.Any("from", t.addr))
	return next, nil
}
