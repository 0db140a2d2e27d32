// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package addressable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/creachadair/roam/handler"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/scene"
	"github.com/hashicorp/go-metrics"
)

const (
	// DefaultRetries is how many times a call is retried after its target
	// route is not found.
	DefaultRetries = 20

	// DefaultBackoff is how long a call waits between retries.
	DefaultBackoff = 500 * time.Millisecond
)

// A Caller sends frames to an address and waits for their responses. A
// [*roam.Session] is a Caller, as is a node, which picks the session for the
// scene of each route.
type Caller interface {
	Call(ctx context.Context, op packet.Opcode, route int64, payload []byte) (*packet.Frame, error)
}

// RouterOptions are optional settings for a [Router]. A nil *RouterOptions
// provides defaults as described.
type RouterOptions struct {
	// Retries bounds how many times a call is retried after a route miss.
	// If zero, DefaultRetries is used; if negative, calls are not retried.
	Retries int

	// Backoff is how long to wait between retries. If zero, DefaultBackoff
	// is used.
	Backoff time.Duration
}

func (o *RouterOptions) retries() int {
	if o == nil || o.Retries == 0 {
		return DefaultRetries
	}
	return max(o.Retries, 0)
}

func (o *RouterOptions) backoff() time.Duration {
	if o == nil {
		return DefaultBackoff
	}
	return cmpOr(o.Backoff, DefaultBackoff)
}

// A Router resolves addressable ids to addresses on behalf of one caller
// scene, and delivers frames to them. Its methods are safe for concurrent
// use, but blocking methods yield the caller scene only if ctx carries it.
type Router struct {
	sc       *scene.Scene
	caller   Caller
	managers []roam.Address
	locks    *colock.Table // caller-side, keyed by id
	retries  int
	backoff  time.Duration
	log      *slog.Logger

	μ     sync.Mutex
	cache map[int64]*Route
}

// NewRouter constructs a router for the caller scene sc that reaches the
// given manager scenes through c. It panics if managers is empty.
func NewRouter(sc *scene.Scene, c Caller, managers []roam.Address, opts *RouterOptions) *Router {
	if len(managers) == 0 {
		panic("addressable: no manager scenes")
	}
	return &Router{
		sc:       sc,
		caller:   c,
		managers: managers,
		locks:    colock.New(sc.Name()+"/router", 0),
		retries:  opts.retries(),
		backoff:  opts.backoff(),
		log:      sc.Logger().With(roam.LabelModule.L(Module)),
		cache:    make(map[int64]*Route),
	}
}

// ManagerFor returns the address of the manager scene responsible for id.
func (r *Router) ManagerFor(id int64) roam.Address {
	return r.managers[uint64(id)%uint64(len(r.managers))]
}

// A Route is a cached resolution of an addressable id. A route remains
// cached while at least one holder has not released it.
type Route struct {
	r    *Router
	id   int64
	addr roam.Address // zero if unresolved
	refs int
}

// ID reports the addressable id of the route.
func (rt *Route) ID() int64 { return rt.id }

// Address reports the cached address of the route, or zero if it is not
// currently resolved.
func (rt *Route) Address() roam.Address {
	rt.r.μ.Lock()
	defer rt.r.μ.Unlock()
	return rt.addr
}

// Release gives up the holder's reference to the route. When the last
// reference is released, the route is dropped from the cache.
func (rt *Route) Release() {
	rt.r.μ.Lock()
	defer rt.r.μ.Unlock()
	rt.refs--
	if rt.refs == 0 {
		delete(rt.r.cache, rt.id)
	} else if rt.refs < 0 {
		panic("addressable: route released too many times")
	}
}

// Acquire returns the cached route for id, creating an unresolved one if
// necessary, and adds a reference to it. The caller must release the route
// when it is no longer needed.
func (r *Router) Acquire(id int64) *Route {
	r.μ.Lock()
	defer r.μ.Unlock()
	rt, ok := r.cache[id]
	if !ok {
		rt = &Route{r: r, id: id}
		r.cache[id] = rt
	}
	rt.refs++
	return rt
}

// Cached reports the cached address for id, if any.
func (r *Router) Cached(id int64) (roam.Address, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if rt, ok := r.cache[id]; ok && rt.addr != 0 {
		return rt.addr, true
	}
	return 0, false
}

// Invalidate discards the cached address for id, if any.
func (r *Router) Invalidate(id int64) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if rt, ok := r.cache[id]; ok {
		rt.addr = 0
	}
}

func (r *Router) store(id int64, addr roam.Address) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if rt, ok := r.cache[id]; ok {
		rt.addr = addr
	}
}

// Resolve returns the address of id, from the cache if possible and
// otherwise from its manager. If id is not bound, Resolve reports an error
// carrying [roam.CodeNotFoundRoute].
func (r *Router) Resolve(ctx context.Context, id int64) (roam.Address, error) {
	if a, ok := r.Cached(id); ok {
		return a, nil
	}
	rsp, err := r.manage(ctx, message.AddressableGetRequest, id, message.AddressableGet{ID: id})
	if err != nil {
		return 0, err
	}
	defer rsp.Release()
	got, err := handler.Result[message.AddressableAddress](rsp)
	if err != nil {
		return 0, roam.CodeBadPayload.Wrap(err)
	} else if got.Address == 0 {
		return 0, roam.CodeNotFoundRoute.Wrap(fmt.Errorf("addressable %d is not bound", id))
	}
	addr := roam.Address(got.Address)
	r.store(id, addr)
	return addr, nil
}

// Register binds id to addr at its manager.
func (r *Router) Register(ctx context.Context, id int64, addr roam.Address) error {
	rsp, err := r.manage(ctx, message.AddressableAddRequest, id, message.AddressableAdd{ID: id, Address: int64(addr)})
	if err != nil {
		return err
	}
	rsp.Release()
	r.store(id, addr)
	return nil
}

// Unregister removes the binding of id at its manager.
func (r *Router) Unregister(ctx context.Context, id int64) error {
	rsp, err := r.manage(ctx, message.AddressableRemoveRequest, id, message.AddressableRemove{ID: id})
	if err != nil {
		return err
	}
	rsp.Release()
	r.Invalidate(id)
	return nil
}

// Migrate moves the entity bound to id to newAddr. It locks the binding at
// the manager, so that lookups of id wait, and calls move to transfer the
// entity. If move succeeds, id is rebound to newAddr; otherwise the binding
// is restored, and the error from move is returned.
//
// Migrate holds the caller-side lock for id, so calls through r to id wait
// for the migration to finish.
func (r *Router) Migrate(ctx context.Context, id int64, newAddr roam.Address, move func(context.Context) error) error {
	g, err := r.locks.Wait(ctx, id)
	if err != nil {
		return err
	}
	defer g.Release()
	ctx = g.Bind(ctx)

	r.Invalidate(id)
	old, err := r.Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve %d: %w", id, err)
	}
	rsp, err := r.manage(ctx, message.AddressableLockRequest, id, message.AddressableLock{ID: id})
	if err != nil {
		return fmt.Errorf("lock %d: %w", id, err)
	}
	rsp.Release()

	target := newAddr
	merr := move(ctx)
	if merr != nil {
		target = old
	}
	rsp, err = r.manage(ctx, message.AddressableUnlockRequest, id, message.AddressableUnlock{ID: id, Address: int64(target)})
	if err != nil {
		return errors.Join(merr, fmt.Errorf("unlock %d: %w", id, err))
	}
	rsp.Release()
	if merr != nil {
		return merr
	}
	r.store(id, newAddr)
	metrics.IncrCounterWithLabels(roam.MetricMigrationCount, 1, []metrics.Label{roam.LabelScene.M(r.sc.Name())})
	r.log.Debug("migrated", slog.Int64("id", id), roam.LabelAddress.L(newAddr), slog.Any("from", old))
	return nil
}

// Call sends a frame to the entity bound to id, and returns its response.
//
// Calls to the same id through r are serialized. If the route is not found,
// because the entity moved or is moving, the cached route is discarded and
// the call is retried after a backoff delay on the caller scene. When the
// retries are exhausted, Call reports the last not-found error. A
// [roam.CodeRouteTimeout] error is returned at once; so is any other error.
func (r *Router) Call(ctx context.Context, id int64, op packet.Opcode, payload []byte) (*packet.Frame, error) {
	g, err := r.locks.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	ctx = g.Bind(ctx)

	rt := r.Acquire(id)
	defer rt.Release()

	labels := []metrics.Label{roam.LabelOpcode.M(op.String())}
	for try := 0; ; try++ {
		addr, err := r.Resolve(ctx, id)
		if err == nil {
			var rsp *packet.Frame
			rsp, err = r.caller.Call(ctx, op, int64(addr), payload)
			if err == nil {
				return rsp, nil
			}
		}
		if roam.CodeOf(err) != roam.CodeNotFoundRoute {
			return nil, err
		}
		r.Invalidate(id)
		if try >= r.retries {
			metrics.IncrCounterWithLabels(roam.MetricRouteFailCount, 1, labels)
			r.log.Error("addressable call failed", slog.Int64("id", id), roam.LabelOpcode.L(op),
				slog.Int("attempts", try+1), roam.LabelError.L(err))
			return nil, err
		}
		metrics.IncrCounterWithLabels(roam.MetricRouteRetryCount, 1, labels)
		if err := r.sc.Sleep(ctx, r.backoff); err != nil {
			return nil, &roam.CallError{Code: roam.CodeCanceled, Err: err}
		}
	}
}

// Send sends a message to the entity bound to id, and waits for the target
// scene to acknowledge it. The message carries a correlation id, so a target
// that is missing answers [roam.CodeNotFoundRoute], and Send retries it the
// same way Call does. The ordering of messages and calls through r to the
// same id is preserved.
func (r *Router) Send(ctx context.Context, id int64, op packet.Opcode, payload []byte) error {
	if op.Category().Kind() != packet.KindMessage {
		return fmt.Errorf("opcode %v is not a message", op)
	}
	rsp, err := r.Call(ctx, id, op, payload)
	if err != nil {
		return err
	}
	rsp.Release()
	return nil
}

// manage sends a request about id to its manager scene.
func (r *Router) manage(ctx context.Context, op packet.Opcode, id int64, req any) (*packet.Frame, error) {
	data, err := message.Marshal(op, req)
	if err != nil {
		return nil, err
	}
	return r.caller.Call(ctx, op, int64(r.ManagerFor(id)), data)
}

// Close releases the resources of r. Pending calls fail.
func (r *Router) Close() { r.locks.Close() }
