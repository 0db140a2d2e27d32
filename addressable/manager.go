// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package addressable implements a location directory for entities that
// move between scenes.
//
// An addressable entity has a stable 64-bit id, and a runtime address that
// changes when the entity migrates. A [Manager], hosted on a manager scene,
// holds the binding from id to address. Managers are sharded by id: the
// manager for id is the one at index id % N of the configured manager scenes.
//
// A [Router] is the caller side. It resolves ids through the managers,
// caches routes while they are in use, and retries calls that race with a
// migration.
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
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/handler"
	"github.com/creachadair/roam/message"
	"github.com/creachadair/roam/scene"
	"github.com/creachadair/roam/timer"
)

// Module is the module name of the manager handlers.
const Module = "addressable"

// DefaultLockTimeout is how long a migration lock is held if the migrating
// caller never unlocks it.
const DefaultLockTimeout = 10 * time.Second

// A Manager holds the id bindings for one manager scene.
type Manager struct {
	sc          *scene.Scene
	locks       *colock.Table
	lockTimeout time.Duration
	log         *slog.Logger

	μ     sync.Mutex
	binds map[int64]roam.Address
	held  map[int64]heldLock // ids locked for migration
}

type heldLock struct {
	g     *colock.Guard
	timer timer.ID
}

// Bindings reports the number of ids bound in m.
func (m *Manager) Bindings() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.binds)
}

// Lookup reports the address bound to id in m, if any, without waiting for
// a migration lock.
func (m *Manager) Lookup(id int64) (roam.Address, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	a, ok := m.binds[id]
	return a, ok
}

func (m *Manager) withLock(ctx context.Context, id int64, f func()) error {
	g, err := m.locks.Wait(ctx, id)
	if err != nil {
		return err
	}
	defer g.Release()
	m.μ.Lock()
	defer m.μ.Unlock()
	f()
	return nil
}

func (m *Manager) add(ctx context.Context, req message.AddressableAdd) (message.Empty, error) {
	return message.Empty{}, m.withLock(ctx, req.ID, func() {
		m.binds[req.ID] = roam.Address(req.Address)
	})
}

func (m *Manager) get(ctx context.Context, req message.AddressableGet) (message.AddressableAddress, error) {
	out := message.AddressableAddress{ID: req.ID}
	err := m.withLock(ctx, req.ID, func() {
		out.Address = int64(m.binds[req.ID])
	})
	return out, err
}

func (m *Manager) remove(ctx context.Context, req message.AddressableRemove) (message.Empty, error) {
	return message.Empty{}, m.withLock(ctx, req.ID, func() {
		if cur, ok := m.binds[req.ID]; ok && (req.Address == 0 || int64(cur) == req.Address) {
			delete(m.binds, req.ID)
		}
	})
}

func (m *Manager) lock(ctx context.Context, req message.AddressableLock) (message.Empty, error) {
	g, err := m.locks.Wait(ctx, req.ID)
	if err != nil {
		return message.Empty{}, err
	}
	id := req.ID

	// The expiry runs as a task of the manager scene, and releases only the
	// lock it was set for.
	m.μ.Lock()
	defer m.μ.Unlock()
	tid := m.sc.After(m.lockTimeout, func(context.Context) {
		if m.release(id, 0, g) {
			m.log.Warn("migration lock expired", slog.Int64("id", id))
		}
	})
	m.held[id] = heldLock{g: g, timer: tid}
	return message.Empty{}, nil
}

// Locked reports whether id is locked for migration in m.
func (m *Manager) Locked(id int64) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	_, ok := m.held[id]
	return ok
}

func (m *Manager) unlockReq(ctx context.Context, req message.AddressableUnlock) (message.Empty, error) {
	if !m.unlock(req.ID, roam.Address(req.Address)) {
		// The lock expired or was never taken. The new address is still the
		// best information we have.
		m.log.Warn("unlock without a held lock", slog.Int64("id", req.ID), roam.LabelAddress.L(roam.Address(req.Address)))
		if err := m.withLock(ctx, req.ID, func() { m.bindLocked(req.ID, roam.Address(req.Address)) }); err != nil {
			return message.Empty{}, err
		}
	}
	return message.Empty{}, nil
}

// unlock releases the migration lock on id, if one is held, rebinding id to
// addr first unless addr is zero. It reports whether a lock was released.
func (m *Manager) unlock(id int64, addr roam.Address) bool { return m.release(id, addr, nil) }

// release is unlock restricted to the lock held by g, if g != nil.
func (m *Manager) release(id int64, addr roam.Address, g *colock.Guard) bool {
	m.μ.Lock()
	h, ok := m.held[id]
	ok = ok && (g == nil || h.g == g)
	if ok {
		delete(m.held, id)
		if addr != 0 {
			m.bindLocked(id, addr)
		}
	}
	m.μ.Unlock()
	if !ok {
		return false
	}
	m.sc.Timers().Cancel(h.timer)
	h.g.Release()
	return true
}

func (m *Manager) bindLocked(id int64, addr roam.Address) {
	if addr == 0 {
		delete(m.binds, id)
	} else {
		m.binds[id] = addr
	}
}

// A Service is the set of managers hosted by a node. Its handler segment
// routes each request to the manager of its target scene. A zero Service is
// ready for use.
type Service struct {
	// LockTimeout is how long a migration lock may be held. If zero,
	// DefaultLockTimeout is used.
	LockTimeout time.Duration

	μ        sync.Mutex
	managers map[uint32]*Manager
}

// Host creates a manager on sc, or returns the existing one.
func (s *Service) Host(sc *scene.Scene) *Manager {
	s.μ.Lock()
	defer s.μ.Unlock()
	if m, ok := s.managers[sc.ID()]; ok {
		return m
	}
	if s.managers == nil {
		s.managers = make(map[uint32]*Manager)
	}
	m := &Manager{
		sc:          sc,
		locks:       colock.New(sc.Name()+"/addressable", 0),
		lockTimeout: cmpOr(s.LockTimeout, DefaultLockTimeout),
		log:         sc.Logger().With(roam.LabelModule.L(Module)),
		binds:       make(map[int64]roam.Address),
		held:        make(map[int64]heldLock),
	}
	s.managers[sc.ID()] = m
	return m
}

// Manager returns the manager for the given scene id, if one is hosted.
func (s *Service) Manager(sceneID uint32) (*Manager, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	m, ok := s.managers[sceneID]
	return m, ok
}

// Close releases the resources of all hosted managers.
func (s *Service) Close() {
	s.μ.Lock()
	defer s.μ.Unlock()
	for _, m := range s.managers {
		m.locks.Close()
	}
}

// Segment returns the handler segment for the manager requests.
func (s *Service) Segment() *dispatch.Segment {
	return dispatch.NewSegment(Module,
		handler.Request(message.AddressableAddRequest, message.AddressableAddResponse, "addressable.add", bind(s, (*Manager).add)),
		handler.Request(message.AddressableGetRequest, message.AddressableGetResponse, "addressable.get", bind(s, (*Manager).get)),
		handler.Request(message.AddressableRemoveRequest, message.AddressableRemoveResponse, "addressable.remove", bind(s, (*Manager).remove)),
		handler.Request(message.AddressableLockRequest, message.AddressableLockResponse, "addressable.lock", bind(s, (*Manager).lock)),
		handler.Request(message.AddressableUnlockRequest, message.AddressableUnlockResponse, "addressable.unlock", bind(s, (*Manager).unlockReq)),
	)
}

// bind returns a function that calls f on the manager of the scene the
// request was delivered to.
func bind[P, R any](s *Service, f func(*Manager, context.Context, P) (R, error)) func(context.Context, P) (R, error) {
	return func(ctx context.Context, p P) (R, error) {
		var zero R
		e := dispatch.ContextEntity(ctx)
		if e == nil {
			return zero, roam.CodeNotFoundRoute.Wrap(errors.New("no target scene"))
		}
		m, ok := s.Manager(e.Address().Scene())
		if !ok {
			return zero, roam.CodeNotFoundRoute.Wrap(fmt.Errorf("no manager on scene %d", e.Address().Scene()))
		}
		return f(m, ctx, p)
	}
}

func cmpOr(d, dflt time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return dflt
}
