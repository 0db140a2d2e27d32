// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package scene implements a single-threaded execution context for entities.
//
// A [Scene] runs posted tasks one at a time. Each task runs on its own
// goroutine, but holds the scene's baton while it runs, so no two tasks of a
// scene ever run at the same moment. A task that blocks in a suspension point
// (waiting for a future, a coroutine lock, or a scene timer) gives up the
// baton for the duration of the wait, and takes it back before continuing.
// Thus the tasks of a scene interleave only where they wait.
//
// The context passed to a task carries the yielder for its baton (see
// [future.WithYielder]). Blocking operations built on the future package
// yield it automatically.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/colock"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/future"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/timer"
	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
)

var (
	// ErrStopped is reported for work posted to a scene that has stopped.
	ErrStopped = errors.New("scene: scene is stopped")

	// ErrDuplicate is reported when an entity is added at an address that is
	// already occupied.
	ErrDuplicate = errors.New("scene: address already registered")

	// ErrForeign is reported when an entity is added with an address that does
	// not belong to the scene.
	ErrForeign = errors.New("scene: address belongs to another scene")
)

// A Task is a unit of work run on a scene.
type Task func(ctx context.Context)

// Options are optional settings for a [Scene]. A nil *Options is ready for
// use and provides defaults as described.
type Options struct {
	// Name labels the logs and metrics of the scene. If empty, the scene id
	// is used.
	Name string

	// Table is the handler table used to dispatch inbound frames. If nil,
	// the scene has an empty table of its own.
	Table *dispatch.Table

	// Logger is used for diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger

	// LockTimeout bounds how long a task waits for an entity lock. If zero,
	// colock.DefaultTimeout is used.
	LockTimeout time.Duration
}

func (o *Options) name(id uint32) string {
	if o == nil || o.Name == "" {
		return fmt.Sprintf("scene-%d", id)
	}
	return o.Name
}

func (o *Options) table() *dispatch.Table {
	if o == nil || o.Table == nil {
		return new(dispatch.Table)
	}
	return o.Table
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) lockTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.LockTimeout
}

// A Scene is a single-threaded host for entities. Construct one with [New].
// A Scene is itself the root entity at its scene address.
type Scene struct {
	id     uint32
	name   string
	log    *slog.Logger
	baton  chan struct{} // holds a token while a task runs
	timers *timer.Scheduler
	locks  *colock.Table
	disp   *dispatch.Dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group
	labels []metrics.Label

	// Must hold mq to access mailbox or closed.
	mq      sync.Mutex
	mailbox *queue.Queue[Task]
	closed  bool
	ready   chan struct{} // buffered 1, signals the loop of new work

	μ        sync.Mutex
	seq      uint32
	entities map[roam.Address]dispatch.Entity
}

// New constructs and starts a scene with the given id, which must be nonzero.
// Call Stop to shut it down.
func New(id uint32, opts *Options) *Scene {
	if id == 0 {
		panic("scene: zero scene id")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scene{
		id:       id,
		name:     opts.name(id),
		log:      opts.logger(),
		baton:    make(chan struct{}, 1),
		timers:   timer.New(nil),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    taskgroup.New(nil),
		mailbox:  queue.New[Task](),
		ready:    make(chan struct{}, 1),
		entities: make(map[roam.Address]dispatch.Entity),
	}
	s.labels = []metrics.Label{roam.LabelScene.M(s.name)}
	s.log = s.log.With(roam.LabelScene.L(s.name))
	s.locks = colock.New(s.name, opts.lockTimeout())
	s.disp = dispatch.NewDispatcher(opts.table(), s, s.log)
	s.tasks.Go(s.runLoop)
	s.tasks.Go(s.runTimers)
	return s
}

// ID reports the scene id of s.
func (s *Scene) ID() uint32 { return s.id }

// Name reports the name of s.
func (s *Scene) Name() string { return s.name }

// Address reports the root address of s.
func (s *Scene) Address() roam.Address { return roam.MakeAddress(s.id, 0) }

// Locks returns the entity lock table of s.
func (s *Scene) Locks() *colock.Table { return s.locks }

// Timers returns the timer schedule of s.
func (s *Scene) Timers() *timer.Scheduler { return s.timers }

// Dispatcher returns the frame dispatcher of s.
func (s *Scene) Dispatcher() *dispatch.Dispatcher { return s.disp }

// Logger returns the logger of s.
func (s *Scene) Logger() *slog.Logger { return s.log }

// Post adds task to the mailbox of s. Tasks start in the order they were
// posted. Post does not block.
func (s *Scene) Post(task Task) error {
	s.mq.Lock()
	defer s.mq.Unlock()
	if s.closed {
		return ErrStopped
	}
	s.mailbox.Add(task)
	metrics.SetGaugeWithLabels(roam.MetricSceneQueueDepth, float32(s.mailbox.Len()), s.labels)
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn as a task of s and blocks until it returns or ctx ends,
// reporting the error from fn. While blocked, Do yields the execution context
// carried by ctx, so a task of one scene may wait for work on another.
func (s *Scene) Do(ctx context.Context, fn func(context.Context) error) error {
	done := future.Unpooled[struct{}]()
	if err := s.Post(func(tctx context.Context) {
		defer func() {
			if x := recover(); x != nil {
				done.SetException(fmt.Errorf("scene: task panicked: %v", x))
			}
		}()
		if err := fn(tctx); err != nil {
			done.SetException(err)
		} else {
			done.SetResult(struct{}{})
		}
	}); err != nil {
		return err
	}
	_, err := future.Await(ctx, done)
	return err
}

// After runs task on s once d has elapsed, and returns the id of the timer.
func (s *Scene) After(d time.Duration, task Task) timer.ID {
	return s.timers.Once(d, func() {
		if err := s.Post(task); err != nil {
			s.log.Debug("timer task dropped", roam.LabelError.L(err))
		}
	})
}

// Sleep blocks the calling task for d or until ctx ends, yielding the scene
// while it waits.
func (s *Scene) Sleep(ctx context.Context, d time.Duration) error { return s.timers.Wait(ctx, d) }

// Receive is a [roam.Receiver] that dispatches f on s. Frames that arrive
// after s has stopped are answered with [roam.CodeNotFoundRoute] if their
// sender awaits a reply, and otherwise dropped.
func (s *Scene) Receive(sess *roam.Session, f *packet.Frame) {
	err := s.Post(func(ctx context.Context) { s.disp.Dispatch(ctx, sess, f) })
	if err != nil {
		if f.AwaitsReply() {
			sess.Reply(f, s.disp.Table().ResponseOpcode(f.Opcode), roam.CodeNotFoundRoute, nil)
		}
		f.Release()
	}
}

// NewRuntimeID allocates a fresh entity address in s. Addresses are never
// reused during the lifetime of the scene.
func (s *Scene) NewRuntimeID() roam.Address {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.seq++
	if s.seq == 0 {
		panic("scene: runtime ids exhausted")
	}
	return roam.MakeAddress(s.id, s.seq)
}

// Add registers e at its address. The address must belong to s.
func (s *Scene) Add(e dispatch.Entity) error {
	addr := e.Address()
	if addr.Scene() != s.id || addr.IsScene() {
		return fmt.Errorf("%w: %v", ErrForeign, addr)
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.entities[addr]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicate, addr)
	}
	s.entities[addr] = e
	metrics.SetGaugeWithLabels(roam.MetricEntityCount, float32(len(s.entities)), s.labels)
	return nil
}

// Remove unregisters the entity at addr, and reports whether it was present.
func (s *Scene) Remove(addr roam.Address) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	_, ok := s.entities[addr]
	delete(s.entities, addr)
	metrics.SetGaugeWithLabels(roam.MetricEntityCount, float32(len(s.entities)), s.labels)
	return ok
}

// Entity returns the entity registered at addr. The root address of s
// resolves to s itself.
func (s *Scene) Entity(addr roam.Address) (dispatch.Entity, bool) {
	if addr == s.Address() {
		return s, true
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	e, ok := s.entities[addr]
	return e, ok
}

// Len reports the number of entities registered in s, not counting s.
func (s *Scene) Len() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.entities)
}

// Stop shuts down s. Tasks not yet started are discarded, the contexts of
// running tasks are canceled, and lock waiters fail. Stop blocks until every
// task has returned.
func (s *Scene) Stop() {
	s.mq.Lock()
	s.closed = true
	for s.mailbox.Len() != 0 {
		s.mailbox.Pop()
	}
	s.mq.Unlock()

	s.cancel()
	s.locks.Close()
	s.tasks.Wait()
}

func (s *Scene) runLoop() error {
	for {
		t, ok := s.next()
		if !ok {
			return nil
		}
		select {
		case s.baton <- struct{}{}:
		case <-s.ctx.Done():
			return nil
		}
		y := &yielder{s: s}
		y.held.Store(true)
		s.tasks.Go(func() error {
			defer y.finish()
			s.run(future.WithYielder(s.ctx, y), t)
			return nil
		})
	}
}

// next blocks until a task is available or s stops.
func (s *Scene) next() (Task, bool) {
	for {
		s.mq.Lock()
		t, ok := s.mailbox.Pop()
		n := s.mailbox.Len()
		s.mq.Unlock()
		if ok {
			metrics.SetGaugeWithLabels(roam.MetricSceneQueueDepth, float32(n), s.labels)
			return t, true
		}
		select {
		case <-s.ready:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

func (s *Scene) run(ctx context.Context, t Task) {
	defer func() {
		if x := recover(); x != nil {
			s.log.Error("task panicked (recovered)", slog.Any("panic", x))
		}
	}()
	t(ctx)
}

// runTimers drives the timer schedule of s.
func (s *Scene) runTimers() error {
	for {
		var fire <-chan time.Time
		var t *time.Timer
		if at, ok := s.timers.Next(); ok {
			t = time.NewTimer(time.Until(at))
			fire = t.C
		}
		select {
		case <-s.ctx.Done():
			stopTimer(t)
			return nil
		case <-s.timers.Changed():
			stopTimer(t)
		case <-fire:
			s.timers.Advance(time.Now())
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// A yielder manages the baton on behalf of one task.
type yielder struct {
	s    *Scene
	held atomic.Bool
}

func (y *yielder) Yield() func() {
	if !y.held.CompareAndSwap(true, false) {
		return func() {}
	}
	<-y.s.baton
	return func() {
		y.s.baton <- struct{}{}
		y.held.Store(true)
	}
}

func (y *yielder) finish() {
	if y.held.CompareAndSwap(true, false) {
		<-y.s.baton
	}
}
