// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package dispatch maps inbound frames to their handlers.
//
// Handlers are grouped into a [Segment] per module. A [Table] holds the
// segments of all loaded modules and publishes an immutable snapshot of the
// opcode map each time a module is loaded, unloaded, enabled, or disabled, so
// lookups never block on reconfiguration. A [Dispatcher] classifies each frame
// by category and delivers it to the right handler, entity, or pending call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/packet"
	"github.com/hashicorp/go-metrics"
)

// A Handler processes an inbound message or request frame, and returns the
// encoded body of the response. The result is ignored for messages.
//
// The context carries the session the frame arrived on (see
// [roam.ContextSession]) and, for entity-routed frames, the target entity (see
// [ContextEntity]). If the handler reports an error, the caller receives the
// code carried by the error (see [roam.CodeOf]).
type Handler func(ctx context.Context, f *packet.Frame) ([]byte, error)

// An Entry binds an opcode to its handler.
type Entry struct {
	Opcode   packet.Opcode // the request or message opcode
	Name     string        // a human-readable name, for logs
	Response packet.Opcode // the response opcode; 0 for the default response
	Handler  Handler
}

// A Segment is the set of entries contributed by one module.
type Segment struct {
	module  string
	entries []Entry
	ops     mapset.Set[packet.Opcode]
}

// NewSegment constructs a segment for the named module with the given
// entries. It panics if two entries share an opcode, if an entry has no
// handler, or if an opcode is a response or ping opcode.
func NewSegment(module string, entries ...Entry) *Segment {
	s := &Segment{module: module, ops: mapset.New[packet.Opcode]()}
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

// Add adds e to s and returns s. It panics under the same conditions as
// [NewSegment].
func (s *Segment) Add(e Entry) *Segment {
	switch {
	case s.ops.Has(e.Opcode):
		panic(fmt.Sprintf("dispatch: duplicate opcode %v in module %q", e.Opcode, s.module))
	case e.Handler == nil:
		panic(fmt.Sprintf("dispatch: nil handler for %v in module %q", e.Opcode, s.module))
	}
	switch k := e.Opcode.Category().Kind(); {
	case k != packet.KindMessage && k != packet.KindRequest:
		panic(fmt.Sprintf("dispatch: cannot handle %v", e.Opcode))
	case e.Opcode.Category().Routing() == packet.RoutePing:
		panic(fmt.Sprintf("dispatch: cannot handle %v", e.Opcode))
	case e.Opcode.Category().Routing() == packet.RouteRoaming:
		panic(fmt.Sprintf("dispatch: %v is forwarded, not handled", e.Opcode))
	}
	s.ops.Add(e.Opcode)
	s.entries = append(s.entries, e)
	return s
}

// Module reports the module name of s.
func (s *Segment) Module() string { return s.module }

// Len reports the number of entries in s.
func (s *Segment) Len() int { return len(s.entries) }

// ErrConflict is reported when a segment claims an opcode already claimed by
// another loaded module.
var ErrConflict = errors.New("dispatch: opcode conflict")

type binding struct {
	Entry
	module string
}

type snapshot struct {
	byOp    map[packet.Opcode]*binding
	modules []string // enabled modules, sorted
}

// A Table is the set of handlers of all loaded modules. A zero Table is ready
// for use. Its methods are safe for concurrent use.
type Table struct {
	μ        sync.Mutex
	segments map[string]*Segment
	disabled mapset.Set[string]

	snap atomic.Pointer[snapshot]
}

// Load adds the entries of seg to t, replacing any segment previously loaded
// for the same module. It reports [ErrConflict] without changing t if any
// opcode of seg is claimed by a different loaded module, enabled or not.
func (t *Table) Load(seg *Segment) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	for name, other := range t.segments {
		if name == seg.module {
			continue
		}
		for _, e := range seg.entries {
			if other.ops.Has(e.Opcode) {
				return fmt.Errorf("%w: %v (%s) of module %q is claimed by module %q",
					ErrConflict, e.Opcode, e.Name, seg.module, name)
			}
		}
	}
	if t.segments == nil {
		t.segments = make(map[string]*Segment)
	}
	t.segments[seg.module] = seg
	t.rebuildLocked()
	metrics.IncrCounterWithLabels(roam.MetricModuleLoadCount, 1, []metrics.Label{roam.LabelModule.M(seg.module)})
	return nil
}

// Unload removes the segment of the named module, and reports whether it was
// loaded. Frames with opcodes of the module are no longer dispatched.
func (t *Table) Unload(module string) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	if _, ok := t.segments[module]; !ok {
		return false
	}
	delete(t.segments, module)
	t.rebuildLocked()
	return true
}

// SetEnabled enables or disables dispatch to the named module, which need not
// be loaded yet. A disabled module keeps its opcodes reserved.
func (t *Table) SetEnabled(module string, enabled bool) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.disabled == nil {
		t.disabled = mapset.New[string]()
	}
	if enabled {
		t.disabled.Remove(module)
	} else {
		t.disabled.Add(module)
	}
	t.rebuildLocked()
}

func (t *Table) rebuildLocked() {
	next := &snapshot{byOp: make(map[packet.Opcode]*binding)}
	for name, seg := range t.segments {
		if t.disabled.Has(name) {
			continue
		}
		next.modules = append(next.modules, name)
		for _, e := range seg.entries {
			next.byOp[e.Opcode] = &binding{Entry: e, module: name}
		}
	}
	slices.Sort(next.modules)
	t.snap.Store(next)
}

func (t *Table) load() *snapshot {
	if s := t.snap.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// Lookup returns the entry for op, if an enabled module handles it.
func (t *Table) Lookup(op packet.Opcode) (Entry, bool) {
	b, ok := t.load().byOp[op]
	if !ok {
		return Entry{}, false
	}
	return b.Entry, true
}

// ModuleOf reports the enabled module that handles op, if any.
func (t *Table) ModuleOf(op packet.Opcode) (string, bool) {
	b, ok := t.load().byOp[op]
	if !ok {
		return "", false
	}
	return b.module, true
}

// ResponseOpcode returns the response opcode for request opcode op. If op has
// no registered response type, it returns [packet.DefaultResponse].
func (t *Table) ResponseOpcode(op packet.Opcode) packet.Opcode {
	if b, ok := t.load().byOp[op]; ok && b.Response != 0 {
		return b.Response
	}
	return packet.DefaultResponse
}

// CreateResponse returns a response frame for a request with opcode reqOp and
// correlation id rpcID, whose payload holds only code. The caller may append
// an encoded body to the payload.
func (t *Table) CreateResponse(reqOp packet.Opcode, rpcID uint32, code roam.ErrorCode) *packet.Frame {
	return &packet.Frame{
		Opcode:  t.ResponseOpcode(reqOp),
		RPCID:   rpcID,
		Payload: packet.AppendResponse(nil, uint32(code), nil),
	}
}

// Modules returns the names of the enabled modules in t, in sorted order.
func (t *Table) Modules() []string { return slices.Clone(t.load().modules) }

// Loaded returns the names of all loaded modules in t, enabled or not, in
// sorted order.
func (t *Table) Loaded() []string {
	t.μ.Lock()
	defer t.μ.Unlock()
	out := make([]string, 0, len(t.segments))
	for name := range t.segments {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Enabled reports whether the named module is loaded and enabled.
func (t *Table) Enabled(module string) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	_, ok := t.segments[module]
	return ok && !t.disabled.Has(module)
}

// Len reports the number of opcodes currently dispatched.
func (t *Table) Len() int { return len(t.load().byOp) }
