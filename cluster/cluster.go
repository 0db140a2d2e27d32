// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package cluster implements a gossip directory of the scenes hosted by each
// node of a process group.
//
// Each node advertises its service address and the ids of its scenes in its
// gossip metadata. Every member of the cluster thus learns, eventually, which
// node hosts each scene, and can dial that node to deliver frames.
//
// If two nodes claim the same scene, the claim of the node whose name sorts
// first wins, and the conflict is logged.
package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	legacy "github.com/armon/go-metrics"
	"github.com/creachadair/roam"
	"github.com/creachadair/roam/message"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// ErrClosed is reported by operations on a closed directory.
var ErrClosed = errors.New("cluster: directory closed")

// A Member is a node of the cluster, as seen by its gossip metadata.
type Member struct {
	Name    string   `codec:"-"`
	Address string   `codec:"a"` // service address for sessions
	Scenes  []uint32 `codec:"s"`
}

// An Event reports a change to the membership of the cluster.
type Event struct {
	Member Member
	Left   bool // the member left or failed
}

// Options configure a [Directory].
type Options struct {
	// Name is the unique name of the local node. It must be non-empty.
	Name string

	// Bind is the gossip address, as host:port. Port 0 picks a free port.
	Bind string

	// Address is the service address advertised to other nodes.
	Address string

	// Scenes are the ids of the scenes hosted by the local node.
	Scenes []uint32

	// Logger receives diagnostics. If nil, slog.Default is used.
	Logger *slog.Logger

	// MetricLabels are attached to the gossip metrics.
	MetricLabels []metrics.Label
}

// A Directory tracks the members of the cluster and the scenes they host.
type Directory struct {
	ml  *memberlist.Memberlist
	log *slog.Logger

	μ        sync.Mutex
	local    Member
	members  map[string]Member
	owners   map[uint32]string // scene id → member name
	watchers []func(Event)
	closed   bool
}

// New creates a directory and starts gossiping on the bind address. It does
// not contact other nodes until Join is called.
func New(opts Options) (*Directory, error) {
	if opts.Name == "" {
		return nil, errors.New("cluster: empty node name")
	}
	host, port, err := splitHostPort(opts.Bind)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Directory{
		log:     log.With(roam.LabelNode.L(opts.Name)),
		local:   Member{Name: opts.Name, Address: opts.Address, Scenes: sortedIDs(opts.Scenes)},
		members: make(map[string]Member),
		owners:  make(map[uint32]string),
	}
	if _, err := d.encodeLocal(); err != nil {
		return nil, err
	}

	cfg := memberlist.DefaultLocalConfig()
	cfg.Name = opts.Name
	cfg.BindAddr = host
	cfg.BindPort = port
	cfg.AdvertisePort = port
	cfg.Delegate = delegate{d}
	cfg.Events = events{d}
	cfg.Logger = slog.NewLogLogger(d.log.Handler(), slog.LevelDebug)

	// memberlist still reports through the armon metrics API.
	cfg.MetricLabels = make([]legacy.Label, len(opts.MetricLabels))
	for i, lab := range opts.MetricLabels {
		cfg.MetricLabels[i] = legacy.Label{Name: lab.Name, Value: lab.Value}
	}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	d.ml = ml
	d.log.Info("gossip started", slog.String("bind", d.GossipAddr()))
	return d, nil
}

// Name reports the name of the local node.
func (d *Directory) Name() string { return d.local.Name }

// GossipAddr reports the gossip address of the local node, as host:port.
func (d *Directory) GossipAddr() string {
	n := d.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Join contacts the given gossip addresses to join their cluster. It reports
// the number of nodes successfully contacted.
func (d *Directory) Join(addrs ...string) (int, error) {
	if len(addrs) == 0 {
		return 0, nil
	}
	n, err := d.ml.Join(addrs)
	if err != nil {
		return n, fmt.Errorf("cluster: join: %w", err)
	}
	if n != len(addrs) {
		d.log.Warn("not all seeds are reachable", slog.Int("joined", n), slog.Int("seeds", len(addrs)))
	}
	return n, nil
}

// Lookup reports the member hosting the given scene, if known.
func (d *Directory) Lookup(sceneID uint32) (Member, bool) {
	d.μ.Lock()
	defer d.μ.Unlock()
	name, ok := d.owners[sceneID]
	if !ok {
		return Member{}, false
	}
	if name == d.local.Name {
		return d.local, true
	}
	m, ok := d.members[name]
	return m, ok
}

// Members returns the live remote members of the cluster, ordered by name.
func (d *Directory) Members() []Member {
	d.μ.Lock()
	defer d.μ.Unlock()
	out := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Member) int {
		if a.Name < b.Name {
			return -1
		} else if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Watch registers f to be called for each membership change. Calls to f are
// made from gossip goroutines, and must not block.
func (d *Directory) Watch(f func(Event)) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.watchers = append(d.watchers, f)
}

// SetScenes replaces the set of scenes advertised by the local node, and
// gossips the change.
func (d *Directory) SetScenes(ids []uint32, timeout time.Duration) error {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return ErrClosed
	}
	prev := d.local.Scenes
	d.local.Scenes = sortedIDs(ids)
	if _, err := d.encodeLocal(); err != nil {
		d.local.Scenes = prev
		d.μ.Unlock()
		return err
	}
	d.reindexLocked()
	d.μ.Unlock()
	return d.ml.UpdateNode(timeout)
}

// Leave announces the departure of the local node and stops gossiping.
func (d *Directory) Leave(timeout time.Duration) error {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return nil
	}
	d.closed = true
	d.μ.Unlock()

	err := d.ml.Leave(timeout)
	return errors.Join(err, d.ml.Shutdown())
}

func (d *Directory) encodeLocal() ([]byte, error) {
	data, err := message.Msgpack.Marshal(d.local)
	if err != nil {
		return nil, fmt.Errorf("cluster: encode metadata: %w", err)
	} else if len(data) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("cluster: metadata is %d bytes, limit %d", len(data), memberlist.MetaMaxSize)
	}
	return data, nil
}

// update records m as live, or removes it if left is true, and notifies the
// watchers.
func (d *Directory) update(m Member, left bool) {
	d.μ.Lock()
	if left {
		delete(d.members, m.Name)
	} else {
		d.members[m.Name] = m
	}
	d.reindexLocked()
	fns := d.watchers
	n := len(d.members)
	d.μ.Unlock()

	metrics.SetGaugeWithLabels(roam.MetricClusterMembers, float32(n), []metrics.Label{roam.LabelNode.M(d.local.Name)})
	for _, f := range fns {
		f(Event{Member: m, Left: left})
	}
}

// reindexLocked rebuilds the scene owner index. The caller must hold d.μ.
func (d *Directory) reindexLocked() {
	clear(d.owners)
	claim := func(m Member) {
		for _, id := range m.Scenes {
			cur, ok := d.owners[id]
			if !ok || m.Name < cur {
				d.owners[id] = m.Name
			}
			if ok && cur != m.Name {
				metrics.IncrCounter(roam.MetricClusterConflicts, 1)
				d.log.Warn("scene claimed by two nodes", roam.LabelScene.L(id),
					slog.String("winner", min(cur, m.Name)), slog.String("loser", max(cur, m.Name)))
			}
		}
	}
	claim(d.local)
	for _, m := range d.members {
		claim(m)
	}
}

func decodeMember(n *memberlist.Node) (Member, error) {
	var m Member
	if len(n.Meta) != 0 {
		if err := message.Msgpack.Unmarshal(n.Meta, &m); err != nil {
			return Member{}, fmt.Errorf("decode metadata of %q: %w", n.Name, err)
		}
	}
	m.Name = n.Name
	return m, nil
}

// delegate supplies the local metadata to memberlist. The directory does not
// use user messages or push/pull state.
type delegate struct{ d *Directory }

func (g delegate) NodeMeta(limit int) []byte {
	g.d.μ.Lock()
	defer g.d.μ.Unlock()
	data, err := g.d.encodeLocal()
	if err != nil || len(data) > limit {
		g.d.log.Error("local metadata not advertised", slog.Any("error", err), slog.Int("limit", limit))
		return nil
	}
	return data
}

func (delegate) NotifyMsg([]byte)                           {}
func (delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (delegate) LocalState(join bool) []byte                { return nil }
func (delegate) MergeRemoteState(buf []byte, join bool)     {}

// events tracks membership changes reported by memberlist.
type events struct{ d *Directory }

func (e events) NotifyJoin(n *memberlist.Node)   { e.notify(n, "peer joined cluster", false) }
func (e events) NotifyUpdate(n *memberlist.Node) { e.notify(n, "peer updated", false) }
func (e events) NotifyLeave(n *memberlist.Node)  { e.notify(n, "peer left cluster", true) }

func (e events) notify(n *memberlist.Node, msg string, left bool) {
	if n.Name == e.d.local.Name {
		return
	}
	m, err := decodeMember(n)
	if err != nil {
		e.d.log.Warn("ignored peer", roam.LabelPeer.L(n.Name), slog.Any("error", err))
		return
	}
	e.d.log.Info(msg, roam.LabelPeer.L(n.Name), slog.String("address", m.Address), slog.Any("scenes", m.Scenes))
	e.d.update(m, left)
}

func splitHostPort(s string) (string, int, error) {
	host, ps, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("cluster: bind address: %w", err)
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("cluster: invalid port %q", ps)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}

func sortedIDs(ids []uint32) []uint32 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
