// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package node hosts the scenes of one server process and connects them to
// the rest of the process group.
//
// A [Node] owns one handler table shared by its scenes, a listener for
// inbound sessions, and an outbound session for each remote node it talks
// to. Frames for local scenes travel over an in-memory session pair, so
// local and remote targets are reached the same way. The node that hosts a
// scene is found from the static configuration or, if a cluster is
// configured, from gossip.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/roam"
	"github.com/creachadair/roam/addressable"
	"github.com/creachadair/roam/cluster"
	"github.com/creachadair/roam/config"
	"github.com/creachadair/roam/dispatch"
	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/peers"
	"github.com/creachadair/roam/roaming"
	"github.com/creachadair/roam/scene"
	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

var (
	// ErrStopped is reported by operations on a stopped node.
	ErrStopped = errors.New("node: stopped")

	// ErrNoScene is reported when an operation names a scene the node does
	// not host.
	ErrNoScene = errors.New("node: scene not hosted")

	// ErrNoManagers is reported by addressable operations when no manager
	// scenes are configured.
	ErrNoManagers = errors.New("node: no addressable manager scenes")
)

// DialTimeout bounds how long a node waits to connect to a remote node.
const DialTimeout = 10 * time.Second

// A Node hosts a set of scenes. Its methods are safe for concurrent use.
type Node struct {
	opts     options
	log      *slog.Logger
	table    dispatch.Table
	svc      *addressable.Service
	links    *roaming.Service
	scenes   map[uint32]*scene.Scene // fixed after New
	home     uint32                  // default caller scene; 0 if none
	managers []roam.Address
	loop     *peers.Local

	μ       sync.Mutex
	cfg     *config.Config
	remotes map[string]*roam.Session // by service address
	routers map[uint32]*addressable.Router
	dir     *cluster.Directory
	addr    string
	lst     io.Closer
	cancel  context.CancelFunc
	serve   *taskgroup.Single[error]
	stopped bool
}

// New constructs a node for cfg, creating its local scenes. The node does
// not accept sessions until Start is called.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	o := options{log: slog.Default(), pool: new(packet.BufferPool)}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Node.Transport == "quic" && o.tls == nil {
		return nil, errors.New("node: quic transport requires a TLS config")
	}

	n := &Node{
		opts:    o,
		log:     o.log.With(roam.LabelNode.L(cfg.Node.Name)),
		svc:     &addressable.Service{LockTimeout: cfg.Timeouts.Migrate},
		scenes:  make(map[uint32]*scene.Scene),
		cfg:     cfg,
		remotes: make(map[string]*roam.Session),
		routers: make(map[uint32]*addressable.Router),
	}
	n.links = roaming.NewService(n, &roaming.Options{
		Backoff:     cfg.Timeouts.RoamingBackoff,
		Linger:      cfg.Timeouts.RoamingLinger,
		LockTimeout: cfg.Timeouts.Migrate,
		OnTerminus:  o.onTerminus,
	})
	for _, sc := range cfg.LocalScenes() {
		s := scene.New(sc.ID, &scene.Options{
			Name:        sc.Name,
			Table:       &n.table,
			Logger:      n.log,
			LockTimeout: cfg.Timeouts.Lock,
		})
		n.scenes[sc.ID] = s
		n.links.Host(s)
		if n.home == 0 || sc.ID < n.home {
			n.home = sc.ID
		}
		if sc.Kind == config.KindAddressable {
			n.svc.Host(s)
		}
	}
	for _, id := range cfg.ScenesOfKind(config.KindAddressable) {
		n.managers = append(n.managers, roam.MakeAddress(id, 0))
	}
	for _, seg := range []*dispatch.Segment{n.svc.Segment(), n.links.Segment()} {
		if err := n.Register(seg); err != nil {
			n.stopScenes()
			return nil, err
		}
	}
	n.loop = peers.NewLocal(n.setupSession)
	return n, nil
}

// Start starts accepting inbound sessions on the configured listen address,
// and joins the cluster if one is configured.
func (n *Node) Start() error {
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return ErrStopped
	} else if n.cancel != nil {
		n.μ.Unlock()
		return errors.New("node: already started")
	}
	cfg := n.cfg

	acc, lst, addr, err := n.listen(cfg.Node)
	if err != nil {
		n.μ.Unlock()
		return fmt.Errorf("node: listen: %w", err)
	}
	n.addr, n.lst = addr, lst

	var dir *cluster.Directory
	if cfg.Cluster.Bind != "" {
		dir, err = cluster.New(cluster.Options{
			Name:         cfg.Node.Name,
			Bind:         cfg.Cluster.Bind,
			Address:      n.advertiseLocked(),
			Scenes:       n.Scenes(),
			Logger:       n.log,
			MetricLabels: n.opts.metricLabels,
		})
		if err != nil {
			lst.Close()
			n.addr, n.lst = "", nil
			n.μ.Unlock()
			return fmt.Errorf("node: %w", err)
		}
		dir.Watch(n.memberChanged)
		n.dir = dir
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.serve = taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.ConfigureAccepter(acc, n.ioOptions(cfg.Node)), n.newSession)
	})
	n.μ.Unlock()

	n.log.Info("node started", slog.String("listen", addr), slog.String("transport", cfg.Node.Transport),
		slog.Any("scenes", n.Scenes()))
	if dir != nil {
		if _, err := dir.Join(cfg.Cluster.Join...); err != nil {
			// Others may still join us; the directory fills in as they do.
			n.log.Warn("cluster join failed", roam.LabelError.L(err))
		}
	}
	return nil
}

func (n *Node) listen(nc config.Node) (peers.Accepter, io.Closer, string, error) {
	if nc.Transport == "quic" {
		lst, err := quic.ListenAddr(nc.Listen, n.opts.tls, nil)
		if err != nil {
			return nil, nil, "", err
		}
		return peers.QUICAccepter(lst), lst, lst.Addr().String(), nil
	}
	lst, err := net.Listen(roam.SplitAddress(nc.Listen))
	if err != nil {
		return nil, nil, "", err
	}
	return peers.NetAccepter(lst), lst, lst.Addr().String(), nil
}

// Addr reports the address the node is listening on, or "" if it has not
// been started.
func (n *Node) Addr() string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.addr
}

func (n *Node) advertiseLocked() string {
	if a := n.cfg.Node.Advertise; a != "" {
		return a
	}
	return n.addr
}

// Cluster returns the gossip directory of n, or nil if n has not been
// started or no cluster is configured.
func (n *Node) Cluster() *cluster.Directory {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.dir
}

// Config returns the current configuration of the node.
func (n *Node) Config() *config.Config {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.cfg
}

// Roaming returns the roaming service of the node. Client sessions accepted
// by the node are attached to links with its Create method.
func (n *Node) Roaming() *roaming.Service { return n.links }

// Table returns the handler table shared by the scenes of n.
func (n *Node) Table() *dispatch.Table { return &n.table }

// Scene returns the local scene with the given id, if n hosts it.
func (n *Node) Scene(id uint32) (*scene.Scene, bool) {
	sc, ok := n.scenes[id]
	return sc, ok
}

// Scenes returns the ids of the local scenes in increasing order.
func (n *Node) Scenes() []uint32 {
	ids := make([]uint32, 0, len(n.scenes))
	for id := range n.scenes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stop shuts down the node: it stops accepting sessions, closes all sessions
// and routers, stops the local scenes, and leaves the cluster.
func (n *Node) Stop() error {
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return nil
	}
	n.stopped = true
	cancel, serve, lst, dir := n.cancel, n.serve, n.lst, n.dir
	remotes := n.remotes
	n.remotes = nil
	routers := n.routers
	n.routers = nil
	n.μ.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		lst.Close()
		if err := serve.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	for _, s := range remotes {
		s.Stop()
	}
	n.loop.Stop()
	for _, r := range routers {
		r.Close()
	}
	n.stopScenes()
	n.svc.Close()
	n.links.Close()
	if dir != nil {
		errs = append(errs, dir.Leave(time.Second))
	}
	n.log.Info("node stopped")
	return errors.Join(errs...)
}

func (n *Node) stopScenes() {
	for _, sc := range n.scenes {
		sc.Stop()
	}
}

func (n *Node) newSession() *roam.Session {
	s := roam.NewSession()
	n.setupSession(s)
	return s
}

func (n *Node) setupSession(s *roam.Session) {
	cfg := n.Config()
	s.Receive(n.links.Receiver(n.receive)).Logger(n.log).Timeouts(cfg.Timeouts.Call, cfg.Timeouts.Sweep)
	s.OnExit(func(error) { n.links.Detach(s) })
	if n.opts.logFrames {
		s.LogFrames(func(fi roam.FrameInfo) { n.log.Debug(fi.String()) })
	}
}

// receive delivers an inbound frame to the scene it is routed to.
func (n *Node) receive(s *roam.Session, f *packet.Frame) {
	if sc, ok := n.scenes[n.sceneOf(f.Opcode, f.Route)]; ok {
		sc.Receive(s, f)
		return
	}
	metrics.IncrCounterWithLabels(roam.MetricRouteMissCount, 1, []metrics.Label{roam.LabelOpcode.M(f.Opcode.String())})
	if f.AwaitsReply() {
		s.Reply(f, n.table.ResponseOpcode(f.Opcode), roam.CodeNotFoundRoute, nil)
	} else {
		n.log.Debug("dropped frame for unknown scene", roam.LabelOpcode.L(f.Opcode), roam.LabelRoute.L(roam.Address(f.Route)))
	}
	f.Release()
}

// sceneOf reports the id of the scene a frame is routed to. Direct frames
// without a scene route go to the home scene.
func (n *Node) sceneOf(op packet.Opcode, route int64) uint32 {
	id := roam.Address(route).Scene()
	if id == 0 && op.Category().Routing() == packet.RouteDirect {
		return n.home
	}
	return id
}

// Send sends a one-way frame to the scene or entity at route.
func (n *Node) Send(op packet.Opcode, route int64, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()
	s, err := n.sessionFor(ctx, op, route)
	if err != nil {
		return err
	}
	return s.Send(op, route, payload)
}

// Call sends a request to the scene or entity at route and waits for its
// response. A route whose scene is not known fails with an error carrying
// [roam.CodeNotFoundRoute]; so does a route to a node that cannot be reached.
func (n *Node) Call(ctx context.Context, op packet.Opcode, route int64, payload []byte) (*packet.Frame, error) {
	s, err := n.sessionFor(ctx, op, route)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, op, route, payload)
}

// Ping probes the session to the node at addr, connecting if necessary.
func (n *Node) Ping(ctx context.Context, addr string) (time.Duration, error) {
	s, err := n.remote(ctx, addr)
	if err != nil {
		return 0, err
	}
	return s.Ping(ctx)
}

func (n *Node) sessionFor(ctx context.Context, op packet.Opcode, route int64) (*roam.Session, error) {
	id := n.sceneOf(op, route)
	if _, ok := n.scenes[id]; ok {
		return n.loop.A, nil
	}
	addr, ok := n.lookup(id)
	if !ok {
		return nil, &roam.CallError{Code: roam.CodeNotFoundRoute, Err: fmt.Errorf("no node hosts scene %d", id)}
	}
	return n.remote(ctx, addr)
}

// lookup reports the service address of the remote node hosting the given
// scene.
func (n *Node) lookup(id uint32) (string, bool) {
	n.μ.Lock()
	cfg, dir := n.cfg, n.dir
	n.μ.Unlock()
	if dir != nil {
		if m, ok := dir.Lookup(id); ok && m.Name != cfg.Node.Name {
			return m.Address, true
		}
	}
	for _, sc := range cfg.Scenes {
		if sc.ID == id && !cfg.IsLocal(sc) {
			return cfg.PeerAddress(sc.Node)
		}
	}
	return "", false
}

// remote returns a session to the node at addr, dialing if there is none.
func (n *Node) remote(ctx context.Context, addr string) (*roam.Session, error) {
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return nil, &roam.CallError{Code: roam.CodeSessionClosed, Err: ErrStopped}
	} else if s, ok := n.remotes[addr]; ok {
		n.μ.Unlock()
		return s, nil
	}
	cfg := n.cfg
	n.μ.Unlock()

	ch, err := n.dial(ctx, cfg.Node, addr)
	if err != nil {
		metrics.IncrCounterWithLabels(roam.MetricSessionErrorCount, 1, []metrics.Label{roam.LabelPeer.M(addr)})
		return nil, &roam.CallError{Code: roam.CodeNotFoundRoute, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	s := n.newSession()
	s.OnExit(func(err error) {
		n.links.Detach(s)
		n.μ.Lock()
		if n.remotes[addr] == s {
			delete(n.remotes, addr)
		}
		n.μ.Unlock()
		n.log.Info("session closed", roam.LabelPeer.L(addr), roam.LabelError.L(err))
	})

	n.μ.Lock()
	defer n.μ.Unlock()
	if n.stopped {
		ch.Close()
		return nil, &roam.CallError{Code: roam.CodeSessionClosed, Err: ErrStopped}
	} else if cur, ok := n.remotes[addr]; ok {
		ch.Close() // lost a race with another dialer
		return cur, nil
	}
	n.remotes[addr] = s.Start(ch)
	n.log.Info("session opened", roam.LabelPeer.L(addr))
	return s, nil
}

func (n *Node) dial(ctx context.Context, nc config.Node, addr string) (roam.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	if nc.Transport == "quic" {
		ch, err := peers.DialQUIC(ctx, addr, n.opts.tls, nil)
		if err != nil {
			return nil, err
		}
		return peers.Configure(ch, n.ioOptions(nc)), nil
	}
	ch, err := peers.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return peers.Configure(ch, n.ioOptions(nc)), nil
}

func (n *Node) ioOptions(nc config.Node) peers.IOOptions {
	return peers.IOOptions{Limit: nc.MaxFrame, Pool: n.opts.pool}
}

// memberChanged closes the session to a node that left the cluster.
func (n *Node) memberChanged(e cluster.Event) {
	if !e.Left {
		return
	}
	n.μ.Lock()
	s, ok := n.remotes[e.Member.Address]
	delete(n.remotes, e.Member.Address)
	n.μ.Unlock()
	if ok {
		go s.Stop()
	}
}

// Register loads a segment of handlers into the table of n. If the
// configuration disables the module of seg, its handlers are loaded
// disabled.
func (n *Node) Register(seg *dispatch.Segment) error {
	mod := seg.Module()
	n.table.SetEnabled(mod, n.Config().ModuleEnabled(mod))
	if err := n.table.Load(seg); err != nil {
		return err
	}
	n.log.Debug("module registered", roam.LabelModule.L(mod), slog.Int("handlers", seg.Len()))
	return nil
}

// UnregisterModule removes the handlers of the named module. It reports
// whether the module was loaded.
func (n *Node) UnregisterModule(module string) bool {
	ok := n.table.Unload(module)
	if ok {
		n.log.Debug("module unregistered", roam.LabelModule.L(module))
	}
	return ok
}

// EnableModule enables the handlers of the named module.
func (n *Node) EnableModule(module string) { n.setEnabled(module, true) }

// DisableModule disables the handlers of the named module. Frames for its
// opcodes are treated as unknown until it is enabled again.
func (n *Node) DisableModule(module string) { n.setEnabled(module, false) }

func (n *Node) setEnabled(module string, on bool) {
	n.table.SetEnabled(module, on)
	n.log.Info("module state changed", roam.LabelModule.L(module), slog.Bool("enabled", on))
}

// Reconfigure applies a reloaded configuration to n. Module settings and
// the static peer directory take effect at once. Changes to the node or its
// scenes are logged, and take effect only when the node is restarted.
// Reconfigure has the signature of a [config.Watcher] callback.
func (n *Node) Reconfigure(_, cfg *config.Config) {
	n.μ.Lock()
	cur := n.cfg
	n.cfg = cfg
	n.μ.Unlock()

	if cur.Node != cfg.Node || !slices.Equal(cur.Scenes, cfg.Scenes) || cur.Cluster.Bind != cfg.Cluster.Bind {
		n.log.Warn("node or scene settings changed; restart to apply")
	}
	for _, mod := range n.table.Loaded() {
		if on := cfg.ModuleEnabled(mod); on != n.table.Enabled(mod) {
			n.setEnabled(mod, on)
		}
	}
}

// Router returns the addressable router for the local scene with the given
// id, creating it if necessary.
func (n *Node) Router(sceneID uint32) (*addressable.Router, error) {
	sc, ok := n.scenes[sceneID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoScene, sceneID)
	} else if len(n.managers) == 0 {
		return nil, ErrNoManagers
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.stopped {
		return nil, ErrStopped
	} else if r, ok := n.routers[sceneID]; ok {
		return r, nil
	}
	r := addressable.NewRouter(sc, n, n.managers, &addressable.RouterOptions{
		Retries: n.cfg.Timeouts.Retries,
		Backoff: n.cfg.Timeouts.Backoff,
	})
	n.routers[sceneID] = r
	return r, nil
}

// Provide adds e to the local scene with the given id. If id is nonzero, e
// is also registered as the addressable entity id.
func (n *Node) Provide(ctx context.Context, sceneID uint32, id int64, e dispatch.Entity) error {
	sc, ok := n.scenes[sceneID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoScene, sceneID)
	}
	if err := sc.Add(e); err != nil {
		return err
	}
	if id == 0 {
		return nil
	}
	r, err := n.Router(sceneID)
	if err == nil {
		err = r.Register(ctx, id, e.Address())
	}
	if err != nil {
		sc.Remove(e.Address())
		return fmt.Errorf("register %d: %w", id, err)
	}
	return nil
}

// Withdraw removes the entity at addr from its local scene. If id is
// nonzero, the binding of addressable id is also removed.
func (n *Node) Withdraw(ctx context.Context, id int64, addr roam.Address) error {
	sc, ok := n.scenes[addr.Scene()]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoScene, addr.Scene())
	}
	sc.Remove(addr)
	if id == 0 {
		return nil
	}
	r, err := n.Router(sc.ID())
	if err != nil {
		return err
	}
	return r.Unregister(ctx, id)
}

// Resolve reports the address bound to addressable id, as seen from the home
// scene of n.
func (n *Node) Resolve(ctx context.Context, id int64) (roam.Address, error) {
	r, err := n.homeRouter()
	if err != nil {
		return 0, err
	}
	return r.Resolve(ctx, id)
}

// Migrate moves addressable id to newAddr through the router of the home
// scene of n. See [addressable.Router.Migrate].
func (n *Node) Migrate(ctx context.Context, id int64, newAddr roam.Address, move func(context.Context) error) error {
	r, err := n.homeRouter()
	if err != nil {
		return err
	}
	return r.Migrate(ctx, id, newAddr, move)
}

func (n *Node) homeRouter() (*addressable.Router, error) {
	if n.home == 0 {
		return nil, fmt.Errorf("%w: node has no scenes", ErrNoScene)
	}
	return n.Router(n.home)
}
