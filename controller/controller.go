// Package controller implements the per-mode DHT controllers. A controller
// owns everything a node needs in one participation mode: the route table,
// the engine, the bootstrap manager, node discovery and the maintenance
// loops. The manager in the root package creates a controller when it
// enters a mode and stops it when it leaves.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/limedht/bootstrap"
	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/fetcher"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/maintenance"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/schedule"
	"github.com/opd-ai/limedht/store"
)

// ErrStopped is returned when starting a controller that was stopped.
// Controllers are single use.
var ErrStopped = errors.New("controller stopped")

// Controller is the mode specific half of the DHT manager.
type Controller interface {
	// Mode returns the mode this controller serves.
	Mode() dht.Mode
	// Start binds the engine and begins bootstrapping.
	Start(ctx context.Context) error
	// Stop releases every resource. It is safe to call more than once.
	Stop() error
	// IsRunning reports whether Start succeeded and Stop was not called.
	IsRunning() bool
	// IsReady reports whether the node has joined the DHT.
	IsReady() bool
	// IsWaitingForNodes reports whether the node needs bootstrap
	// candidates.
	IsWaitingForNodes() bool
	// HandleConnectionLifecycleEvent inspects a gossip connection event.
	HandleConnectionLifecycleEvent(ev gossip.ConnectionEvent)
	// AddActiveNode reports the address of an active DHT node.
	AddActiveNode(addr netip.AddrPort)
	// AddPassiveNode reports the address of a passive DHT node.
	AddPassiveNode(addr netip.AddrPort)
	// AddContact receives a contact forwarded by another node.
	AddContact(c *routing.Contact)
	// ActiveDHTNodes returns up to max most recently seen live contacts,
	// excluding the local node.
	ActiveDHTNodes(max int) []*routing.Contact
	// Put stores a value through the engine.
	Put(ctx context.Context, key routing.KUID, data []byte) error
	// Get retrieves values through the engine.
	Get(ctx context.Context, key routing.KUID) ([]dht.Value, error)
	// RouteTable returns the controller's table, nil when inactive.
	RouteTable() routing.RouteTable
	// LocalNode returns the local contact, nil when inactive.
	LocalNode() *routing.Contact
}

// Config holds the parameters of every controller.
type Config struct {
	LocalID    routing.KUID
	Addr       netip.AddrPort
	Firewalled bool

	RouteTable routing.Config
	Bootstrap  bootstrap.Config
	Fetcher    fetcher.Config
	Pinger     maintenance.PingerConfig
	Pusher     maintenance.PusherConfig
	Adder      maintenance.AdderConfig

	// PersistActive saves an active node's contacts on stop and seeds
	// the next bootstrap with them.
	PersistActive bool
	// PersistPassive does the same for passive nodes.
	PersistPassive bool
	// LeafPingTimeout bounds the ping verifying a leaf DHT node.
	LeafPingTimeout time.Duration
}

// DefaultConfig returns the standard controller parameters with a random
// local ID.
func DefaultConfig() Config {
	return Config{
		LocalID:         routing.RandomKUID(),
		RouteTable:      routing.DefaultConfig(),
		Bootstrap:       bootstrap.DefaultConfig(),
		Fetcher:         fetcher.DefaultConfig(),
		Pinger:          maintenance.DefaultPingerConfig(),
		Pusher:          maintenance.DefaultPusherConfig(),
		Adder:           maintenance.DefaultAdderConfig(),
		PersistActive:   true,
		LeafPingTimeout: routing.DefaultLeafPingTimeout,
	}
}

// Deps are the collaborators shared by every controller of a manager.
type Deps struct {
	// Engines builds the DHT engine. Required for every mode but Inactive.
	Engines dht.EngineFactory
	// Network is the gossip network. Required for every mode but Inactive.
	Network gossip.Network
	// Store persists contacts between runs. Optional.
	Store *store.ContactStore
	// Clock drives every timer. Defaults to the wall clock.
	Clock clock.Clock
	// Metrics is optional.
	Metrics *metrics.Metrics
	// OnBootstrap receives the controller's bootstrap events. It runs on
	// the bootstrap dispatcher goroutine.
	OnBootstrap func(bootstrap.Event)
}

// New builds the controller for mode. The controller is not started.
func New(mode dht.Mode, cfg Config, deps Deps) (Controller, error) {
	if mode == dht.Inactive {
		return Inactive{}, nil
	}
	if deps.Engines == nil {
		return nil, errors.New("controller: nil engine factory")
	}
	if deps.Network == nil {
		return nil, errors.New("controller: nil network")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.RouteTable.K <= 0 {
		cfg.RouteTable = routing.DefaultConfig()
	}

	switch mode {
	case dht.Active:
		return newActive(cfg, deps)
	case dht.Passive:
		return newPassive(cfg, deps)
	case dht.PassiveLeaf:
		return newPassiveLeaf(cfg, deps)
	default:
		return nil, fmt.Errorf("controller: unknown mode %d", mode)
	}
}

func localContact(cfg Config, clk clock.Clock) *routing.Contact {
	c := routing.NewContact(cfg.LocalID, cfg.Addr, clk.Now())
	c.Firewalled = cfg.Firewalled
	return c
}

// base is the state shared by the active, passive and passive leaf
// controllers.
type base struct {
	mode    dht.Mode
	config  Config
	deps    Deps
	table   routing.RouteTable
	engine  dht.Engine
	sched   *schedule.Scheduler
	boot    *bootstrap.Manager
	fetcher *fetcher.NodeFetcher

	// onReady runs on the bootstrap dispatcher goroutine after a join.
	onReady func()

	mu      sync.Mutex
	running bool
	stopped bool
}

// newBase builds the engine and the bootstrap machinery around table. stats
// is the innermost table; its size feeds the contact gauges.
func newBase(mode dht.Mode, cfg Config, deps Deps, table, stats routing.RouteTable) (*base, error) {
	engine, err := deps.Engines(dht.EngineConfig{
		Mode:       mode,
		LocalID:    cfg.LocalID,
		Addr:       cfg.Addr,
		Firewalled: cfg.Firewalled,
		RouteTable: table,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s DHT engine: %w", mode, err)
	}

	sched := schedule.New(mode.String(), deps.Clock)
	boot := bootstrap.NewManager(engine, cfg.Bootstrap,
		bootstrap.WithClock(deps.Clock),
		bootstrap.WithMetrics(deps.Metrics),
	)
	f := fetcher.New(deps.Network, boot, sched, cfg.Fetcher, deps.Metrics)
	boot.SetDiscovery(f)

	b := &base{
		mode:    mode,
		config:  cfg,
		deps:    deps,
		table:   table,
		engine:  engine,
		sched:   sched,
		boot:    boot,
		fetcher: f,
	}
	boot.AddListener(b.handleBootstrapEvent)

	if deps.Metrics != nil {
		stats.AddListener(func(routing.Event) {
			deps.Metrics.SetContacts(stats.Size(), len(stats.CachedContacts()))
		})
	}
	return b, nil
}

func (b *base) handleBootstrapEvent(ev bootstrap.Event) {
	logrus.WithFields(logrus.Fields{
		"function": "handleBootstrapEvent",
		"mode":     b.mode.String(),
		"event":    ev.Type.String(),
		"contact":  fmt.Sprint(ev.Contact),
	}).Info("Bootstrap event")

	if ev.Type == bootstrap.EventReady && b.onReady != nil && b.IsRunning() {
		b.onReady()
	}
	if b.deps.OnBootstrap != nil {
		b.deps.OnBootstrap(ev)
	}
}

// Mode implements Controller.
func (b *base) Mode() dht.Mode {
	return b.mode
}

// start binds the engine and hands seeds to the bootstrap manager.
func (b *base) start(ctx context.Context, seeds []*routing.Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return nil
	}
	if err := b.engine.Start(ctx); err != nil {
		return fmt.Errorf("start %s DHT engine: %w", b.mode, err)
	}
	if err := b.boot.Start(seeds...); err != nil {
		return fmt.Errorf("start %s bootstrap: %w", b.mode, err)
	}
	b.running = true

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"mode":     b.mode.String(),
		"local_id": b.config.LocalID.ShortString(),
		"addr":     b.config.Addr.String(),
		"seeds":    len(seeds),
	}).Info("DHT controller started")
	return nil
}

// stop tears the controller down in dependency order: bootstrap, discovery,
// the mode's own closers, the scheduler and finally the engine.
func (b *base) stop(closers ...func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	b.running = false

	err := multierr.Combine(b.boot.Close(), b.fetcher.Close())
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	b.sched.Close()
	err = multierr.Append(err, b.engine.Close())

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"mode":     b.mode.String(),
	}).Info("DHT controller stopped")
	return err
}

// IsRunning implements Controller.
func (b *base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// IsReady implements Controller.
func (b *base) IsReady() bool {
	return b.engine.IsReady()
}

// IsWaitingForNodes implements Controller.
func (b *base) IsWaitingForNodes() bool {
	return b.IsRunning() && b.boot.IsWaitingForNodes()
}

// AddActiveNode implements Controller. Before the join completes the address
// becomes a bootstrap candidate.
func (b *base) AddActiveNode(addr netip.AddrPort) {
	if !b.engine.IsReady() {
		b.boot.AddActiveNode(addr)
	}
}

// AddPassiveNode implements Controller. Passive nodes are only probed while
// the node still looks for a way in.
func (b *base) AddPassiveNode(addr netip.AddrPort) {
	if !b.engine.IsReady() {
		b.boot.AddPassiveNode(addr)
	}
}

// AddContact implements Controller. Only passive leaves accept forwarded
// contacts.
func (b *base) AddContact(*routing.Contact) {}

// ActiveDHTNodes implements Controller.
func (b *base) ActiveDHTNodes(max int) []*routing.Contact {
	if max <= 0 {
		return nil
	}
	local := b.table.LocalNode().ID
	var out []*routing.Contact
	for _, c := range b.table.ActiveContacts() {
		if c.ID != local && c.IsAlive() {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(x, y *routing.Contact) int {
		return y.Timestamp.Compare(x.Timestamp)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Put implements Controller.
func (b *base) Put(ctx context.Context, key routing.KUID, data []byte) error {
	return b.engine.Put(ctx, key, data)
}

// Get implements Controller.
func (b *base) Get(ctx context.Context, key routing.KUID) ([]dht.Value, error) {
	return b.engine.Get(ctx, key)
}

// RouteTable implements Controller.
func (b *base) RouteTable() routing.RouteTable {
	return b.table
}

// LocalNode implements Controller.
func (b *base) LocalNode() *routing.Contact {
	return b.table.LocalNode()
}

// loadSeeds returns the contacts persisted for the mode, or nil.
func (b *base) loadSeeds(enabled bool) []*routing.Contact {
	if !enabled || b.deps.Store == nil {
		return nil
	}
	seeds, err := b.deps.Store.Load(b.mode)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "loadSeeds",
			"mode":     b.mode.String(),
			"error":    err.Error(),
		}).Warn("Failed to load persisted contacts")
		return nil
	}
	return seeds
}

// saveContacts persists the table's active contacts when enabled.
func (b *base) saveContacts(enabled bool) error {
	if !enabled || b.deps.Store == nil {
		return nil
	}
	return b.deps.Store.Save(b.mode, b.table.ActiveContacts())
}

// connectionAddr returns the connection of ev if it announces a usable DHT
// address.
func connectionAddr(ev gossip.ConnectionEvent) (gossip.Connection, netip.AddrPort, bool) {
	if ev.Connection == nil {
		return nil, netip.AddrPort{}, false
	}
	addr := ev.Connection.Addr()
	if !addr.IsValid() || addr.Port() == 0 {
		return nil, netip.AddrPort{}, false
	}
	return ev.Connection, addr, true
}
