package limedht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/limedht/bootstrap"
	"github.com/opd-ai/limedht/config"
	"github.com/opd-ai/limedht/controller"
	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/events"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/store"
)

var (
	// ErrDisabled is returned when starting a mode while the DHT is
	// disabled.
	ErrDisabled = errors.New("DHT is disabled")
	// ErrClosed is returned by a closed manager.
	ErrClosed = errors.New("DHT manager closed")
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock every controller runs on.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithStore persists contacts between controller runs.
func WithStore(s *store.ContactStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics records component activity.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLocalID sets the initial node ID. A random ID is used otherwise.
func WithLocalID(id routing.KUID) Option {
	return func(m *Manager) { m.localID = id }
}

// Manager owns the controller of the current DHT mode. Mode switches,
// event routing and status queries all go through it; the controller it
// reports is always the one it routes to.
type Manager struct {
	engines    dht.EngineFactory
	network    gossip.Network
	store      *store.ContactStore
	clock      clock.Clock
	metrics    *metrics.Metrics
	dispatcher *events.Dispatcher[Event]

	mu      sync.Mutex
	config  config.Config
	ctrl    controller.Controller
	gen     uint64
	localID routing.KUID
	enabled bool
	closed  bool
}

// NewManager creates an inactive manager. engines and network are used by
// every controller the manager builds.
func NewManager(cfg config.Config, engines dht.EngineFactory, network gossip.Network, opts ...Option) *Manager {
	m := &Manager{
		engines: engines,
		network: network,
		clock:   clock.New(),
		config:  cfg,
		ctrl:    controller.Inactive{},
		localID: routing.RandomKUID(),
		enabled: cfg.Enabled,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = events.NewDispatcher[Event]("limedht", 0)
	return m
}

// Start switches to mode. It is a no-op when the manager is already in
// mode. Otherwise the current controller is stopped and the controller for
// mode is built and started. If that fails the manager is left inactive.
// Starting the inactive mode is the same as Stop.
func (m *Manager) Start(ctx context.Context, mode dht.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if mode == dht.Inactive {
		return m.stopLocked()
	}
	if !m.enabled {
		return ErrDisabled
	}
	if m.ctrl.Mode() == mode {
		return nil
	}
	return m.startLocked(ctx, mode)
}

func (m *Manager) startLocked(ctx context.Context, mode dht.Mode) error {
	stopErr := m.stopLocked()
	if stopErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    stopErr.Error(),
		}).Warn("Previous DHT controller did not stop cleanly")
	}

	m.gen++
	gen := m.gen
	deps := controller.Deps{
		Engines: m.engines,
		Network: m.network,
		Store:   m.store,
		Clock:   m.clock,
		Metrics: m.metrics,
		OnBootstrap: func(ev bootstrap.Event) {
			m.handleBootstrapEvent(gen, mode, ev)
		},
	}

	ctrl, err := controller.New(mode, m.config.Controller(m.localID), deps)
	if err != nil {
		return fmt.Errorf("create %s controller: %w", mode, err)
	}
	m.ctrl = ctrl
	if err := ctrl.Start(ctx); err != nil {
		m.ctrl = controller.Inactive{}
		m.gen++
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"mode":     mode.String(),
			"error":    err.Error(),
		}).Error("Failed to start DHT controller")
		return multierr.Append(fmt.Errorf("start %s DHT: %w", mode, err), ctrl.Stop())
	}

	m.metrics.ModeChange(mode.String())
	m.dispatcher.Dispatch(Event{Type: EventStarting, Mode: mode})
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"mode":     mode.String(),
		"local_id": m.localID.ShortString(),
	}).Info("DHT started")
	return nil
}

// Stop stops the current controller and leaves the manager inactive. It is
// safe to call at any time.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	ctrl := m.ctrl
	if ctrl.Mode() == dht.Inactive {
		return nil
	}
	m.ctrl = controller.Inactive{}
	m.gen++

	err := ctrl.Stop()
	m.dispatcher.Dispatch(Event{Type: EventStopped, Mode: ctrl.Mode()})
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"mode":     ctrl.Mode().String(),
	}).Info("DHT stopped")
	return err
}

// handleBootstrapEvent runs on a controller's bootstrap dispatcher. Events
// from a controller that has since been replaced are dropped.
func (m *Manager) handleBootstrapEvent(gen uint64, mode dht.Mode, ev bootstrap.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}

	switch ev.Type {
	case bootstrap.EventReady:
		m.dispatcher.Dispatch(Event{Type: EventConnected, Mode: mode})
	case bootstrap.EventCollision:
		old := m.localID
		m.localID = routing.RandomKUID()
		logrus.WithFields(logrus.Fields{
			"function": "handleBootstrapEvent",
			"mode":     mode.String(),
			"old_id":   old.ShortString(),
			"new_id":   m.localID.ShortString(),
			"contact":  fmt.Sprint(ev.Contact),
		}).Warn("Node ID collision, restarting with a new ID")
		if err := m.startLocked(context.Background(), mode); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleBootstrapEvent",
				"mode":     mode.String(),
				"error":    err.Error(),
			}).Error("Failed to restart DHT after collision")
		}
	}
}

// SetLocalAddr changes the engine address and restarts the current mode so
// that the engine binds to it.
func (m *Manager) SetLocalAddr(ctx context.Context, addr netip.AddrPort) error {
	if !addr.IsValid() {
		return fmt.Errorf("invalid local address %s", addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.config.LocalAddr = addr.String()
	mode := m.ctrl.Mode()
	if mode == dht.Inactive {
		return nil
	}
	return m.startLocked(ctx, mode)
}

// SetEnabled allows or forbids running the DHT. Disabling stops the current
// controller.
func (m *Manager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	if !enabled {
		return m.stopLocked()
	}
	return nil
}

// IsEnabled reports whether the DHT may run.
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Mode returns the mode of the current controller.
func (m *Manager) Mode() dht.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl.Mode()
}

// IsMode reports whether the manager is in mode.
func (m *Manager) IsMode(mode dht.Mode) bool {
	return m.Mode() == mode
}

// LocalID returns the node ID the next controller will use.
func (m *Manager) LocalID() routing.KUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// current returns the current controller. Blocking calls are made on it
// without holding the manager lock.
func (m *Manager) current() controller.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// IsRunning reports whether a controller is running.
func (m *Manager) IsRunning() bool {
	return m.current().IsRunning()
}

// IsReady reports whether the node has joined the DHT.
func (m *Manager) IsReady() bool {
	return m.current().IsReady()
}

// IsWaitingForNodes reports whether the node needs bootstrap candidates.
func (m *Manager) IsWaitingForNodes() bool {
	return m.current().IsWaitingForNodes()
}

// HandleConnectionLifecycleEvent routes a gossip connection event to the
// current controller. Losing internet access stops the DHT.
func (m *Manager) HandleConnectionLifecycleEvent(ev gossip.ConnectionEvent) {
	if ev.Type == gossip.NoInternet {
		if err := m.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleConnectionLifecycleEvent",
				"error":    err.Error(),
			}).Warn("Failed to stop DHT after losing internet access")
		}
		return
	}
	m.current().HandleConnectionLifecycleEvent(ev)
}

// AddActiveDHTNode reports the address of an active DHT node.
func (m *Manager) AddActiveDHTNode(addr netip.AddrPort) {
	m.current().AddActiveNode(addr)
}

// AddPassiveDHTNode reports the address of a passive DHT node.
func (m *Manager) AddPassiveDHTNode(addr netip.AddrPort) {
	m.current().AddPassiveNode(addr)
}

// AddContacts hands contacts forwarded by an ultrapeer to the controller.
func (m *Manager) AddContacts(contacts ...*routing.Contact) {
	ctrl := m.current()
	for _, c := range contacts {
		ctrl.AddContact(c)
	}
}

// ActiveDHTNodes returns up to max most recently seen live contacts.
func (m *Manager) ActiveDHTNodes(max int) []*routing.Contact {
	return m.current().ActiveDHTNodes(max)
}

// Put stores a value in the DHT.
func (m *Manager) Put(ctx context.Context, key routing.KUID, data []byte) error {
	return m.current().Put(ctx, key, data)
}

// Get retrieves the values stored under key.
func (m *Manager) Get(ctx context.Context, key routing.KUID) ([]dht.Value, error) {
	return m.current().Get(ctx, key)
}

// AddEventListener registers l for manager events.
func (m *Manager) AddEventListener(l EventListener) {
	m.dispatcher.AddListener(l)
}

// Close stops the current controller and the event dispatcher. The manager
// cannot be started again.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	err := m.stopLocked()
	m.closed = true
	m.dispatcher.Close()
	return err
}
