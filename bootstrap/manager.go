// Package bootstrap drives the DHT join sequence: ping a candidate, join
// through the first peer that answers, and fall back to further candidates,
// a well known host list and finally passive discovery when attempts fail.
//
// The Manager never blocks its callers on network I/O. Each ping and join
// runs on its own goroutine under a deadline; its completion re-acquires the
// Manager lock and is discarded if a newer attempt has replaced it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/events"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/routing"
)

// Discovery finds bootstrap candidates when the Manager runs out of them.
// It reports addresses back through Manager.AddActiveNode.
type Discovery interface {
	// Start begins periodic discovery. Calling it while running is a no-op.
	Start()
	// Stop halts discovery. Calling it while stopped is a no-op.
	Stop()
	// Ping checks a single address for a live DHT node.
	Ping(addr netip.AddrPort) bool
}

// EventType classifies bootstrap events.
type EventType uint8

const (
	// EventReady is fired once the join succeeded.
	EventReady EventType = iota
	// EventCollision is fired when a peer already uses the local node ID.
	EventCollision
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventCollision:
		return "collision"
	default:
		return "unknown"
	}
}

// Event is delivered to bootstrap listeners.
type Event struct {
	Type EventType
	// Contact is the peer we joined through, or the peer that claimed our
	// ID.
	Contact *routing.Contact
	// Err is set for collisions.
	Err error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for attempt deadlines.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithMetrics records attempt outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithDiscovery sets the discovery fallback.
func WithDiscovery(d Discovery) Option {
	return func(m *Manager) { m.discovery = d }
}

// WithRand overrides the source of the fallback host choice.
func WithRand(intn func(int) int) Option {
	return func(m *Manager) { m.intn = intn }
}

type attempt struct {
	gen    uint64
	addr   netip.AddrPort
	cancel context.CancelFunc
}

// Manager is the bootstrap orchestrator. All mutable state is guarded by mu.
type Manager struct {
	engine     dht.Engine
	config     Config
	clock      clock.Clock
	metrics    *metrics.Metrics
	intn       func(int) int
	dispatcher *events.Dispatcher[Event]
	fallback   []netip.AddrPort

	mu            sync.Mutex
	discovery     Discovery
	candidates    *candidateSet
	gen           uint64
	ping          *attempt
	join          *attempt
	running       bool
	discovering   bool
	triedFallback bool
	collided      bool
	closed        bool
	wg            sync.WaitGroup
}

// NewManager creates a bootstrap manager for engine.
func NewManager(engine dht.Engine, config Config, opts ...Option) *Manager {
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = DefaultConfig().PingTimeout
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultConfig().JoinTimeout
	}
	m := &Manager{
		engine:     engine,
		config:     config,
		clock:      clock.New(),
		intn:       rand.IntN,
		candidates: newCandidateSet(config.MaxCandidates),
		fallback:   ParseFallbackHosts(config.FallbackHosts),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = events.NewDispatcher[Event]("bootstrap", 0)
	return m
}

// SetDiscovery installs the discovery fallback. It is meant for wiring a
// discovery service that itself needs the Manager.
func (m *Manager) SetDiscovery(d Discovery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovery = d
}

// AddListener registers fn for Ready and Collision events. Listeners run on
// the dispatcher goroutine, never under the Manager lock.
func (m *Manager) AddListener(fn func(Event)) {
	m.dispatcher.AddListener(fn)
}

// Start begins bootstrapping. It is a no-op when the engine is already
// ready. Any attempt in flight is cancelled. Seeds are pinged directly;
// without seeds the candidate set, the fallback hosts and finally discovery
// are tried in that order.
func (m *Manager) Start(seeds ...*routing.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.engine.IsReady() {
		return nil
	}

	m.cancelAttemptsLocked()
	m.running = true
	m.collided = false
	m.triedFallback = false

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"seeds":      len(seeds),
		"candidates": m.candidates.len(),
	}).Info("Starting DHT bootstrap")

	if len(seeds) > 0 {
		m.pingContactsLocked(seeds)
		return nil
	}
	m.retryLocked()
	return nil
}

// AddActiveNode records addr as a bootstrap candidate. Unless a join is
// running or the node is ready, it cancels the current ping and pings the
// newest candidate right away.
func (m *Manager) AddActiveNode(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !addr.IsValid() || m.engine.IsReady() {
		return
	}
	m.candidates.add(addr)

	logrus.WithFields(logrus.Fields{
		"function": "AddActiveNode",
		"addr":     addr.String(),
	}).Debug("Added bootstrap candidate")

	if !m.running || m.collided || m.join != nil {
		return
	}
	m.cancelPingLocked()
	if next, ok := m.candidates.pop(); ok {
		m.pingLocked(next)
	}
}

// AddPassiveNode asks discovery to probe addr. It does nothing once a join
// is running or the node is ready.
func (m *Manager) AddPassiveNode(addr netip.AddrPort) {
	m.mu.Lock()
	d := m.discovery
	skip := m.closed || !m.running || d == nil || !addr.IsValid() ||
		m.join != nil || m.engine.IsReady()
	m.mu.Unlock()

	// Probe replies may come back through AddActiveNode, so the probe is
	// sent without holding mu.
	if !skip {
		d.Ping(addr)
	}
}

// Stop cancels every attempt in flight and halts discovery. Candidates are
// kept for the next Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.cancelAttemptsLocked()
	m.stopDiscoveryLocked()
	m.running = false
	m.triedFallback = false
}

// Close stops the Manager permanently and waits for attempt goroutines to
// finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked()
	m.closed = true
	m.candidates.clear()
	m.mu.Unlock()

	m.wg.Wait()
	m.dispatcher.Close()
	return nil
}

// IsWaitingForNodes reports whether the node is not ready and no join is
// running.
func (m *Manager) IsWaitingForNodes() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.engine.IsReady() && m.join == nil
}

// IsBootstrapping reports whether a join is in flight.
func (m *Manager) IsBootstrapping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.join != nil
}

// IsPinging reports whether a ping is in flight.
func (m *Manager) IsPinging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ping != nil
}

// IsDiscovering reports whether discovery has been started.
func (m *Manager) IsDiscovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovering
}

// Candidates returns the number of queued candidates.
func (m *Manager) Candidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidates.len()
}

func (m *Manager) cancelPingLocked() {
	if m.ping != nil {
		m.ping.cancel()
		m.ping = nil
	}
}

func (m *Manager) cancelAttemptsLocked() {
	m.cancelPingLocked()
	if m.join != nil {
		m.join.cancel()
		m.join = nil
	}
}

func (m *Manager) startDiscoveryLocked() {
	if m.discovery == nil || m.discovering {
		return
	}
	m.discovering = true
	m.discovery.Start()
}

func (m *Manager) stopDiscoveryLocked() {
	if m.discovery == nil || !m.discovering {
		return
	}
	m.discovering = false
	m.discovery.Stop()
}

func (m *Manager) newAttemptLocked(addr netip.AddrPort, cancel context.CancelFunc) *attempt {
	m.gen++
	return &attempt{gen: m.gen, addr: addr, cancel: cancel}
}

// retryLocked moves on to the next source of candidates.
func (m *Manager) retryLocked() {
	if !m.running || m.closed || m.collided {
		return
	}
	if addr, ok := m.candidates.pop(); ok {
		m.pingLocked(addr)
		return
	}
	if !m.triedFallback {
		m.triedFallback = true
		if addr, ok := pickFallback(m.fallback, m.intn); ok {
			logrus.WithFields(logrus.Fields{
				"function": "retryLocked",
				"addr":     addr.String(),
			}).Info("Trying fallback bootstrap host")
			m.pingLocked(addr)
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "retryLocked",
	}).Debug("No bootstrap candidates left, waiting for discovery")
	m.startDiscoveryLocked()
}

func (m *Manager) pingLocked(addr netip.AddrPort) {
	ctx, cancel := m.clock.WithTimeout(context.Background(), m.config.PingTimeout)
	a := m.newAttemptLocked(addr, cancel)
	m.ping = a

	logrus.WithFields(logrus.Fields{
		"function": "pingLocked",
		"addr":     addr.String(),
	}).Debug("Pinging bootstrap candidate")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		c, err := safePing(func() (*routing.Contact, error) {
			return m.engine.Ping(ctx, addr)
		})
		m.onPong(a, c, err)
	}()
}

func (m *Manager) pingContactsLocked(seeds []*routing.Contact) {
	ctx, cancel := m.clock.WithTimeout(context.Background(), m.config.PingTimeout)
	a := m.newAttemptLocked(seeds[0].Addr, cancel)
	m.ping = a
	seeds = append([]*routing.Contact(nil), seeds...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		c, err := safePing(func() (*routing.Contact, error) {
			return m.engine.PingContacts(ctx, seeds)
		})
		m.onPong(a, c, err)
	}()
}

// safePing runs fn, converting a panic into an ordinary failure.
func safePing(fn func() (*routing.Contact, error)) (c *routing.Contact, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("ping panicked: %v", r)
		}
	}()
	c, err = fn()
	if err == nil && c == nil {
		err = errors.New("ping returned no contact")
	}
	return c, err
}

func (m *Manager) onPong(a *attempt, c *routing.Contact, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ping != a || m.closed {
		m.metrics.Ping(metrics.ResultCancelled)
		return
	}
	m.ping = nil

	if err == nil {
		m.metrics.Ping(metrics.ResultSuccess)
		logrus.WithFields(logrus.Fields{
			"function": "onPong",
			"contact":  c.String(),
		}).Debug("Bootstrap candidate answered")
		m.stopDiscoveryLocked()
		m.joinLocked(c)
		return
	}

	if dht.IsCollision(err) {
		m.collisionLocked(PhasePing, a.addr, err)
		return
	}

	m.metrics.Ping(metrics.ResultFailure)
	logrus.WithFields(logrus.Fields{
		"function": "onPong",
		"addr":     a.addr.String(),
		"error":    err.Error(),
	}).Debug("Bootstrap ping failed")
	m.retryLocked()
}

func (m *Manager) joinLocked(c *routing.Contact) {
	m.cancelAttemptsLocked()
	ctx, cancel := m.clock.WithTimeout(context.Background(), m.config.JoinTimeout)
	a := m.newAttemptLocked(c.Addr, cancel)
	m.join = a

	logrus.WithFields(logrus.Fields{
		"function": "joinLocked",
		"contact":  c.String(),
	}).Info("Joining DHT")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := m.safeJoin(ctx, c)
		m.onJoin(a, c, err)
	}()
}

func (m *Manager) safeJoin(ctx context.Context, c *routing.Contact) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("join panicked: %v", r)
		}
	}()
	return m.engine.Bootstrap(ctx, c)
}

func (m *Manager) onJoin(a *attempt, c *routing.Contact, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.join != a || m.closed {
		m.metrics.Join(metrics.ResultCancelled)
		return
	}
	m.join = nil

	switch {
	case err == nil:
		m.metrics.Join(metrics.ResultSuccess)
		m.cancelAttemptsLocked()
		m.stopDiscoveryLocked()
		logrus.WithFields(logrus.Fields{
			"function": "onJoin",
			"contact":  c.String(),
		}).Info("DHT bootstrap complete")
		m.dispatcher.Dispatch(Event{Type: EventReady, Contact: c})
	case dht.IsCollision(err):
		m.collisionLocked(PhaseJoin, a.addr, err)
	default:
		m.metrics.Join(metrics.ResultFailure)
		logrus.WithFields(logrus.Fields{
			"function": "onJoin",
			"contact":  c.String(),
			"error":    err.Error(),
		}).Warn("DHT join failed")
		m.retryLocked()
	}
}

// collisionLocked stops all attempts. The same identity is never retried;
// the owner has to restart with a new node ID.
func (m *Manager) collisionLocked(phase Phase, addr netip.AddrPort, err error) {
	if phase == PhasePing {
		m.metrics.Ping(metrics.ResultCollision)
	} else {
		m.metrics.Join(metrics.ResultCollision)
	}
	m.collided = true
	m.cancelAttemptsLocked()
	m.stopDiscoveryLocked()
	m.candidates.remove(addr)

	berr := &BootstrapError{Phase: phase, Addr: addr, Cause: err}
	var contact *routing.Contact
	var ce *dht.CollisionError
	if errors.As(err, &ce) {
		contact = ce.Contact
	}
	logrus.WithFields(logrus.Fields{
		"function": "collisionLocked",
		"addr":     addr.String(),
		"error":    berr.Error(),
	}).Warn("Node ID collision detected")
	m.dispatcher.Dispatch(Event{Type: EventCollision, Contact: contact, Err: berr})
}
