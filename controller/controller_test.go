package controller

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/limedht/bootstrap"
	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/internal/mock"
	"github.com/opd-ai/limedht/metrics"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/store"
)

const waitFor = 2 * time.Second

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

// bootLog collects bootstrap events.
type bootLog struct {
	mu     sync.Mutex
	events []bootstrap.Event
}

func (l *bootLog) add(ev bootstrap.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *bootLog) types() []bootstrap.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bootstrap.EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	clock   *clock.Mock
	factory *mock.Factory
	network *mock.Network
	log     *bootLog
	deps    Deps
	config  Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewMock(),
		factory: &mock.Factory{},
		network: mock.NewNetwork(),
		log:     &bootLog{},
	}
	h.config = DefaultConfig()
	h.config.Addr = ap("192.0.2.1:6346")
	h.config.PersistActive = false
	h.deps = Deps{
		Engines:     h.factory.New,
		Network:     h.network,
		Clock:       h.clock,
		OnBootstrap: h.log.add,
	}
	return h
}

func (h *harness) build(t *testing.T, mode dht.Mode) Controller {
	t.Helper()
	c, err := New(mode, h.config, h.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func (h *harness) start(t *testing.T, mode dht.Mode) Controller {
	t.Helper()
	c := h.build(t, mode)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func conn(addr string, mode dht.Mode, leaf bool) *mock.Connection {
	return mock.NewConnection(ap(addr), gossip.Capabilities{Mode: mode}, leaf, false)
}

func initialized(c gossip.Connection) gossip.ConnectionEvent {
	return gossip.ConnectionEvent{Type: gossip.ConnectionInitialized, Connection: c}
}

func TestInactiveController(t *testing.T) {
	c, err := New(dht.Inactive, Config{}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, Inactive{}, c)
	assert.Equal(t, dht.Inactive, c.Mode())

	require.NoError(t, c.Start(context.Background()))
	assert.False(t, c.IsRunning())
	assert.False(t, c.IsWaitingForNodes())
	assert.ErrorIs(t, c.Put(context.Background(), routing.RandomKUID(), nil), dht.ErrUnsupported)
	_, err = c.Get(context.Background(), routing.RandomKUID())
	assert.ErrorIs(t, err, dht.ErrUnsupported)
	assert.Nil(t, c.RouteTable())
	assert.Nil(t, c.ActiveDHTNodes(10))
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}

func TestNewValidatesDependencies(t *testing.T) {
	h := newHarness(t)

	deps := h.deps
	deps.Engines = nil
	_, err := New(dht.Active, h.config, deps)
	assert.Error(t, err)

	deps = h.deps
	deps.Network = nil
	_, err = New(dht.Passive, h.config, deps)
	assert.Error(t, err)

	_, err = New(dht.Mode(42), h.config, h.deps)
	assert.Error(t, err)

	boom := errors.New("no socket")
	h.factory.Err = boom
	_, err = New(dht.Active, h.config, h.deps)
	assert.ErrorIs(t, err, boom)
}

func TestStartFailureIsReported(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("address in use")
	h.factory.Configure = func(e *mock.Engine) { e.SetStartError(boom) }

	c := h.build(t, dht.Active)
	err := c.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, c.IsRunning())
	require.NoError(t, c.Stop())
	assert.True(t, h.factory.Last().IsClosed())
}

func TestStopIsFinal(t *testing.T) {
	h := newHarness(t)
	c := h.start(t, dht.PassiveLeaf)
	assert.True(t, c.IsRunning())

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.True(t, h.factory.Last().IsClosed())
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

func TestEngineReceivesModeTable(t *testing.T) {
	h := newHarness(t)
	h.config.Firewalled = true

	for _, mode := range []dht.Mode{dht.Active, dht.Passive, dht.PassiveLeaf} {
		c := h.build(t, mode)
		cfg := h.factory.Last().Config()
		assert.Equal(t, mode, cfg.Mode)
		assert.Equal(t, h.config.LocalID, cfg.LocalID)
		assert.True(t, cfg.Firewalled)
		assert.Same(t, c.RouteTable(), cfg.RouteTable)
		assert.Equal(t, h.config.LocalID, c.LocalNode().ID)
	}

	leaf := h.build(t, dht.PassiveLeaf)
	assert.IsType(t, &routing.LeafRouteTable{}, leaf.RouteTable())
	passive := h.build(t, dht.Passive)
	assert.IsType(t, &routing.PassiveRouteTable{}, passive.RouteTable())
}

func TestActiveBootstrapsFromConnectionEvents(t *testing.T) {
	h := newHarness(t)
	c := h.start(t, dht.Active)
	assert.True(t, c.IsWaitingForNodes())

	// A passive DHT ultrapeer is only probed.
	c.HandleConnectionLifecycleEvent(initialized(conn("10.0.0.1:6346", dht.Passive, false)))
	require.Eventually(t, func() bool { return len(h.network.Probes()) == 1 }, waitFor, time.Millisecond)
	probe := h.network.Probes()[0]
	assert.Equal(t, []netip.AddrPort{ap("10.0.0.1:6346")}, probe.Addrs)
	assert.Empty(t, h.factory.Last().Pings())

	// Its reply names an active node, which we then join through.
	require.True(t, h.network.Reply(probe.GUID, ap("10.0.0.1:6346"), ap("10.0.1.1:6346")))
	require.Eventually(t, c.IsReady, waitFor, time.Millisecond)
	assert.Equal(t, []netip.AddrPort{ap("10.0.1.1:6346")}, h.factory.Last().Pings())
	require.Eventually(t, func() bool {
		return slices.Contains(h.log.types(), bootstrap.EventReady)
	}, waitFor, time.Millisecond)
}

func TestActiveQueuesNodesForAdderOnceReady(t *testing.T) {
	h := newHarness(t)
	c := h.start(t, dht.Active)
	active := c.(*Active)

	c.HandleConnectionLifecycleEvent(initialized(conn("10.0.0.1:6346", dht.Active, false)))
	require.Eventually(t, c.IsReady, waitFor, time.Millisecond)
	require.Eventually(t, active.adder.IsRunning, waitFor, time.Millisecond)
	assert.Equal(t, 0, active.adder.Len())

	c.HandleConnectionLifecycleEvent(gossip.ConnectionEvent{
		Type:       gossip.ConnectionCapabilities,
		Connection: conn("10.0.1.1:6346", dht.Active, false),
	})
	assert.Equal(t, 1, active.adder.Len())

	// Closed events and passive peers do not feed the adder.
	c.HandleConnectionLifecycleEvent(gossip.ConnectionEvent{
		Type:       gossip.ConnectionClosed,
		Connection: conn("10.0.2.1:6346", dht.Active, false),
	})
	c.HandleConnectionLifecycleEvent(initialized(conn("10.0.3.1:6346", dht.Passive, false)))
	assert.Equal(t, 1, active.adder.Len())

	h.clock.Add(h.config.Adder.Delay)
	require.Eventually(t, func() bool {
		return slices.Contains(h.factory.Last().Pings(), ap("10.0.1.1:6346"))
	}, waitFor, time.Millisecond)
}

func TestActivePersistsContacts(t *testing.T) {
	h := newHarness(t)
	s, err := store.Open(store.DefaultConfig())
	require.NoError(t, err)
	defer s.Close()
	h.deps.Store = s
	h.config.PersistActive = true

	seed := mock.ContactFor(ap("10.0.0.1:6346"))
	require.NoError(t, s.Save(dht.Active, []*routing.Contact{seed}))

	c := h.start(t, dht.Active)
	require.Eventually(t, c.IsReady, waitFor, time.Millisecond)
	assert.Equal(t, []netip.AddrPort{seed.Addr}, h.factory.Last().Pings())

	nodes := c.ActiveDHTNodes(10)
	require.Len(t, nodes, 1)
	assert.Equal(t, seed.Addr, nodes[0].Addr)

	require.NoError(t, c.Stop())
	saved, err := s.Load(dht.Active)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, nodes[0].ID, saved[0].ID)
}

func TestActiveDHTNodesMostRecentFirst(t *testing.T) {
	h := newHarness(t)
	c := h.build(t, dht.Active)
	table := c.RouteTable()

	now := time.Now()
	old := routing.NewContact(routing.RandomKUID(), ap("10.0.0.1:6346"), now.Add(-time.Hour))
	recent := routing.NewContact(routing.RandomKUID(), ap("10.0.1.1:6346"), now)
	mid := routing.NewContact(routing.RandomKUID(), ap("10.0.2.1:6346"), now.Add(-time.Minute))
	for _, contact := range []*routing.Contact{old, recent, mid} {
		require.True(t, table.Add(contact))
	}

	nodes := c.ActiveDHTNodes(2)
	require.Len(t, nodes, 2)
	assert.Equal(t, recent.ID, nodes[0].ID)
	assert.Equal(t, mid.ID, nodes[1].ID)
	assert.Nil(t, c.ActiveDHTNodes(0))
}

func TestPutGetDelegateToEngine(t *testing.T) {
	h := newHarness(t)
	h.factory.Configure = func(e *mock.Engine) { e.SetReady(true) }
	c := h.start(t, dht.Active)

	key := routing.KeyFor([]byte("urn:sha1:PLSTHIPQGSSZTS5FJUPAKUZWUGYQYPFB"))
	require.NoError(t, c.Put(context.Background(), key, []byte("alt-loc")))
	values, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("alt-loc"), values[0].Data)

	leaf := h.start(t, dht.PassiveLeaf)
	assert.ErrorIs(t, leaf.Put(context.Background(), key, nil), dht.ErrUnsupported)
	_, err = leaf.Get(context.Background(), key)
	assert.ErrorIs(t, err, dht.ErrUnsupported)
}

func TestPassiveTracksLeafDHTNodes(t *testing.T) {
	h := newHarness(t)
	c := h.start(t, dht.Passive)
	passive := c.(*Passive)

	leaf := conn("10.0.0.1:6346", dht.Active, true)
	c.HandleConnectionLifecycleEvent(initialized(leaf))
	require.Eventually(t, func() bool {
		return slices.Equal(passive.LeafDHTNodes(), []netip.AddrPort{leaf.Addr()})
	}, waitFor, time.Millisecond)

	selected := c.RouteTable().Select(routing.RandomKUID(), 1, routing.SelectAll)
	require.Len(t, selected, 1)
	assert.Equal(t, leaf.Addr(), selected[0].Addr)
	assert.True(t, selected[0].HasPriority())

	c.HandleConnectionLifecycleEvent(gossip.ConnectionEvent{Type: gossip.ConnectionClosed, Connection: leaf})
	assert.Empty(t, passive.LeafDHTNodes())
	_, ok := c.RouteTable().Get(selected[0].ID)
	assert.False(t, ok)

	// Leaves without an active DHT node are not tracked.
	c.HandleConnectionLifecycleEvent(initialized(conn("10.0.1.1:6346", dht.PassiveLeaf, true)))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, passive.LeafDHTNodes())
}

func TestPassivePingsUltrapeersOnceReady(t *testing.T) {
	h := newHarness(t)
	h.factory.Configure = func(e *mock.Engine) { e.SetReady(true) }
	c := h.start(t, dht.Passive)
	passive := c.(*Passive)

	c.HandleConnectionLifecycleEvent(initialized(conn("10.0.0.1:6346", dht.Active, false)))
	assert.Equal(t, 1, passive.pinger.Len())
	assert.Empty(t, h.factory.Last().Pings())

	h.clock.Add(h.config.Pinger.Period)
	require.Eventually(t, func() bool {
		return slices.Equal(h.factory.Last().Pings(), []netip.AddrPort{ap("10.0.0.1:6346")})
	}, waitFor, time.Millisecond)
}

func TestPassiveForwardsContactsToPassiveLeaves(t *testing.T) {
	h := newHarness(t)
	leaf := mock.NewConnection(ap("10.0.9.1:6346"), gossip.Capabilities{Mode: dht.PassiveLeaf}, true, true)
	h.network.SetConnections(leaf)
	c := h.start(t, dht.Passive)

	contact := mock.ContactFor(ap("10.0.0.1:6346"))
	require.True(t, c.RouteTable().Add(contact))

	require.Eventually(t, func() bool {
		h.clock.Add(h.config.Pusher.Period)
		return len(leaf.Sent()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []*routing.Contact{contact}, leaf.Sent()[0])
}

func TestPassiveLeafBootstrapsFromForwardedContacts(t *testing.T) {
	h := newHarness(t)
	c := h.build(t, dht.PassiveLeaf)

	contact := mock.ContactFor(ap("10.0.0.1:6346"))
	c.AddContact(contact)
	assert.Equal(t, 0, c.RouteTable().Size(), "ignored before start")

	require.NoError(t, c.Start(context.Background()))
	c.HandleConnectionLifecycleEvent(initialized(conn("10.0.1.1:6346", dht.Active, false)))
	c.AddContact(contact)
	_, ok := c.RouteTable().Get(contact.ID)
	assert.True(t, ok)

	require.Eventually(t, c.IsReady, waitFor, time.Millisecond)
	assert.Equal(t, []netip.AddrPort{contact.Addr}, h.factory.Last().Pings())
}

func TestContactGauges(t *testing.T) {
	h := newHarness(t)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	h.deps.Metrics = m

	c := h.build(t, dht.Passive)
	require.True(t, c.RouteTable().Add(mock.ContactFor(ap("10.0.0.1:6346"))))
	require.True(t, c.RouteTable().Add(mock.ContactFor(ap("10.0.1.1:6346"))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Contacts.WithLabelValues("active")))
}
