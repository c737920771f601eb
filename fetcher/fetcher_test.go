package fetcher

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/internal/mock"
	"github.com/opd-ai/limedht/schedule"
)

type fakeSink struct {
	mu      sync.Mutex
	waiting bool
	added   []netip.AddrPort
}

func newSink() *fakeSink {
	return &fakeSink{waiting: true}
}

func (s *fakeSink) AddActiveNode(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, addr)
}

func (s *fakeSink) IsWaitingForNodes() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

func (s *fakeSink) setWaiting(w bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = w
}

func (s *fakeSink) reported() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.AddrPort(nil), s.added...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Period = time.Second
	cfg.Jitter = 0
	return cfg
}

type harness struct {
	clock   *clock.Mock
	sched   *schedule.Scheduler
	network *mock.Network
	sink    *fakeSink
	fetcher *NodeFetcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewMock(),
		network: mock.NewNetwork(),
		sink:    newSink(),
	}
	h.sched = schedule.New("fetcher-test", h.clock)
	h.fetcher = New(h.network, h.sink, h.sched, cfg, nil)
	t.Cleanup(func() {
		h.fetcher.Close()
		h.sched.Close()
	})
	return h
}

// advanceUntil moves the mock clock forward until cond holds.
func (h *harness) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(step)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestTickReportsActivePeers(t *testing.T) {
	h := newHarness(t, testConfig())
	active := mock.NewConnection(ap("10.0.0.1:6346"), gossip.Capabilities{Mode: dht.Active}, false, false)
	passive := mock.NewConnection(ap("10.0.1.1:6346"), gossip.Capabilities{Mode: dht.Passive}, false, false)
	h.network.SetConnections(active, passive)
	h.network.SetHosts(gossip.Host{Addr: ap("10.0.2.1:6346"), DHTCapable: true})

	h.fetcher.Start()
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return len(h.sink.reported()) > 0 })

	assert.Equal(t, ap("10.0.0.1:6346"), h.sink.reported()[0])
	assert.Empty(t, h.network.Probes(), "no traffic needed when active peers are connected")
}

func TestTickProbesCapableHostsByResponsiveness(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProbes = 2
	h := newHarness(t, cfg)
	h.network.SetHosts(
		gossip.Host{Addr: ap("10.0.0.1:6346"), DHTCapable: true, Responsiveness: 0.1},
		gossip.Host{Addr: ap("10.0.1.1:6346"), Responsiveness: 0.9},
		gossip.Host{Addr: ap("10.0.2.1:6346"), DHTCapable: true, Responsiveness: 0.8},
		gossip.Host{Addr: ap("10.0.3.1:6346"), DHTCapable: true, Responsiveness: 0.5},
	)

	h.fetcher.Start()
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return len(h.network.Probes()) > 0 })

	probe := h.network.Probes()[0]
	assert.Equal(t, []netip.AddrPort{ap("10.0.2.1:6346"), ap("10.0.3.1:6346")}, probe.Addrs)
}

func TestTickBroadcastsWithoutCapableHosts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.network.SetHosts(
		gossip.Host{Addr: ap("10.0.0.1:6346")},
		gossip.Host{Addr: ap("10.0.1.1:6346")},
		gossip.Host{Addr: ap("10.0.2.1:6346")},
	)

	h.fetcher.Start()
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return len(h.network.Probes()) > 0 })
	assert.Len(t, h.network.Probes()[0].Addrs, 3)
}

func TestProbeFanOutIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeBurst = 2
	cfg.ProbeRate = 0.001
	h := newHarness(t, cfg)
	h.network.SetHosts(
		gossip.Host{Addr: ap("10.0.0.1:6346")},
		gossip.Host{Addr: ap("10.0.1.1:6346")},
		gossip.Host{Addr: ap("10.0.2.1:6346")},
	)

	h.fetcher.Start()
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return len(h.network.Probes()) > 0 })
	assert.Len(t, h.network.Probes()[0].Addrs, 2)
}

func TestTickIdleWhenNotWaitingOrDisconnected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.network.SetHosts(gossip.Host{Addr: ap("10.0.0.1:6346")})
	h.sink.setWaiting(false)

	h.fetcher.Start()
	for i := 0; i < 5; i++ {
		h.clock.Add(time.Second)
	}
	h.network.SetConnected(false)
	h.sink.setWaiting(true)
	for i := 0; i < 5; i++ {
		h.clock.Add(time.Second)
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.network.Probes())
}

func TestRepliesAreMatchedAndFiltered(t *testing.T) {
	h := newHarness(t, testConfig())
	h.network.SetHosts(gossip.Host{Addr: ap("10.0.0.1:6346"), DHTCapable: true})

	h.fetcher.Start()
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return len(h.network.Probes()) > 0 })
	guid := h.network.Probes()[0].GUID

	require.True(t, h.network.Reply(guid, ap("10.0.0.1:6346"),
		ap("192.168.1.10:6346"),
		ap("192.168.1.11:6346"), // same class C, filtered
		ap("192.168.2.10:6346"),
		netip.AddrPortFrom(netip.MustParseAddr("192.168.3.10"), 0),
	))
	assert.Equal(t, []netip.AddrPort{ap("192.168.1.10:6346"), ap("192.168.2.10:6346")}, h.sink.reported())

	// A reply to a probe we never sent is ignored.
	h.fetcher.handleReply(gossip.ProbeReply{GUID: uuid.New(), DHTHosts: []netip.AddrPort{ap("172.16.0.1:6346")}})
	assert.Len(t, h.sink.reported(), 2)
}

func TestPingAllowsOneOutstandingProbe(t *testing.T) {
	h := newHarness(t, testConfig())
	target := ap("10.0.5.1:6346")

	require.True(t, h.fetcher.Ping(target))
	assert.True(t, h.fetcher.IsPinging())
	assert.False(t, h.fetcher.Ping(ap("10.0.6.1:6346")))
	require.Len(t, h.network.Probes(), 1)
	assert.Equal(t, []netip.AddrPort{target}, h.network.Probes()[0].Addrs)

	h.network.Reply(h.network.Probes()[0].GUID, target, ap("10.0.7.1:6346"))
	assert.False(t, h.fetcher.IsPinging())
	assert.Equal(t, []netip.AddrPort{ap("10.0.7.1:6346")}, h.sink.reported())

	// Without a reply the guard is released by the timeout.
	require.True(t, h.fetcher.Ping(target))
	h.advanceUntil(t, time.Second, func() bool { return !h.fetcher.IsPinging() })
	assert.True(t, h.fetcher.Ping(target))
}

func TestStartStopIdempotentAndClosePermanent(t *testing.T) {
	h := newHarness(t, testConfig())

	h.fetcher.Start()
	h.fetcher.Start()
	assert.True(t, h.fetcher.IsRunning())
	assert.Equal(t, 1, h.sched.Pending())

	h.fetcher.Stop()
	h.fetcher.Stop()
	assert.False(t, h.fetcher.IsRunning())
	assert.Equal(t, 0, h.sched.Pending())

	require.NoError(t, h.fetcher.Close())
	h.fetcher.Start()
	assert.False(t, h.fetcher.IsRunning())
	assert.False(t, h.fetcher.Ping(ap("10.0.0.1:6346")))
}
