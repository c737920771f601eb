package maintenance

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/internal/mock"
	"github.com/opd-ai/limedht/routing"
	"github.com/opd-ai/limedht/schedule"
)

// recordingPinger records pings; addresses in hang block until cancelled.
type recordingPinger struct {
	mu        sync.Mutex
	pinged    []netip.AddrPort
	cancelled []netip.AddrPort
	hang      map[netip.AddrPort]bool
}

func (p *recordingPinger) Ping(ctx context.Context, addr netip.AddrPort) (*routing.Contact, error) {
	p.mu.Lock()
	p.pinged = append(p.pinged, addr)
	hang := p.hang[addr]
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		p.mu.Lock()
		p.cancelled = append(p.cancelled, addr)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
	return mock.ContactFor(addr), nil
}

func (p *recordingPinger) calls() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.AddrPort(nil), p.pinged...)
}

func (p *recordingPinger) cancels() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.AddrPort(nil), p.cancelled...)
}

func newScheduler(t *testing.T) (*clock.Mock, *schedule.Scheduler) {
	t.Helper()
	clk := clock.NewMock()
	s := schedule.New("maintenance-test", clk)
	t.Cleanup(s.Close)
	return clk, s
}

func tickUntil(t *testing.T, clk *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clk.Add(step)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestContactPingerPingsOldestAndCancelsPrevious(t *testing.T) {
	clk, sched := newScheduler(t)
	a, b := ap("10.0.0.1:6346"), ap("10.0.1.1:6346")
	pinger := &recordingPinger{hang: map[netip.AddrPort]bool{a: true}}
	cp := NewContactPinger(pinger, sched, PingerConfig{Period: time.Second, MaxContacts: 5, PingTimeout: time.Hour})
	defer cp.Close()

	assert.False(t, cp.IsScheduled())
	cp.Add(a)
	cp.Add(b)
	assert.True(t, cp.IsScheduled())
	assert.Equal(t, 2, cp.Len())

	tickUntil(t, clk, time.Second, func() bool { return len(pinger.calls()) == 1 })
	assert.Equal(t, []netip.AddrPort{a}, pinger.calls())

	tickUntil(t, clk, time.Second, func() bool { return len(pinger.calls()) == 2 })
	assert.Equal(t, b, pinger.calls()[1])
	require.Eventually(t, func() bool { return len(pinger.cancels()) == 1 }, time.Second, time.Millisecond)

	// Empty queue: the task cancels itself and Add re-arms it.
	tickUntil(t, clk, time.Second, func() bool { return !cp.IsScheduled() })
	cp.Add(a)
	assert.True(t, cp.IsScheduled())
}

func TestContactPingerBoundedQueue(t *testing.T) {
	_, sched := newScheduler(t)
	cp := NewContactPinger(&recordingPinger{}, sched, PingerConfig{Period: time.Minute, MaxContacts: 2, PingTimeout: time.Second})
	defer cp.Close()

	cp.Add(ap("10.0.0.1:1"))
	cp.Add(ap("10.0.0.2:1"))
	cp.Add(ap("10.0.0.3:1"))
	cp.Add(netip.AddrPort{})
	assert.Equal(t, 2, cp.Len())

	require.NoError(t, cp.Close())
	cp.Add(ap("10.0.0.4:1"))
	assert.Equal(t, 0, cp.Len())
	assert.False(t, cp.IsScheduled())
}

func TestContactPusherForwardsToPassiveLeaves(t *testing.T) {
	clk, sched := newScheduler(t)
	network := mock.NewNetwork()
	leaf := mock.NewConnection(ap("10.0.0.1:6346"), gossip.Capabilities{Mode: dht.PassiveLeaf}, true, true)
	notProxied := mock.NewConnection(ap("10.0.1.1:6346"), gossip.Capabilities{Mode: dht.PassiveLeaf}, true, false)
	activePeer := mock.NewConnection(ap("10.0.2.1:6346"), gossip.Capabilities{Mode: dht.Active}, false, true)
	network.SetConnections(leaf, notProxied, activePeer)

	cfg := DefaultPusherConfig()
	cfg.Period = time.Second
	p := NewContactPusher(network, sched, cfg, nil)
	defer p.Close()

	first := mock.ContactFor(ap("192.168.0.1:6346"))
	second := mock.ContactFor(ap("192.168.1.1:6346"))
	p.HandleRouteTableEvent(routing.Event{Type: routing.EventAddActive, Contact: first})
	p.HandleRouteTableEvent(routing.Event{Type: routing.EventRemove, Contact: mock.ContactFor(ap("192.168.2.1:6346"))})
	p.HandleRouteTableEvent(routing.Event{Type: routing.EventUpdate, Contact: second})
	assert.Equal(t, 2, p.Len())

	tickUntil(t, clk, time.Second, func() bool { return len(leaf.Sent()) == 1 })
	assert.Equal(t, []*routing.Contact{second, first}, leaf.Sent()[0])
	assert.Empty(t, notProxied.Sent())
	assert.Empty(t, activePeer.Sent())
	assert.Equal(t, 0, p.Len())

	tickUntil(t, clk, time.Second, func() bool { return !p.IsScheduled() })
	assert.Len(t, leaf.Sent(), 1)
}

func TestContactPusherSendErrorsDoNotStopOthers(t *testing.T) {
	clk, sched := newScheduler(t)
	network := mock.NewNetwork()
	broken := mock.NewConnection(ap("10.0.0.1:6346"), gossip.Capabilities{Mode: dht.PassiveLeaf}, true, true)
	broken.SetSendError(errors.New("connection reset"))
	healthy := mock.NewConnection(ap("10.0.1.1:6346"), gossip.Capabilities{Mode: dht.PassiveLeaf}, true, true)
	network.SetConnections(broken, healthy)

	cfg := DefaultPusherConfig()
	cfg.Period = time.Second
	p := NewContactPusher(network, sched, cfg, nil)
	defer p.Close()

	p.Add(mock.ContactFor(ap("192.168.0.1:6346")))
	tickUntil(t, clk, time.Second, func() bool { return len(healthy.Sent()) == 1 })
}

func TestContactPusherDisabled(t *testing.T) {
	_, sched := newScheduler(t)
	cfg := DefaultPusherConfig()
	cfg.Enabled = false
	p := NewContactPusher(mock.NewNetwork(), sched, cfg, nil)
	defer p.Close()

	p.Add(mock.ContactFor(ap("192.168.0.1:6346")))
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.IsScheduled())
}

func TestNodeAdderPingsBatchWhileRunning(t *testing.T) {
	clk, sched := newScheduler(t)
	pinger := &recordingPinger{}
	adder := NewNodeAdder(pinger, sched, AdderConfig{Delay: 30 * time.Second, MaxNodes: 2, PingTimeout: time.Second})
	defer adder.Close()

	adder.Add(ap("10.0.0.1:1"))
	clk.Add(time.Minute)
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, pinger.calls(), "not started")

	adder.Start()
	adder.Start()
	adder.Add(ap("10.0.0.2:1"))
	adder.Add(ap("10.0.0.3:1"))
	assert.Equal(t, 2, adder.Len())

	tickUntil(t, clk, 30*time.Second, func() bool { return len(pinger.calls()) == 2 })
	assert.ElementsMatch(t, []netip.AddrPort{ap("10.0.0.2:1"), ap("10.0.0.3:1")}, pinger.calls())
	assert.Equal(t, 0, adder.Len())

	adder.Stop()
	assert.False(t, adder.IsRunning())
	adder.Add(ap("10.0.0.4:1"))
	clk.Add(time.Minute)
	time.Sleep(5 * time.Millisecond)
	assert.Len(t, pinger.calls(), 2)
}
