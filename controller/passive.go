package controller

import (
	"context"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/maintenance"
	"github.com/opd-ai/limedht/routing"
)

// enginePinger lets the passive route table ping through an engine that is
// built after the table.
type enginePinger struct {
	engine dht.Engine
}

func (p *enginePinger) Ping(ctx context.Context, addr netip.AddrPort) (*routing.Contact, error) {
	return p.engine.Ping(ctx, addr)
}

// Passive is the controller of an ultrapeer that takes part in the DHT
// without storing values. Its leaves that run an active DHT node are given
// priority in the route table, other active ultrapeers are kept alive by
// the ContactPinger, and contacts seen by the table are forwarded to the
// passive leaves we are push proxy for.
type Passive struct {
	*base
	leaves *routing.PassiveRouteTable
	pinger *maintenance.ContactPinger
	pusher *maintenance.ContactPusher
}

var _ Controller = (*Passive)(nil)

func newPassive(cfg Config, deps Deps) (*Passive, error) {
	inner := routing.NewTable(localContact(cfg, deps.Clock), cfg.RouteTable, deps.Clock)
	ep := &enginePinger{}
	leaves := routing.NewPassiveRouteTable(inner, ep, cfg.LeafPingTimeout)

	b, err := newBase(dht.Passive, cfg, deps, leaves, inner)
	if err != nil {
		return nil, err
	}
	ep.engine = b.engine

	p := &Passive{
		base:   b,
		leaves: leaves,
		pinger: maintenance.NewContactPinger(b.engine, b.sched, cfg.Pinger),
		pusher: maintenance.NewContactPusher(deps.Network, b.sched, cfg.Pusher, deps.Metrics),
	}
	leaves.AddListener(p.pusher.HandleRouteTableEvent)
	return p, nil
}

// Start implements Controller.
func (p *Passive) Start(ctx context.Context) error {
	return p.start(ctx, p.loadSeeds(p.config.PersistPassive))
}

// Stop implements Controller.
func (p *Passive) Stop() error {
	return p.stop(
		p.pinger.Close,
		p.pusher.Close,
		func() error {
			p.leaves.Close()
			return nil
		},
		func() error { return p.saveContacts(p.config.PersistPassive) },
	)
}

// HandleConnectionLifecycleEvent implements Controller.
func (p *Passive) HandleConnectionLifecycleEvent(ev gossip.ConnectionEvent) {
	conn, addr, ok := connectionAddr(ev)
	if !ok || !p.IsRunning() {
		return
	}
	caps := conn.Capabilities()

	if conn.IsLeaf() {
		p.handleLeafEvent(ev.Type, caps, addr)
		return
	}
	if ev.Type != gossip.ConnectionInitialized && ev.Type != gossip.ConnectionCapabilities {
		return
	}
	switch {
	case caps.IsActiveDHT():
		p.AddActiveNode(addr)
	case caps.IsPassiveDHT():
		p.AddPassiveNode(addr)
	}
}

func (p *Passive) handleLeafEvent(typ gossip.EventType, caps gossip.Capabilities, addr netip.AddrPort) {
	host, port := addr.Addr().String(), int(addr.Port())
	var err error
	switch typ {
	case gossip.ConnectionInitialized, gossip.ConnectionCapabilities:
		if caps.IsActiveDHT() {
			err = p.leaves.AddLeafDHTNode(host, port)
		} else {
			// The leaf may have dropped out of the DHT.
			err = p.leaves.RemoveLeafDHTNode(host, port)
		}
	case gossip.ConnectionClosed:
		err = p.leaves.RemoveLeafDHTNode(host, port)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Passive.handleLeafEvent",
			"event":    typ.String(),
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to update leaf DHT node")
	}
}

// AddActiveNode implements Controller. Once joined, active nodes are kept
// alive by the ContactPinger instead of bootstrapping.
func (p *Passive) AddActiveNode(addr netip.AddrPort) {
	if !p.engine.IsReady() {
		p.boot.AddActiveNode(addr)
		return
	}
	p.pinger.Add(addr)
}

// LeafDHTNodes returns the addresses of the leaves tracked as DHT nodes.
func (p *Passive) LeafDHTNodes() []netip.AddrPort {
	return p.leaves.LeafDHTNodes()
}
