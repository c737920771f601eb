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

// Active is the controller of a full DHT participant. It keeps a complete
// route table, bootstraps from persisted contacts and, once joined, keeps
// pinging DHT nodes it hears about on the gossip network so that they end
// up in its table.
type Active struct {
	*base
	adder *maintenance.NodeAdder
}

var _ Controller = (*Active)(nil)

func newActive(cfg Config, deps Deps) (*Active, error) {
	table := routing.NewTable(localContact(cfg, deps.Clock), cfg.RouteTable, deps.Clock)
	b, err := newBase(dht.Active, cfg, deps, table, table)
	if err != nil {
		return nil, err
	}
	a := &Active{
		base:  b,
		adder: maintenance.NewNodeAdder(b.engine, b.sched, cfg.Adder),
	}
	b.onReady = a.adder.Start
	return a, nil
}

// Start implements Controller.
func (a *Active) Start(ctx context.Context) error {
	return a.start(ctx, a.loadSeeds(a.config.PersistActive))
}

// Stop implements Controller. The route table is saved before the engine is
// closed.
func (a *Active) Stop() error {
	return a.stop(
		a.adder.Close,
		func() error { return a.saveContacts(a.config.PersistActive) },
	)
}

// HandleConnectionLifecycleEvent implements Controller. Peers advertising an
// active DHT node are bootstrap candidates, or adder targets once joined;
// passive DHT peers are probed while we still need a way in.
func (a *Active) HandleConnectionLifecycleEvent(ev gossip.ConnectionEvent) {
	if ev.Type != gossip.ConnectionInitialized && ev.Type != gossip.ConnectionCapabilities {
		return
	}
	conn, addr, ok := connectionAddr(ev)
	if !ok {
		return
	}
	caps := conn.Capabilities()
	switch {
	case caps.IsActiveDHT():
		a.AddActiveNode(addr)
	case caps.IsPassiveDHT():
		a.AddPassiveNode(addr)
	}
}

// AddActiveNode implements Controller.
func (a *Active) AddActiveNode(addr netip.AddrPort) {
	if !a.engine.IsReady() {
		a.boot.AddActiveNode(addr)
		return
	}
	if !a.IsRunning() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Active.AddActiveNode",
		"addr":     addr.String(),
	}).Debug("Queueing DHT node for the node adder")
	a.adder.Add(addr)
	a.adder.Start()
}
