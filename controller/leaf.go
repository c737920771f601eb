package controller

import (
	"context"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/routing"
)

// PassiveLeaf is the controller of a leaf that only looks up values through
// the DHT. Its single bucket table is filled with contacts its ultrapeer
// forwards; it never stores values itself.
type PassiveLeaf struct {
	*base
}

var _ Controller = (*PassiveLeaf)(nil)

func newPassiveLeaf(cfg Config, deps Deps) (*PassiveLeaf, error) {
	table := routing.NewLeafRouteTable(localContact(cfg, deps.Clock), cfg.RouteTable)
	b, err := newBase(dht.PassiveLeaf, cfg, deps, table, table)
	if err != nil {
		return nil, err
	}
	return &PassiveLeaf{base: b}, nil
}

// Start implements Controller.
func (l *PassiveLeaf) Start(ctx context.Context) error {
	return l.start(ctx, nil)
}

// Stop implements Controller.
func (l *PassiveLeaf) Stop() error {
	return l.stop(func() error {
		l.table.Clear()
		return nil
	})
}

// HandleConnectionLifecycleEvent implements Controller. A leaf learns its
// contacts from AddContact only.
func (l *PassiveLeaf) HandleConnectionLifecycleEvent(gossip.ConnectionEvent) {}

// AddContact implements Controller. The contact enters the table and, until
// the node has joined, becomes a bootstrap candidate.
func (l *PassiveLeaf) AddContact(c *routing.Contact) {
	if c == nil || !l.IsRunning() {
		return
	}
	l.table.Add(c)
	if !l.engine.IsReady() {
		l.boot.AddActiveNode(c.Addr)
	}
}

// Put implements Controller.
func (l *PassiveLeaf) Put(context.Context, routing.KUID, []byte) error {
	return dht.ErrUnsupported
}

// Get implements Controller.
func (l *PassiveLeaf) Get(context.Context, routing.KUID) ([]dht.Value, error) {
	return nil, dht.ErrUnsupported
}
