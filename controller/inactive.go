package controller

import (
	"context"
	"net/netip"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/routing"
)

// Inactive is the controller of a node that does not take part in the DHT.
// It holds no state, so the zero value is ready to use and copies are
// interchangeable.
type Inactive struct{}

var _ Controller = Inactive{}

// Mode implements Controller.
func (Inactive) Mode() dht.Mode { return dht.Inactive }

// Start implements Controller.
func (Inactive) Start(context.Context) error { return nil }

// Stop implements Controller.
func (Inactive) Stop() error { return nil }

// IsRunning implements Controller.
func (Inactive) IsRunning() bool { return false }

// IsReady implements Controller.
func (Inactive) IsReady() bool { return false }

// IsWaitingForNodes implements Controller.
func (Inactive) IsWaitingForNodes() bool { return false }

// HandleConnectionLifecycleEvent implements Controller.
func (Inactive) HandleConnectionLifecycleEvent(gossip.ConnectionEvent) {}

// AddActiveNode implements Controller.
func (Inactive) AddActiveNode(netip.AddrPort) {}

// AddPassiveNode implements Controller.
func (Inactive) AddPassiveNode(netip.AddrPort) {}

// AddContact implements Controller.
func (Inactive) AddContact(*routing.Contact) {}

// ActiveDHTNodes implements Controller.
func (Inactive) ActiveDHTNodes(int) []*routing.Contact { return nil }

// Put implements Controller.
func (Inactive) Put(context.Context, routing.KUID, []byte) error {
	return dht.ErrUnsupported
}

// Get implements Controller.
func (Inactive) Get(context.Context, routing.KUID) ([]dht.Value, error) {
	return nil, dht.ErrUnsupported
}

// RouteTable implements Controller.
func (Inactive) RouteTable() routing.RouteTable { return nil }

// LocalNode implements Controller.
func (Inactive) LocalNode() *routing.Contact { return nil }
