package mock

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/opd-ai/limedht/gossip"
	"github.com/opd-ai/limedht/routing"
)

// Network implements gossip.Network in memory.
type Network struct {
	mu        sync.Mutex
	connected bool
	conns     []gossip.Connection
	hosts     []gossip.Host
	probes    []gossip.ProbeRequest
	handlers  map[uuid.UUID]gossip.ProbeHandler
	probeErr  error
}

// NewNetwork creates a connected network with no peers.
func NewNetwork() *Network {
	return &Network{
		connected: true,
		handlers:  make(map[uuid.UUID]gossip.ProbeHandler),
	}
}

// SetConnected sets the connectivity flag.
func (n *Network) SetConnected(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = connected
}

// SetConnections replaces the connection list.
func (n *Network) SetConnections(conns ...gossip.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns = conns
}

// SetHosts replaces the host catalog.
func (n *Network) SetHosts(hosts ...gossip.Host) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts = hosts
}

// SetProbeError makes SendProbe fail.
func (n *Network) SetProbeError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.probeErr = err
}

// IsConnected implements gossip.Network.
func (n *Network) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Connections implements gossip.Network.
func (n *Network) Connections() []gossip.Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]gossip.Connection(nil), n.conns...)
}

// KnownHosts implements gossip.Network.
func (n *Network) KnownHosts() []gossip.Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]gossip.Host(nil), n.hosts...)
}

// SendProbe implements gossip.Network. Replies are delivered with Reply.
func (n *Network) SendProbe(ctx context.Context, req gossip.ProbeRequest, handler gossip.ProbeHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.probeErr != nil {
		return n.probeErr
	}
	n.probes = append(n.probes, req)
	n.handlers[req.GUID] = handler
	return nil
}

// Probes returns the probe requests sent so far.
func (n *Network) Probes() []gossip.ProbeRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]gossip.ProbeRequest(nil), n.probes...)
}

// Reply delivers a probe reply to the handler registered for guid. It
// reports false if no probe used that GUID.
func (n *Network) Reply(guid uuid.UUID, from netip.AddrPort, dhtHosts ...netip.AddrPort) bool {
	n.mu.Lock()
	h, ok := n.handlers[guid]
	n.mu.Unlock()
	if !ok {
		return false
	}
	h(gossip.ProbeReply{GUID: guid, From: from, DHTHosts: dhtHosts})
	return true
}

// Connection implements gossip.Connection.
type Connection struct {
	addr      netip.AddrPort
	caps      gossip.Capabilities
	leaf      bool
	pushProxy bool

	mu      sync.Mutex
	sent    [][]*routing.Contact
	sendErr error
}

// NewConnection creates a connection to addr advertising caps.
func NewConnection(addr netip.AddrPort, caps gossip.Capabilities, leaf, pushProxy bool) *Connection {
	return &Connection{addr: addr, caps: caps, leaf: leaf, pushProxy: pushProxy}
}

// Addr implements gossip.Connection.
func (c *Connection) Addr() netip.AddrPort { return c.addr }

// Capabilities implements gossip.Connection.
func (c *Connection) Capabilities() gossip.Capabilities { return c.caps }

// IsLeaf implements gossip.Connection.
func (c *Connection) IsLeaf() bool { return c.leaf }

// IsPushProxyFor implements gossip.Connection.
func (c *Connection) IsPushProxyFor() bool { return c.pushProxy }

// SetSendError makes SendContacts fail.
func (c *Connection) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SendContacts implements gossip.Connection.
func (c *Connection) SendContacts(ctx context.Context, contacts []*routing.Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]*routing.Contact(nil), contacts...))
	return nil
}

// Sent returns every batch passed to SendContacts.
func (c *Connection) Sent() [][]*routing.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]*routing.Contact(nil), c.sent...)
}
