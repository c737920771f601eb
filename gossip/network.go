// Package gossip describes what the DHT subsystem needs from the Gnutella
// network: the set of connections with their advertised DHT capabilities,
// the host catalog, and a lightweight capability probe.
package gossip

import (
	"context"
	"net/netip"

	"github.com/google/uuid"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/routing"
)

// Capabilities are the DHT related flags a peer advertises.
type Capabilities struct {
	// Mode is the peer's advertised DHT mode.
	Mode dht.Mode
	// Version is the peer's DHT version, zero if unknown.
	Version int
}

// IsActiveDHT reports whether the peer is an active DHT participant.
func (c Capabilities) IsActiveDHT() bool { return c.Mode == dht.Active }

// IsPassiveDHT reports whether the peer is a passive DHT node.
func (c Capabilities) IsPassiveDHT() bool { return c.Mode == dht.Passive }

// IsPassiveLeaf reports whether the peer is a passive leaf DHT node.
func (c Capabilities) IsPassiveLeaf() bool { return c.Mode == dht.PassiveLeaf }

// Connection is an initialized Gnutella connection.
type Connection interface {
	// Addr returns the peer's DHT address.
	Addr() netip.AddrPort
	// Capabilities returns the peer's DHT capabilities.
	Capabilities() Capabilities
	// IsLeaf reports whether the peer is connected to us as a leaf.
	IsLeaf() bool
	// IsPushProxyFor reports whether we act as push proxy for the peer.
	IsPushProxyFor() bool
	// SendContacts forwards DHT contacts to the peer.
	SendContacts(ctx context.Context, contacts []*routing.Contact) error
}

// EventType classifies connection lifecycle events.
type EventType uint8

const (
	ConnectionInitialized EventType = iota
	ConnectionClosed
	ConnectionCapabilities
	NoInternet
)

func (t EventType) String() string {
	switch t {
	case ConnectionInitialized:
		return "initialized"
	case ConnectionClosed:
		return "closed"
	case ConnectionCapabilities:
		return "capabilities"
	case NoInternet:
		return "no-internet"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a change in a connection's lifecycle.
type ConnectionEvent struct {
	Type       EventType
	Connection Connection
}

// Host is an entry in the gossip host catalog.
type Host struct {
	Addr netip.AddrPort
	// DHTCapable is set for hosts known to run a DHT node in any mode.
	DHTCapable bool
	// ActiveDHT is set for hosts known to be active DHT participants.
	ActiveDHT bool
	// Responsiveness estimates how likely the host is to answer; higher is
	// better.
	Responsiveness float64
}

// ProbeRequest asks hosts for addresses of DHT capable peers.
type ProbeRequest struct {
	GUID  uuid.UUID
	Addrs []netip.AddrPort
}

// ProbeReply carries the packed DHT hosts a peer knows about.
type ProbeReply struct {
	GUID     uuid.UUID
	From     netip.AddrPort
	DHTHosts []netip.AddrPort
}

// ProbeHandler receives probe replies. It may be called from any goroutine.
type ProbeHandler func(reply ProbeReply)

// Network is the gossip network as seen by the DHT subsystem.
type Network interface {
	// IsConnected reports whether we hold any gossip connection.
	IsConnected() bool
	// Connections returns the initialized connections.
	Connections() []Connection
	// KnownHosts returns the host catalog.
	KnownHosts() []Host
	// SendProbe sends a capability probe to each address in req. Replies
	// are passed to handler as they arrive.
	SendProbe(ctx context.Context, req ProbeRequest, handler ProbeHandler) error
}
