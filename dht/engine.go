// Package dht defines the contract between the bootstrap and routing control
// logic and the underlying Kademlia engine, along with the participation
// modes a node can run in.
//
// The engine owns the wire protocol and RPC matching. Its calls block until
// the exchange completes or ctx is done; callers that must not block run
// them on their own goroutine and cancel through the context.
package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/limedht/routing"
)

var (
	// ErrCollision is reported when a remote peer already uses the local
	// node's ID. Retrying with the same identity is never correct.
	ErrCollision = errors.New("node ID collision")

	// ErrUnsupported is returned for operations the current mode cannot serve.
	ErrUnsupported = errors.New("operation not supported in this DHT mode")

	// ErrNotReady is returned when the engine has not finished bootstrapping.
	ErrNotReady = errors.New("DHT is not bootstrapped")

	// ErrClosed is returned by engines that have been closed.
	ErrClosed = errors.New("DHT engine closed")
)

// CollisionError carries the contact that claimed the local ID.
type CollisionError struct {
	Contact *routing.Contact
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("node ID collision with %s", e.Contact)
}

// Unwrap lets errors.Is match ErrCollision.
func (e *CollisionError) Unwrap() error {
	return ErrCollision
}

// IsCollision reports whether err was caused by an ID collision.
func IsCollision(err error) bool {
	return errors.Is(err, ErrCollision)
}

// Value is a value stored in the DHT.
type Value struct {
	Key     routing.KUID
	Creator routing.KUID
	Data    []byte
}

// Engine is the Kademlia engine the controllers drive.
type Engine interface {
	// Start binds the engine to its local address.
	Start(ctx context.Context) error
	// Ping pings a single address and returns the responding contact.
	Ping(ctx context.Context, addr netip.AddrPort) (*routing.Contact, error)
	// PingContacts pings the contacts and returns the first one to answer.
	PingContacts(ctx context.Context, contacts []*routing.Contact) (*routing.Contact, error)
	// Bootstrap joins the DHT through contact.
	Bootstrap(ctx context.Context, contact *routing.Contact) error
	// IsReady reports whether the engine is bootstrapped.
	IsReady() bool
	// IsBooting reports whether a bootstrap is in progress.
	IsBooting() bool
	// LocalNode returns the local contact.
	LocalNode() *routing.Contact
	// RouteTable returns the table the engine maintains.
	RouteTable() routing.RouteTable
	// Put stores a value.
	Put(ctx context.Context, key routing.KUID, data []byte) error
	// Get retrieves values for key.
	Get(ctx context.Context, key routing.KUID) ([]Value, error)
	// Close releases the engine.
	Close() error
}

// EngineConfig describes the engine a controller needs.
type EngineConfig struct {
	Mode       Mode
	LocalID    routing.KUID
	Addr       netip.AddrPort
	Firewalled bool
	RouteTable routing.RouteTable
}

// EngineFactory constructs an engine. The route table is built by the
// controller for its mode; the engine adds the contacts it learns to it.
type EngineFactory func(cfg EngineConfig) (Engine, error)
