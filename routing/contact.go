// Package routing implements the routing table shapes used by the DHT
// controllers: the generic bucketed Table, the single bucket LeafRouteTable
// and the leaf-aware PassiveRouteTable, together with the Bucket and
// ClassfulNetworkCounter building blocks they share.
package routing

import (
	"fmt"
	"net/netip"
	"time"
)

// ContactStatus represents the liveness of a contact.
type ContactStatus uint8

const (
	StatusUnknown ContactStatus = iota
	StatusDead
	StatusAlive
)

func (s ContactStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PriorityTimestamp is the largest timestamp a contact can carry. Contacts
// stamped with it always rank as most recently seen.
var PriorityTimestamp = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Contact identifies a remote peer. Contacts are values: state changes
// produce a modified copy instead of editing a shared instance.
type Contact struct {
	ID         KUID
	Addr       netip.AddrPort
	Vendor     string
	Version    uint16
	Firewalled bool
	Timestamp  time.Time
	Failures   int
	Status     ContactStatus
}

// NewContact creates an alive contact last seen at now.
func NewContact(id KUID, addr netip.AddrPort, now time.Time) *Contact {
	return &Contact{
		ID:        id,
		Addr:      addr,
		Timestamp: now,
		Status:    StatusAlive,
	}
}

// WithTimestamp returns a copy of c last seen at t and considered alive.
func (c *Contact) WithTimestamp(t time.Time) *Contact {
	cp := *c
	cp.Timestamp = t
	cp.Failures = 0
	cp.Status = StatusAlive
	return &cp
}

// WithFailure returns a copy of c with one more failure recorded. The copy is
// marked dead once maxFailures is reached.
func (c *Contact) WithFailure(maxFailures int) *Contact {
	cp := *c
	cp.Failures++
	if maxFailures > 0 && cp.Failures >= maxFailures {
		cp.Status = StatusDead
	}
	return &cp
}

// WithPriority returns a copy of c stamped with PriorityTimestamp.
func (c *Contact) WithPriority() *Contact {
	return c.WithTimestamp(PriorityTimestamp)
}

// HasPriority reports whether c carries the priority timestamp.
func (c *Contact) HasPriority() bool {
	return c.Timestamp.Equal(PriorityTimestamp)
}

// IsAlive reports whether the contact is usable for lookups.
func (c *Contact) IsAlive() bool {
	return c.Status != StatusDead
}

// IsDead reports whether the contact has failed too often.
func (c *Contact) IsDead() bool {
	return c.Status == StatusDead
}

// IsActive checks if the contact has been seen within timeout of now.
func (c *Contact) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.Timestamp) < timeout
}

// SameAddr reports whether both contacts point at the same socket address.
func (c *Contact) SameAddr(other *Contact) bool {
	return c.Addr == other.Addr
}

func (c *Contact) String() string {
	return fmt.Sprintf("%s@%s (%s)", c.ID.ShortString(), c.Addr, c.Status)
}

// byRecency orders contacts from most to least recently seen.
func byRecency(a, b *Contact) int {
	return b.Timestamp.Compare(a.Timestamp)
}
