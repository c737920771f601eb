package routing

import (
	"net/netip"
	"sync"
)

const (
	classCBits = 24
	ipv6Bits   = 48
)

// ClassfulNetworkCounter limits how many contacts from the same network
// class may occupy a bucket. IPv4 addresses are grouped by their class C
// (/24) block, IPv6 addresses by /48.
type ClassfulNetworkCounter struct {
	maxPerNetwork int

	mu     sync.Mutex
	counts map[netip.Prefix]int
}

// NewClassfulNetworkCounter creates a counter. A maxPerNetwork of zero or
// less disables the limit.
func NewClassfulNetworkCounter(maxPerNetwork int) *ClassfulNetworkCounter {
	return &ClassfulNetworkCounter{
		maxPerNetwork: maxPerNetwork,
		counts:        make(map[netip.Prefix]int),
	}
}

// NetworkClass returns the network block addr belongs to.
func NetworkClass(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	bits := classCBits
	if addr.Is6() {
		bits = ipv6Bits
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

// IsOkayToAdd reports whether c may be added without exceeding the limit.
func (n *ClassfulNetworkCounter) IsOkayToAdd(c *Contact) bool {
	if n.maxPerNetwork <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[NetworkClass(c.Addr.Addr())] < n.maxPerNetwork
}

// IncrementAndGet records c and returns the new count for its network.
func (n *ClassfulNetworkCounter) IncrementAndGet(c *Contact) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := NetworkClass(c.Addr.Addr())
	n.counts[key]++
	return n.counts[key]
}

// DecrementAndGet removes c from the count and returns the remaining count
// for its network.
func (n *ClassfulNetworkCounter) DecrementAndGet(c *Contact) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := NetworkClass(c.Addr.Addr())
	count, ok := n.counts[key]
	if !ok {
		return 0
	}
	count--
	if count <= 0 {
		delete(n.counts, key)
		return 0
	}
	n.counts[key] = count
	return count
}

// Get returns the current count for the network of c.
func (n *ClassfulNetworkCounter) Get(c *Contact) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[NetworkClass(c.Addr.Addr())]
}

// Networks returns the number of distinct networks tracked.
func (n *ClassfulNetworkCounter) Networks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.counts)
}

// Total returns the sum of all network counts.
func (n *ClassfulNetworkCounter) Total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.counts {
		total += c
	}
	return total
}

// MaxPerNetwork returns the configured limit.
func (n *ClassfulNetworkCounter) MaxPerNetwork() int {
	return n.maxPerNetwork
}

// Clear resets all counts.
func (n *ClassfulNetworkCounter) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = make(map[netip.Prefix]int)
}
