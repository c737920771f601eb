package routing

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger sends a single ping and returns the responding contact.
type Pinger interface {
	Ping(ctx context.Context, addr netip.AddrPort) (*Contact, error)
}

// DefaultLeafPingTimeout bounds the ping issued by AddLeafDHTNode.
const DefaultLeafPingTimeout = 10 * time.Second

// PassiveRouteTable wraps a RouteTable and tracks which of its contacts are
// DHT nodes connected to us as Gnutella leaves. Leaf contacts carry the
// priority timestamp so they are always selected first and always rank as
// most recently seen.
//
// The leaf map and the delegate table are mutated under the same lock.
type PassiveRouteTable struct {
	delegate RouteTable
	pinger   Pinger
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	leaves  map[netip.AddrPort]KUID
	pending map[netip.AddrPort]uint64
	seq     uint64
	closed  bool
}

// NewPassiveRouteTable wraps delegate. Leaf nodes are verified with pinger.
func NewPassiveRouteTable(delegate RouteTable, pinger Pinger, timeout time.Duration) *PassiveRouteTable {
	if timeout <= 0 {
		timeout = DefaultLeafPingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PassiveRouteTable{
		delegate: delegate,
		pinger:   pinger,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		leaves:   make(map[netip.AddrPort]KUID),
		pending:  make(map[netip.AddrPort]uint64),
	}
}

func leafAddr(host string, port int) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid leaf host %q: %w", host, err)
	}
	if port <= 0 || port > 0xffff {
		return netip.AddrPort{}, fmt.Errorf("invalid leaf port %d", port)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

// AddLeafDHTNode pings host:port in the background. When the leaf answers,
// its contact is added to the delegate with the priority timestamp and the
// address is remembered as a leaf.
func (p *PassiveRouteTable) AddLeafDHTNode(host string, port int) error {
	addr, err := leafAddr(host, port)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.seq++
	seq := p.seq
	p.pending[addr] = seq

	p.wg.Add(1)
	go p.pingLeaf(addr, seq)
	return nil
}

func (p *PassiveRouteTable) pingLeaf(addr netip.AddrPort, seq uint64) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	c, err := p.pinger.Ping(ctx, addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddLeafDHTNode",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Leaf DHT node did not respond")
		p.mu.Lock()
		if p.pending[addr] == seq {
			delete(p.pending, addr)
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// The leaf may have disconnected while the ping was in flight.
	if p.closed || p.pending[addr] != seq {
		return
	}
	delete(p.pending, addr)

	if prev, ok := p.leaves[addr]; ok && prev != c.ID {
		p.delegate.Remove(prev)
	}
	p.leaves[addr] = c.ID
	p.delegate.Add(c.WithPriority())

	logrus.WithFields(logrus.Fields{
		"function": "AddLeafDHTNode",
		"addr":     addr.String(),
		"node_id":  c.ID.ShortString(),
	}).Debug("Added leaf DHT node")
}

// RemoveLeafDHTNode forgets the leaf at host:port. Its contact is evicted
// from the delegate, active or cached. An active eviction lets the bucket
// promote the most recently seen cached contact that passes the diversity
// guard.
func (p *PassiveRouteTable) RemoveLeafDHTNode(host string, port int) error {
	addr, err := leafAddr(host, port)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pending, addr)
	id, ok := p.leaves[addr]
	if !ok {
		return nil
	}
	delete(p.leaves, addr)

	c, ok := p.delegate.Get(id)
	if ok && c.Addr == addr {
		p.delegate.Remove(id)
		logrus.WithFields(logrus.Fields{
			"function": "RemoveLeafDHTNode",
			"addr":     addr.String(),
			"node_id":  id.ShortString(),
		}).Debug("Removed leaf DHT node")
	}
	return nil
}

// LeafDHTNodes returns the tracked leaf addresses.
func (p *PassiveRouteTable) LeafDHTNodes() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(p.leaves))
	for addr := range p.leaves {
		out = append(out, addr)
	}
	return out
}

// HasLeafDHTNodes reports whether any leaf is tracked.
func (p *PassiveRouteTable) HasLeafDHTNodes() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leaves) > 0
}

func (p *PassiveRouteTable) isLeafLocked(c *Contact) bool {
	id, ok := p.leaves[c.Addr]
	return ok && id == c.ID
}

// LocalNode implements RouteTable.
func (p *PassiveRouteTable) LocalNode() *Contact {
	return p.delegate.LocalNode()
}

// Add implements RouteTable. Updates for a tracked leaf keep its priority.
func (p *PassiveRouteTable) Add(c *Contact) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c != nil && p.isLeafLocked(c) && !c.HasPriority() {
		c = c.WithPriority()
	}
	return p.delegate.Add(c)
}

// Get implements RouteTable.
func (p *PassiveRouteTable) Get(id KUID) (*Contact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate.Get(id)
}

// IsActive implements RouteTable.
func (p *PassiveRouteTable) IsActive(id KUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate.IsActive(id)
}

// Remove implements RouteTable.
func (p *PassiveRouteTable) Remove(id KUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate.Remove(id)
}

// Select implements RouteTable. Leaf contacts come first, closest to id
// first, followed by the delegate's selection.
func (p *PassiveRouteTable) Select(id KUID, count int, mode SelectMode) []*Contact {
	p.mu.Lock()
	defer p.mu.Unlock()

	if count <= 0 {
		return []*Contact{}
	}

	var leaves []*Contact
	for addr, leafID := range p.leaves {
		c, ok := p.delegate.Get(leafID)
		if !ok || c.Addr != addr || !c.HasPriority() || !selectable(c, mode) {
			continue
		}
		leaves = append(leaves, c)
	}
	slices.SortFunc(leaves, func(a, b *Contact) int {
		return a.ID.Xor(id).Compare(b.ID.Xor(id))
	})

	result := make([]*Contact, 0, count)
	seen := make(map[KUID]struct{}, count)
	for _, c := range leaves {
		if len(result) == count {
			return result
		}
		result = append(result, c)
		seen[c.ID] = struct{}{}
	}
	for _, c := range p.delegate.Select(id, count, mode) {
		if len(result) == count {
			break
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		result = append(result, c)
		seen[c.ID] = struct{}{}
	}
	return result
}

// ActiveContacts implements RouteTable.
func (p *PassiveRouteTable) ActiveContacts() []*Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate.ActiveContacts()
}

// CachedContacts implements RouteTable.
func (p *PassiveRouteTable) CachedContacts() []*Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate.CachedContacts()
}

// HandleFailure implements RouteTable.
func (p *PassiveRouteTable) HandleFailure(id KUID, addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate.HandleFailure(id, addr)
}

// Purge implements RouteTable.
func (p *PassiveRouteTable) Purge(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate.Purge(elapsed)
}

// Size implements RouteTable.
func (p *PassiveRouteTable) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate.Size()
}

// Clear implements RouteTable. Leaf tracking is reset as well.
func (p *PassiveRouteTable) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves = make(map[netip.AddrPort]KUID)
	p.pending = make(map[netip.AddrPort]uint64)
	p.delegate.Clear()
}

// AddListener implements RouteTable.
func (p *PassiveRouteTable) AddListener(fn Listener) {
	p.delegate.AddListener(fn)
}

// Close cancels outstanding leaf pings and waits for them to finish.
func (p *PassiveRouteTable) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
