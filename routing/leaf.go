package routing

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LeafRouteTable is a route table with exactly one bucket of size k. It is
// used by nodes that do not maintain a Kademlia structure of their own and
// rely on another peer for fresh contacts.
type LeafRouteTable struct {
	local       *Contact
	maxFailures int

	mu        sync.Mutex
	bucket    *Bucket
	listeners []Listener
}

// NewLeafRouteTable creates a leaf table for local.
func NewLeafRouteTable(local *Contact, config Config) *LeafRouteTable {
	return &LeafRouteTable{
		local:       local,
		maxFailures: config.MaxFailures,
		bucket:      NewBucket(config.K, config.CacheSize, config.MaxPerNetwork),
	}
}

// LocalNode implements RouteTable.
func (t *LeafRouteTable) LocalNode() *Contact {
	return t.local
}

// Add implements RouteTable. The local node and firewalled contacts are
// rejected; other contacts are subject to the diversity guard and evict the
// least recently seen contact when the bucket is full.
func (t *LeafRouteTable) Add(c *Contact) bool {
	if c == nil || c.ID == t.local.ID || c.Firewalled {
		return false
	}

	t.mu.Lock()
	existed := t.bucket.IsActive(c.ID)
	added := t.bucket.AddActive(c)
	listeners := t.listeners
	t.mu.Unlock()

	if !added {
		logrus.WithFields(logrus.Fields{
			"function": "LeafRouteTable.Add",
			"contact":  c.String(),
		}).Debug("Contact rejected by network diversity guard")
		return false
	}
	ev := Event{Type: EventAddActive, Contact: c}
	if existed {
		ev.Type = EventUpdate
	}
	notify(listeners, ev)
	return true
}

// Get implements RouteTable.
func (t *LeafRouteTable) Get(id KUID) (*Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket.Get(id)
}

// IsActive implements RouteTable.
func (t *LeafRouteTable) IsActive(id KUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket.IsActive(id)
}

// Remove implements RouteTable.
func (t *LeafRouteTable) Remove(id KUID) bool {
	t.mu.Lock()
	c, _ := t.bucket.Get(id)
	removed := t.bucket.RemoveActive(id) || t.bucket.RemoveCached(id)
	listeners := t.listeners
	t.mu.Unlock()

	if removed {
		notify(listeners, Event{Type: EventRemove, Contact: c})
	}
	return removed
}

// Select returns up to count contacts from the bucket, closest to id first.
// Unless mode is SelectAlive, a short result is padded with the local node
// so callers always have a usable fallback.
func (t *LeafRouteTable) Select(id KUID, count int, mode SelectMode) []*Contact {
	if count <= 0 {
		return []*Contact{}
	}

	t.mu.Lock()
	h := newContactHeap(id, count)
	for _, c := range t.bucket.ActiveContacts() {
		if selectable(c, mode) {
			h.offer(c)
		}
	}
	t.mu.Unlock()

	result := h.sorted()
	if len(result) < count && mode != SelectAlive {
		result = append(result, t.local)
	}
	return result
}

// ActiveContacts implements RouteTable.
func (t *LeafRouteTable) ActiveContacts() []*Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket.ActiveContacts()
}

// CachedContacts implements RouteTable.
func (t *LeafRouteTable) CachedContacts() []*Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket.CachedContacts()
}

// HandleFailure implements RouteTable.
func (t *LeafRouteTable) HandleFailure(id KUID, addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handleFailure(t.bucket, id, addr, t.maxFailures)
}

// Purge is a no-op: a leaf table has no maintenance policy of its own.
func (t *LeafRouteTable) Purge(time.Duration) {}

// Split is not supported; the table is structurally flat.
func (t *LeafRouteTable) Split() error {
	return ErrUnsupported
}

// Size implements RouteTable.
func (t *LeafRouteTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket.ActiveSize()
}

// Clear implements RouteTable.
func (t *LeafRouteTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bucket.Clear()
}

// AddListener implements RouteTable.
func (t *LeafRouteTable) AddListener(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}
