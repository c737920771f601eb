package routing

import (
	"container/heap"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrUnsupported is returned by operations a route table shape cannot perform.
var ErrUnsupported = errors.New("operation not supported by this route table")

// SelectMode controls which contacts Select may return.
type SelectMode uint8

const (
	// SelectAll returns any contact that is not dead.
	SelectAll SelectMode = iota
	// SelectAlive returns only contacts that are alive; no fallbacks are
	// substituted.
	SelectAlive
)

// EventType classifies route table changes.
type EventType uint8

const (
	EventAddActive EventType = iota
	EventAddCached
	EventUpdate
	EventRemove
)

// Event is delivered to route table listeners after a change.
type Event struct {
	Type    EventType
	Contact *Contact
}

// Listener receives route table events. Listeners are called after the
// table lock has been released.
type Listener func(Event)

// RouteTable is the routing table abstraction the DHT engine and the
// controllers share.
type RouteTable interface {
	// LocalNode returns the local node's contact.
	LocalNode() *Contact
	// Add inserts or refreshes a contact. It returns false if the contact
	// was rejected.
	Add(c *Contact) bool
	// Get returns the active or cached contact for id.
	Get(id KUID) (*Contact, bool)
	// IsActive reports whether id is an active contact.
	IsActive(id KUID) bool
	// Remove evicts id. Removing an active contact promotes a cached one.
	Remove(id KUID) bool
	// Select returns up to count contacts closest to id.
	Select(id KUID, count int, mode SelectMode) []*Contact
	// ActiveContacts returns every active contact.
	ActiveContacts() []*Contact
	// CachedContacts returns every cached contact.
	CachedContacts() []*Contact
	// HandleFailure records a failed exchange with the contact.
	HandleFailure(id KUID, addr netip.AddrPort)
	// Purge removes contacts not seen within elapsed.
	Purge(elapsed time.Duration)
	// Size returns the number of active contacts.
	Size() int
	// Clear removes every contact.
	Clear()
	// AddListener registers fn for route table events.
	AddListener(fn Listener)
}

// Config holds route table parameters.
type Config struct {
	// K is the replication parameter: active contacts per bucket.
	K int `yaml:"k"`
	// CacheSize is the replacement cache size per bucket.
	CacheSize int `yaml:"cache_size"`
	// MaxPerNetwork limits contacts per class C network in one bucket.
	MaxPerNetwork int `yaml:"max_per_network"`
	// MaxFailures marks a contact dead after this many failures.
	MaxFailures int `yaml:"max_failures"`
}

// DefaultConfig returns the standard Kademlia parameters.
func DefaultConfig() Config {
	return Config{
		K:             20,
		CacheSize:     20,
		MaxPerNetwork: 10,
		MaxFailures:   2,
	}
}

// Validate checks the configuration. MaxPerNetwork may be zero to disable
// the diversity guard.
func (c Config) Validate() error {
	switch {
	case c.K <= 0:
		return errors.New("routing: k must be positive")
	case c.CacheSize < 0 || c.MaxPerNetwork < 0:
		return errors.New("routing: cache_size and max_per_network must not be negative")
	case c.MaxFailures <= 0:
		return errors.New("routing: max_failures must be positive")
	}
	return nil
}

// Table is the general purpose routing table. Contacts are placed into one
// of KUIDBits buckets by the length of the prefix they share with the local
// node.
type Table struct {
	config Config
	clock  clock.Clock
	local  *Contact

	mu        sync.RWMutex
	buckets   []*Bucket
	listeners []Listener
}

// NewTable creates a routing table for local.
func NewTable(local *Contact, config Config, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{
		config:  config,
		clock:   clk,
		local:   local,
		buckets: make([]*Bucket, KUIDBits),
	}
	for i := range t.buckets {
		t.buckets[i] = NewBucket(config.K, config.CacheSize, config.MaxPerNetwork)
	}
	return t
}

func (t *Table) bucketFor(id KUID) *Bucket {
	idx := t.local.ID.CommonPrefixLen(id)
	if idx >= KUIDBits {
		idx = KUIDBits - 1
	}
	return t.buckets[idx]
}

// LocalNode returns the local contact.
func (t *Table) LocalNode() *Contact {
	return t.local
}

// Add implements RouteTable.
func (t *Table) Add(c *Contact) bool {
	if c == nil || c.ID == t.local.ID {
		return false
	}

	t.mu.Lock()
	ev, ok := t.addLocked(c)
	listeners := t.listeners
	t.mu.Unlock()

	if ok {
		notify(listeners, ev)
	}
	return ok
}

func (t *Table) addLocked(c *Contact) (Event, bool) {
	b := t.bucketFor(c.ID)

	if b.IsActive(c.ID) {
		if !b.AddActive(c) {
			return Event{}, false
		}
		return Event{Type: EventUpdate, Contact: c}, true
	}

	if !b.IsActiveFull() {
		if !b.AddActive(c) {
			return Event{}, false
		}
		return Event{Type: EventAddActive, Contact: c}, true
	}

	// A full bucket only gives up a slot held by a dead contact.
	if lrs, ok := b.LeastRecentlySeenActive(); ok && lrs.IsDead() && b.Counter().IsOkayToAdd(c) {
		b.RemoveActive(lrs.ID)
		if b.AddActive(c) {
			return Event{Type: EventAddActive, Contact: c}, true
		}
	}

	if c.HasPriority() && evictForPriority(b, c) {
		return Event{Type: EventAddActive, Contact: c}, true
	}

	b.AddCached(c)
	return Event{Type: EventAddCached, Contact: c}, true
}

// evictForPriority moves the least recently seen non-priority contact of a
// full bucket into the cache and puts c in its slot. The victim is restored
// if c fails the diversity guard.
func evictForPriority(b *Bucket, c *Contact) bool {
	for _, victim := range b.ActiveContacts() {
		if victim.HasPriority() {
			continue
		}
		b.RemoveActive(victim.ID)
		if b.AddActive(c) {
			b.AddCached(victim)
			return true
		}
		b.AddActive(victim)
		return false
	}
	return false
}

// Get implements RouteTable.
func (t *Table) Get(id KUID) (*Contact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bucketFor(id).Get(id)
}

// IsActive implements RouteTable.
func (t *Table) IsActive(id KUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bucketFor(id).IsActive(id)
}

// Remove implements RouteTable.
func (t *Table) Remove(id KUID) bool {
	t.mu.Lock()
	b := t.bucketFor(id)
	c, _ := b.Get(id)
	removed := b.RemoveActive(id)
	if removed {
		b.Promote()
	} else {
		removed = b.RemoveCached(id)
	}
	listeners := t.listeners
	t.mu.Unlock()

	if removed {
		notify(listeners, Event{Type: EventRemove, Contact: c})
	}
	return removed
}

// Select implements RouteTable.
func (t *Table) Select(id KUID, count int, mode SelectMode) []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if count <= 0 {
		return []*Contact{}
	}
	h := newContactHeap(id, count)
	for _, b := range t.buckets {
		for _, c := range b.ActiveContacts() {
			if !selectable(c, mode) {
				continue
			}
			h.offer(c)
		}
	}
	return h.sorted()
}

func selectable(c *Contact, mode SelectMode) bool {
	if c.IsDead() {
		return false
	}
	return mode != SelectAlive || c.Status == StatusAlive
}

// ActiveContacts implements RouteTable.
func (t *Table) ActiveContacts() []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Contact
	for _, b := range t.buckets {
		out = append(out, b.ActiveContacts()...)
	}
	return out
}

// CachedContacts implements RouteTable.
func (t *Table) CachedContacts() []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Contact
	for _, b := range t.buckets {
		out = append(out, b.CachedContacts()...)
	}
	return out
}

// HandleFailure implements RouteTable.
func (t *Table) HandleFailure(id KUID, addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handleFailure(t.bucketFor(id), id, addr, t.config.MaxFailures)
}

func handleFailure(b *Bucket, id KUID, addr netip.AddrPort, maxFailures int) {
	c, ok := b.Get(id)
	if !ok || c.Addr != addr || c.HasPriority() {
		return
	}
	failed := c.WithFailure(maxFailures)
	active := b.IsActive(id)
	if failed.IsDead() && !active {
		b.RemoveCached(id)
		return
	}
	b.Update(failed)
	if failed.IsDead() && active && b.CacheSize() > 0 {
		b.RemoveActive(id)
		if b.Promote() == nil {
			// Nothing better to use; keep the dead contact around.
			b.AddActive(failed)
		}
	}
}

// Purge implements RouteTable. Priority contacts are never purged.
func (t *Table) Purge(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for _, b := range t.buckets {
		for _, c := range b.ActiveContacts() {
			if c.HasPriority() || c.IsActive(now, elapsed) {
				continue
			}
			b.RemoveActive(c.ID)
			b.Promote()
		}
	}
}

// Size implements RouteTable.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += b.ActiveSize()
	}
	return n
}

// Clear implements RouteTable.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buckets {
		b.Clear()
	}
}

// AddListener implements RouteTable.
func (t *Table) AddListener(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func notify(listeners []Listener, ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

// contactHeap is a max-heap on distance to target, keeping the count
// closest contacts seen so far.
type contactHeap struct {
	target   KUID
	limit    int
	contacts []*Contact
}

func newContactHeap(target KUID, limit int) *contactHeap {
	return &contactHeap{
		target:   target,
		limit:    limit,
		contacts: make([]*Contact, 0, limit),
	}
}

func (h *contactHeap) Len() int { return len(h.contacts) }

func (h *contactHeap) Less(i, j int) bool {
	// Max-heap: the farthest contact sits at the root.
	return h.contacts[j].ID.CloserTo(h.target, h.contacts[i].ID)
}

func (h *contactHeap) Swap(i, j int) {
	h.contacts[i], h.contacts[j] = h.contacts[j], h.contacts[i]
}

func (h *contactHeap) Push(x any) {
	h.contacts = append(h.contacts, x.(*Contact))
}

func (h *contactHeap) Pop() any {
	old := h.contacts
	n := len(old)
	item := old[n-1]
	h.contacts = old[:n-1]
	return item
}

func (h *contactHeap) offer(c *Contact) {
	if len(h.contacts) < h.limit {
		heap.Push(h, c)
		return
	}
	if c.ID.CloserTo(h.target, h.contacts[0].ID) {
		heap.Pop(h)
		heap.Push(h, c)
	}
}

// sorted drains the heap, closest contact first.
func (h *contactHeap) sorted() []*Contact {
	n := h.Len()
	result := make([]*Contact, n)
	for i := n - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Contact)
	}
	return result
}
