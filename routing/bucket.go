package routing

import (
	"slices"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// slot holds the current contact for an id. Contacts are immutable, so a
// status change swaps the pointer without moving the entry in the LRU.
type slot struct {
	contact *Contact
}

// Bucket is a bounded collection of contacts. Active contacts live in an LRU
// map of capacity k; when full, the least recently seen contact is evicted.
// Contacts that do not fit are kept in a bounded replacement cache.
//
// Every active contact is counted exactly once by the bucket's
// ClassfulNetworkCounter. The LRU eviction callback performs the decrement,
// so explicit removals, evictions and Clear all keep the count exact.
//
// Bucket is not safe for concurrent use; the owning route table serializes
// access.
type Bucket struct {
	k       int
	active  *simplelru.LRU[KUID, *slot]
	cache   *simplelru.LRU[KUID, *Contact]
	counter *ClassfulNetworkCounter
}

// NewBucket creates a bucket holding up to k active contacts and cacheSize
// replacement contacts, limited to maxPerNetwork per network class.
func NewBucket(k, cacheSize, maxPerNetwork int) *Bucket {
	if k <= 0 {
		k = 1
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	b := &Bucket{
		k:       k,
		counter: NewClassfulNetworkCounter(maxPerNetwork),
	}
	// NewLRU only fails for non-positive sizes, which are excluded above.
	b.active, _ = simplelru.NewLRU[KUID, *slot](k, func(_ KUID, s *slot) {
		b.counter.DecrementAndGet(s.contact)
	})
	b.cache, _ = simplelru.NewLRU[KUID, *Contact](cacheSize, nil)
	return b
}

// AddActive inserts c as an active contact, or refreshes it and marks it
// most recently used if it is already present. New contacts must pass the
// diversity guard. It returns false if c was rejected.
func (b *Bucket) AddActive(c *Contact) bool {
	if s, ok := b.active.Peek(c.ID); ok {
		if NetworkClass(s.contact.Addr.Addr()) == NetworkClass(c.Addr.Addr()) {
			s.contact = c
			b.active.Get(c.ID)
			return true
		}
		if !b.counter.IsOkayToAdd(c) {
			return false
		}
		b.active.Remove(c.ID)
	} else if !b.counter.IsOkayToAdd(c) {
		return false
	}

	b.cache.Remove(c.ID)
	b.counter.IncrementAndGet(c)
	b.active.Add(c.ID, &slot{contact: c})
	return true
}

// AddCached stores c in the replacement cache.
func (b *Bucket) AddCached(c *Contact) {
	if b.active.Contains(c.ID) {
		return
	}
	b.cache.Add(c.ID, c)
}

// Update swaps the stored contact for id without changing its LRU position.
// The address must match. It returns false if id is unknown.
func (b *Bucket) Update(c *Contact) bool {
	if s, ok := b.active.Peek(c.ID); ok {
		if s.contact.Addr != c.Addr {
			return false
		}
		s.contact = c
		return true
	}
	if old, ok := b.cache.Peek(c.ID); ok {
		if old.Addr != c.Addr {
			return false
		}
		b.cache.Add(c.ID, c)
		return true
	}
	return false
}

// Get returns the active or cached contact with the given id.
func (b *Bucket) Get(id KUID) (*Contact, bool) {
	if s, ok := b.active.Peek(id); ok {
		return s.contact, true
	}
	return b.cache.Peek(id)
}

// GetActive returns the active contact with the given id.
func (b *Bucket) GetActive(id KUID) (*Contact, bool) {
	s, ok := b.active.Peek(id)
	if !ok {
		return nil, false
	}
	return s.contact, true
}

// IsActive reports whether id is an active contact.
func (b *Bucket) IsActive(id KUID) bool {
	return b.active.Contains(id)
}

// RemoveActive removes id from the active contacts.
func (b *Bucket) RemoveActive(id KUID) bool {
	return b.active.Remove(id)
}

// RemoveCached removes id from the replacement cache.
func (b *Bucket) RemoveCached(id KUID) bool {
	return b.cache.Remove(id)
}

// Promote moves the most recently seen cached contact that passes the
// diversity guard into the active set. Cached contacts are tried from most
// to least recent. It returns the promoted contact, or nil.
func (b *Bucket) Promote() *Contact {
	if b.IsActiveFull() {
		return nil
	}
	for _, c := range b.CachedContacts() {
		if c.IsDead() || !b.counter.IsOkayToAdd(c) {
			continue
		}
		b.cache.Remove(c.ID)
		b.counter.IncrementAndGet(c)
		b.active.Add(c.ID, &slot{contact: c})
		return c
	}
	return nil
}

// ActiveContacts returns the active contacts from least to most recently used.
func (b *Bucket) ActiveContacts() []*Contact {
	slots := b.active.Values()
	out := make([]*Contact, len(slots))
	for i, s := range slots {
		out[i] = s.contact
	}
	return out
}

// CachedContacts returns the cached contacts, most recently seen first.
func (b *Bucket) CachedContacts() []*Contact {
	cached := b.cache.Values()
	slices.SortStableFunc(cached, byRecency)
	return cached
}

// LeastRecentlySeenActive returns the oldest active contact.
func (b *Bucket) LeastRecentlySeenActive() (*Contact, bool) {
	_, s, ok := b.active.GetOldest()
	if !ok {
		return nil, false
	}
	return s.contact, true
}

// ActiveSize returns the number of active contacts.
func (b *Bucket) ActiveSize() int {
	return b.active.Len()
}

// CacheSize returns the number of cached contacts.
func (b *Bucket) CacheSize() int {
	return b.cache.Len()
}

// IsActiveFull reports whether the active set holds k contacts.
func (b *Bucket) IsActiveFull() bool {
	return b.active.Len() >= b.k
}

// K returns the active capacity.
func (b *Bucket) K() int {
	return b.k
}

// Counter returns the bucket's diversity counter.
func (b *Bucket) Counter() *ClassfulNetworkCounter {
	return b.counter
}

// Clear removes all contacts.
func (b *Bucket) Clear() {
	b.active.Purge()
	b.cache.Purge()
}
