// Package cache is a TTL cache for computed effective-balance views.
//
// Decay views are pure functions of (persisted balance, now), so they can be
// cached briefly without violating correctness — any write path invalidates
// the affected user's entries. Expiry is tracked with a binary min-heap so
// purging only touches entries that are actually due.
package cache

import (
	"sync"
	"time"
)

// ─── Expiry Heap ────────────────────────────────────────────────────────────
// Binary min-heap ordered by expiry time.
//
// Operations:
//   push:  O(log n) — sift up
//   pop:   O(log n) — sift down (extract soonest expiry)
//   peek:  O(1)

type expiryItem struct {
	key       string
	expiresAt time.Time
}

type expiryHeap struct {
	items []expiryItem
}

func (h *expiryHeap) push(item expiryItem) {
	h.items = append(h.items, item)
	h.siftUp(len(h.items) - 1)
}

func (h *expiryHeap) pop() (expiryItem, bool) {
	if len(h.items) == 0 {
		return expiryItem{}, false
	}
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return top, true
}

func (h *expiryHeap) peek() (expiryItem, bool) {
	if len(h.items) == 0 {
		return expiryItem{}, false
	}
	return h.items[0], true
}

func (h *expiryHeap) less(i, j int) bool {
	return h.items[i].expiresAt.Before(h.items[j].expiresAt)
}

func (h *expiryHeap) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if h.less(idx, parent) {
			h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
			idx = parent
		} else {
			break
		}
	}
}

func (h *expiryHeap) siftDown(idx int) {
	n := len(h.items)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		h.items[idx], h.items[smallest] = h.items[smallest], h.items[idx]
		idx = smallest
	}
}

// ─── Cache ──────────────────────────────────────────────────────────────────

type entry struct {
	value     any
	expiresAt time.Time
	version   uint64
}

// Cache is a thread-safe TTL cache with heap-indexed expiry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	expiry  expiryHeap
	ttl     time.Duration

	// Injectable clock for testing.
	now func() time.Time
}

// New creates a cache with the given default TTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value, or false if absent or expired. Expired
// entries are removed lazily.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value under the default TTL, replacing any existing entry.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores a value with an explicit TTL.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.value = value
	e.expiresAt = expiresAt
	e.version++
	c.expiry.push(expiryItem{key: key, expiresAt: expiresAt})
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix drops every key sharing a prefix. Used to evict all of a
// user's cached views in one call after a balance write.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	now := c.now()
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Purge removes all entries whose TTL has elapsed and returns how many were
// dropped. Heap entries for keys that were overwritten since push are
// detected by expiry mismatch and skipped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for {
		top, ok := c.expiry.peek()
		if !ok || top.expiresAt.After(now) {
			break
		}
		c.expiry.pop()

		e, ok := c.entries[top.key]
		if !ok {
			continue
		}
		if !e.expiresAt.Equal(top.expiresAt) {
			continue // entry was refreshed after this heap item was pushed
		}
		delete(c.entries, top.key)
		purged++
	}
	return purged
}

// Run purges on an interval until ctx-free stop via the returned cancel func.
func (c *Cache) Run(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.Purge()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
