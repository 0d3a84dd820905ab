// Package cache provides the bounded, time-expiring response cache used by
// the planner and workflow runner. Entries expire after a fixed TTL and the
// store holds at most a fixed number of entries, evicting the
// oldest-inserted entry (FIFO, not LRU) when full.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/normanking/orquesta/internal/chat"
)

// keyMessageWindow is how many trailing messages participate in a cache key.
const keyMessageWindow = 4

type entry struct {
	key        string
	value      any
	insertedAt time.Time
	element    *list.Element
}

// Cache is a thread-safe TTL + max-size store. The clock is injectable for
// deterministic tests.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits   uint64
	misses uint64

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given TTL and maximum entry count.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key, evicting the oldest-inserted entry if the
// cache is full. Re-putting an existing key refreshes its value and
// timestamp but keeps its position in the eviction order.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = c.now()
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry))
		}
	}

	e := &entry{key: key, value: value, insertedAt: c.now()}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

// removeLocked deletes an entry. Must be called with mu held.
func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

// Len returns the number of resident entries, including entries that have
// expired but not yet been purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Purge removes all expired entries.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		if now.Sub(ent.insertedAt) > c.ttl {
			c.removeLocked(ent)
		}
		e = next
	}
}

// StartJanitor purges expired entries on the given interval until Close.
func (c *Cache) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Purge()
			case <-c.done:
				return
			}
		}
	}()
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// TurnKey derives a cache key from the last messages of a turn plus a
// discriminator ("planner", or model+shape for workflow results). Image
// payloads never participate: callers skip the cache entirely for turns
// that carry images.
func TurnKey(turn chat.Turn, discriminator string) string {
	h := sha256.New()
	for _, m := range turn.Last(keyMessageWindow) {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	h.Write([]byte(discriminator))
	return hex.EncodeToString(h.Sum(nil))
}
