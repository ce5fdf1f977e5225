package kv

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	writtenAt time.Time
}

// Cache is a bounded in-memory map whose entries expire a fixed duration
// after they were last written. When full, the oldest write is evicted.
// Reads never refresh an entry.
type Cache[K comparable, V any] struct {
	mu   sync.Mutex
	data map[K]*list.Element
	ll   *list.List // front = newest write
	cap  int
	ttl  time.Duration
	now  func() time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewCache returns a cache holding at most capacity entries, each for ttl.
// capacity <= 0 means unbounded and ttl <= 0 means entries never expire.
func NewCache[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		data: make(map[K]*list.Element),
		ll:   list.New(),
		cap:  capacity,
		ttl:  ttl,
		now:  o.now,
	}
}

// Put writes val under key, replacing any previous value and restarting its
// retention window.
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.data[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = val
		e.writtenAt = now
		c.ll.MoveToFront(el)
	} else {
		e := &entry[K, V]{key: key, value: val, writtenAt: now}
		c.data[key] = c.ll.PushFront(e)
	}
	c.expireLocked(now)
	c.evictIfNeeded()
}

// Len counts live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.data)
}

// Snapshot copies every live entry in one atomic read.
func (c *Cache[K, V]) Snapshot() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	out := make(map[K]V, len(c.data))
	for k, el := range c.data {
		out[k] = el.Value.(*entry[K, V]).value
	}
	return out
}

func (c *Cache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.writtenAt) >= c.ttl
}

// expireLocked drops expired entries. The list is ordered by write time so
// the scan stops at the first live entry from the back.
func (c *Cache[K, V]) expireLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		if !c.expired(el.Value.(*entry[K, V]), now) {
			return
		}
		c.removeElement(el)
	}
}

func (c *Cache[K, V]) evictIfNeeded() {
	for c.cap > 0 && len(c.data) > c.cap && c.ll.Back() != nil {
		c.removeElement(c.ll.Back())
	}
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	delete(c.data, e.key)
	c.ll.Remove(el)
}
