// Package ttlcache is a size-bounded LRU whose entries also expire a fixed
// time after insertion. Both the geometry and the expression cache use it.
package ttlcache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
)

// Entry is a cached value with its bookkeeping. LastAccessedAt is never
// before CreatedAt.
type Entry[V any] struct {
	Value          V
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	ResultCount    *uint64
	Cost           *float64
}

// Expired reports whether now is strictly past CreatedAt+ttl.
func (e Entry[V]) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

type Option func(*options)

type options struct {
	now  func() time.Time
	name string
}

// WithClock replaces time.Now; tests use it to step over the TTL boundary.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithName labels hit/miss/evict metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

type Cache[K comparable, V any] struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[K, *Entry[V]]
	cap  int
	ttl  time.Duration
	opts options
}

func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	o := options{now: time.Now}
	for _, f := range opts {
		f(&o)
	}
	c := &Cache[K, V]{cap: capacity, ttl: ttl, opts: o}
	l, err := simplelru.NewLRU[K, *Entry[V]](capacity, nil)
	if err != nil {
		panic(err) // only for size <= 0, excluded above
	}
	c.lru = l
	return c
}

func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// Get returns the value when present and not expired, bumping its recency
// and access counters. Expired entries are dropped on the way.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	e, ok := c.GetEntry(k)
	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// GetEntry is Get returning a snapshot of the entry bookkeeping.
func (c *Cache[K, V]) GetEntry(k K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.now()
	e, ok := c.lru.Get(k)
	if ok && e.Expired(now, c.ttl) {
		c.lru.Remove(k)
		ok = false
	}
	if !ok {
		c.observe(false)
		return Entry[V]{}, false
	}
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
	e.AccessCount++
	c.observe(true)
	return *e, true
}

// Put inserts or overwrites k. When the cache is full, expired entries are
// reclaimed first and the least recently used one goes next.
func (c *Cache[K, V]) Put(k K, v V) {
	c.PutEntry(k, v, nil, nil)
}

func (c *Cache[K, V]) PutEntry(k K, v V, resultCount *uint64, cost *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.now()
	if !c.lru.Contains(k) && c.lru.Len() >= c.cap {
		c.reclaimExpired(now)
	}
	evicted := c.lru.Add(k, &Entry[V]{
		Value:          v,
		CreatedAt:      now,
		LastAccessedAt: now,
		ResultCount:    resultCount,
		Cost:           cost,
	})
	if evicted && c.opts.name != "" {
		observability.IncCacheEviction(c.opts.name)
	}
}

func (c *Cache[K, V]) reclaimExpired(now time.Time) {
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.Expired(now, c.ttl) {
			c.lru.Remove(k)
		}
	}
}

func (c *Cache[K, V]) Remove(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(k)
}

// RemoveFunc drops every entry for which match returns true.
func (c *Cache[K, V]) RemoveFunc(match func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && match(k, e.Value) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len counts entries including ones that expired but were not reclaimed yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys lists keys from oldest to newest use.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache[K, V]) observe(hit bool) {
	if c.opts.name == "" {
		return
	}
	if hit {
		observability.IncCacheHit(c.opts.name)
	} else {
		observability.IncCacheMiss(c.opts.name)
	}
}
