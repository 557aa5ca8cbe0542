// ABOUTME: TTL cache of inbound delivery keys, bounded in size
// ABOUTME: Drops webhook and sync redeliveries before they reach the router

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL             = 10 * time.Minute
	DefaultMaxSize         = 50_000
	DefaultCleanupInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache remembers keys for a TTL. When full, the least recently marked key
// is evicted first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys, least recently marked at the front
	ttl     time.Duration
	maxSize int

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its expiry loop. Call Close to stop it.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.expireLoop(opts.CleanupInterval)
	return c
}

// Key builds the cache key of a delivery from its channel and provider id.
func Key(channel, id string) string {
	return channel + "/" + id
}

// Seen reports whether key was marked within the TTL and marks it either
// way. Concurrent callers with the same new key see exactly one false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}
	c.mark(key, now)
	return false
}

// Contains reports whether key was marked within the TTL without marking it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// Len returns the number of stored keys, expired ones included until the
// next expiry pass.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// mark must be called with mu held.
func (c *Cache) mark(key string, now time.Time) {
	if e, ok := c.entries[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = &entry{seenAt: now, elem: c.order.PushBack(key)}
}

func (c *Cache) expireLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.stop:
			return
		}
	}
}

// expire drops every key older than the TTL. Keys are ordered by mark time,
// so the walk stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.entries[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the expiry loop. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
