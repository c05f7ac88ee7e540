// ABOUTME: Thread-safe TTL cache of claimed signal keys for duplicate absorption
// ABOUTME: Used by agents to drop repeated CONVERSATION_END and TASK_ESCALATE signals

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when New is given zero values.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type claim struct {
	at      time.Time
	element *list.Element
}

// Cache remembers claimed keys for a TTL, bounded by maxSize. The oldest
// claim is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // keys, oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache and starts its background sweeper. Call Close to stop
// the sweeper.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop(min(ttl, time.Minute))
	return c
}

// Claim records key and reports whether this caller is the first to claim
// it within the TTL. A false result means the signal is a duplicate.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cl, ok := c.claims[key]; ok {
		if now.Sub(cl.at) < c.ttl {
			return false
		}
		c.order.Remove(cl.element)
		delete(c.claims, key)
	}

	if len(c.claims) >= c.maxSize {
		c.evictOldest()
	}
	c.claims[key] = &claim{at: now, element: c.order.PushBack(key)}
	return true
}

// Seen reports whether key holds an unexpired claim.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.claims[key]
	return ok && c.now().Sub(cl.at) < c.ttl
}

// Forget drops the claim on key so it can be claimed again. Used when the
// work guarded by a claim failed and should be retried.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok {
		c.order.Remove(cl.element)
		delete(c.claims, key)
	}
}

// Len returns the number of claims held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

// Sweep removes expired claims and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// Claims are ordered by time, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.claims[key].at) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.claims, key)
		removed++
	}
	return removed
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claims, key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
