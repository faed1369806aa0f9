// ABOUTME: Thread-safe TTL cache of idempotency keys for turn submissions
// ABOUTME: Tracks whether a keyed request is running or finished and which message it produced

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status is the state of an idempotency key.
type Status int

const (
	// StatusNew means the key was unseen (or expired) and is now claimed by the caller.
	StatusNew Status = iota
	// StatusInFlight means another request with the key is still running.
	StatusInFlight
	// StatusDone means a request with the key already produced a result.
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusInFlight:
		return "in_flight"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	result    int64
}

// Cache is a TTL-based, size-limited set of idempotency keys.
// Insertion order is kept in a list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts a goroutine that drops expired keys every minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin claims key. For StatusDone the stored result is returned too.
// Check and claim happen under one lock so two racing requests cannot both get StatusNew.
func (c *Cache) Begin(key string) (Status, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.live(entry) {
		if entry.done {
			return StatusDone, entry.result
		}
		return StatusInFlight, 0
	}

	c.markLocked(key)
	return StatusNew, 0
}

// Complete records the result for a claimed key and restarts its TTL.
func (c *Cache) Complete(key string, result int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.markLocked(key)
	entry := c.seen[key]
	entry.done = true
	entry.result = result
}

// Forget releases a key so a failed request can be retried with it.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) live(entry *cacheEntry) bool {
	return c.now().Sub(entry.timestamp) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.done = false
		entry.result = 0
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if !c.live(entry) {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
