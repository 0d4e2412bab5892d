// ABOUTME: Thread-safe TTL set of in-flight dedup markers for inbound deliveries
// ABOUTME: Expiry is by timestamp comparison on access; no background timers

package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// cacheEntry stores the mark time and list element for a cached key.
type cacheEntry struct {
	key       string
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited set of seen delivery keys. Entries are
// kept in mark order (oldest at front) so expired entries are swept from the
// front in O(expired) on every mark and capacity eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a new dedupe cache with the specified TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Key builds the marker key for one transport delivery: the sender address
// and the transport's timestamp for the message.
func Key(sender string, transportTimestamp int64) string {
	return sender + "|" + strconv.FormatInt(transportTimestamp, 10)
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key, now)
	return false
}

// Mark records that a key has been seen.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.now())
}

// Len returns the number of markers currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, now time.Time) {
	c.sweepLocked(now)

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}

	entry := &cacheEntry{key: key, timestamp: now}
	entry.element = c.order.PushBack(entry)
	c.seen[key] = entry
}

// sweepLocked drops expired entries from the front of the order list.
func (c *Cache) sweepLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry, _ := front.Value.(*cacheEntry)
		if entry == nil || now.Sub(entry.timestamp) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry, _ := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	if entry != nil {
		delete(c.seen, entry.key)
	}
}
