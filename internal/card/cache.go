// ABOUTME: Thread-safe TTL cache for discovered agent cards.
// ABOUTME: Bounds re-discovery traffic; expired or evicted cards are re-fetched.

package card

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the card and the list element for a cached endpoint.
type cacheEntry struct {
	card    *Card
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache of agent cards
// keyed by endpoint URL. Uses a doubly-linked list to maintain insertion
// order for O(1) eviction of the oldest entry.
type Cache struct {
	mu      sync.RWMutex
	cards   map[string]*cacheEntry
	order   *list.List // endpoint keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewCache creates a card cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		cards:   make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached card for an endpoint if present and not expired.
func (c *Cache) Get(endpoint string) (*Card, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cards[endpoint]
	if !ok {
		return nil, false
	}
	if time.Since(entry.card.FetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.card, true
}

// Put stores a card for an endpoint, replacing any previous card. If the
// cache is at capacity the oldest entry is evicted to make room.
func (c *Cache) Put(endpoint string, card *Card) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.cards[endpoint]; exists {
		entry.card = card
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.cards) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(endpoint)
	c.cards[endpoint] = &cacheEntry{card: card, element: elem}
}

// Invalidate removes the cached card for an endpoint, forcing the next
// Resolve to fetch a fresh one.
func (c *Cache) Invalidate(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cards[endpoint]; ok {
		c.order.Remove(entry.element)
		delete(c.cards, endpoint)
	}
}

// Len returns the number of cached cards, including expired ones not yet
// swept by cleanup.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cards)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.cards, key)
}

// cleanup runs in a background goroutine, periodically removing expired
// entries.
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

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.cards {
		if now.Sub(entry.card.FetchedAt) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.cards, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
