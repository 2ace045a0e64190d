// ABOUTME: Tests for the agent card TTL cache.
// ABOUTME: Validates TTL expiry, replacement, eviction, invalidation, and concurrency.

package card

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testCard(agentID string, age time.Duration) *Card {
	return &Card{
		AgentID:   agentID,
		Name:      agentID,
		URL:       "http://" + agentID + ":9000",
		FetchedAt: time.Now().Add(-age),
	}
}

func TestCache_GetMiss(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("http://unknown:9000")
	assert.False(t, ok)
}

func TestCache_PutAndGet(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	c := testCard("negotiation", 0)
	cache.Put("http://negotiation:9002", c)

	got, ok := cache.Get("http://negotiation:9002")
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestCache_Expiry(t *testing.T) {
	cache := NewCache(20*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("http://ctx:9003", testCard("context", 0))

	_, ok := cache.Get("http://ctx:9003")
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok = cache.Get("http://ctx:9003")
	assert.False(t, ok, "card should expire after TTL")
}

func TestCache_ReplaceWholesale(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	old := testCard("negotiation", 0)
	cache.Put("http://negotiation:9002", old)

	updated := testCard("negotiation", 0)
	updated.Version = "2"
	cache.Put("http://negotiation:9002", updated)

	got, ok := cache.Get("http://negotiation:9002")
	assert.True(t, ok)
	assert.Same(t, updated, got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := NewCache(5*time.Minute, 2)
	defer cache.Close()

	cache.Put("ep-1", testCard("a", 0))
	cache.Put("ep-2", testCard("b", 0))
	cache.Put("ep-3", testCard("c", 0))

	_, ok := cache.Get("ep-1")
	assert.False(t, ok, "oldest entry should be evicted")

	_, ok = cache.Get("ep-2")
	assert.True(t, ok)
	_, ok = cache.Get("ep-3")
	assert.True(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Put("ep-1", testCard("a", 0))
	cache.Invalidate("ep-1")

	_, ok := cache.Get("ep-1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache(5*time.Minute, 50)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("ep-%d", j%20)
				cache.Put(key, testCard(key, 0))
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 50)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := NewCache(time.Minute, 10)
	cache.Close()
	cache.Close() // must not panic
}
