// ABOUTME: Tests for the connection pool's handle reuse guarantees.
// ABOUTME: One live handle per endpoint+mode, shared under concurrency.

package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_ReusesHandle(t *testing.T) {
	pool := NewPool(time.Second, 8)
	defer pool.Close()

	a := pool.Get("http://negotiation:9002", ModeUnary)
	b := pool.Get("http://negotiation:9002", ModeUnary)
	assert.Same(t, a, b)
	assert.Equal(t, 1, pool.Len())
}

func TestPool_SeparatesModes(t *testing.T) {
	pool := NewPool(time.Second, 8)
	defer pool.Close()

	unary := pool.Get("http://negotiation:9002", ModeUnary)
	streaming := pool.Get("http://negotiation:9002", ModeStreaming)

	assert.NotSame(t, unary, streaming)
	assert.NotZero(t, unary.Client.Timeout, "unary handles carry the call timeout")
	assert.Zero(t, streaming.Client.Timeout, "streaming handles must not time out overall")
	assert.Equal(t, 2, pool.Len())
}

func TestPool_ConcurrentGetSharesOneHandle(t *testing.T) {
	pool := NewPool(time.Second, 8)
	defer pool.Close()

	const n = 32
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = pool.Get("http://context:9003", ModeUnary)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, handles[0], handles[i], "all concurrent callers must share the handle")
	}
	assert.Equal(t, 1, pool.Len())
}

func TestPool_InvalidateReplacesHandle(t *testing.T) {
	pool := NewPool(time.Second, 8)
	defer pool.Close()

	before := pool.Get("http://negotiation:9002", ModeUnary)
	pool.Invalidate("http://negotiation:9002", ModeUnary)
	after := pool.Get("http://negotiation:9002", ModeUnary)

	assert.NotSame(t, before, after)
}

func TestPool_CloseDropsHandles(t *testing.T) {
	pool := NewPool(time.Second, 8)
	pool.Get("http://a:9001", ModeUnary)
	pool.Get("http://b:9002", ModeStreaming)

	pool.Close()
	assert.Equal(t, 0, pool.Len())
}
