// ABOUTME: Tests for the agent card resolver over httptest servers.
// ABOUTME: Validates discover-once caching, refresh, and fetch error handling.

package card

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/internal/fault"
)

func newCardServer(t *testing.T, hits *atomic.Int64, card Card) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(card)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_DiscoverOnce(t *testing.T) {
	var hits atomic.Int64
	srv := newCardServer(t, &hits, Card{
		AgentID: "negotiation-1",
		Name:    "negotiation",
		Role:    "negotiation",
		Operations: []Operation{
			{Name: "negotiate", Streaming: true},
		},
	})

	cache := NewCache(5*time.Minute, 10)
	defer cache.Close()
	resolver := NewResolver(cache, srv.Client(), nil)

	first, err := resolver.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "negotiation-1", first.AgentID)

	// Repeated resolves within the TTL hit the cache, not the network
	for i := 0; i < 5; i++ {
		again, err := resolver.Resolve(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Same(t, first, again, "cached card identity must be stable")
	}
	assert.Equal(t, int64(1), hits.Load(), "discovery should hit the network exactly once")

	supported, streaming := first.Supports("negotiate")
	assert.True(t, supported)
	assert.True(t, streaming)
}

func TestResolver_RefreshBypassesCache(t *testing.T) {
	var hits atomic.Int64
	srv := newCardServer(t, &hits, Card{AgentID: "context-1", Name: "context"})

	cache := NewCache(5*time.Minute, 10)
	defer cache.Close()
	resolver := NewResolver(cache, srv.Client(), nil)

	_, err := resolver.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = resolver.Refresh(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int64(2), hits.Load())
}

func TestResolver_FetchAfterExpiry(t *testing.T) {
	var hits atomic.Int64
	srv := newCardServer(t, &hits, Card{AgentID: "coordinator-1"})

	cache := NewCache(20*time.Millisecond, 10)
	defer cache.Close()
	resolver := NewResolver(cache, srv.Client(), nil)

	_, err := resolver.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = resolver.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load(), "expired card should be re-fetched")
}

func TestResolver_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := NewCache(time.Minute, 10)
	defer cache.Close()
	resolver := NewResolver(cache, srv.Client(), nil)

	_, err := resolver.Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Communication))
}

func TestResolver_MissingAgentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name": "anonymous"}`))
	}))
	defer srv.Close()

	cache := NewCache(time.Minute, 10)
	defer cache.Close()
	resolver := NewResolver(cache, srv.Client(), nil)

	_, err := resolver.Resolve(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestResolver_UnreachableEndpoint(t *testing.T) {
	cache := NewCache(time.Minute, 10)
	defer cache.Close()
	resolver := NewResolver(cache, &http.Client{Timeout: 100 * time.Millisecond}, nil)

	_, err := resolver.Resolve(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Communication))
}
