// ABOUTME: Resolver fetches agent cards from their well-known endpoint.
// ABOUTME: Discovery happens at most once per endpoint until TTL expiry or refresh.

package card

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/casewire/casewire/internal/fault"
)

// maxCardBytes bounds how much of a card response we are willing to read.
const maxCardBytes = 1 << 20

// Resolver fetches and caches agent cards. Resolve consults the cache
// first; Refresh always fetches and replaces the cached card wholesale.
type Resolver struct {
	cache  *Cache
	client *http.Client
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given cache. A nil httpClient
// falls back to a client with a 10s timeout.
func NewResolver(cache *Cache, httpClient *http.Client, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:  cache,
		client: httpClient,
		logger: logger.With("component", "card"),
	}
}

// Resolve returns the card for an endpoint, fetching it only when the
// cache has no live copy.
func (r *Resolver) Resolve(ctx context.Context, endpoint string) (*Card, error) {
	if c, ok := r.cache.Get(endpoint); ok {
		return c, nil
	}
	return r.Refresh(ctx, endpoint)
}

// Refresh fetches a fresh card for an endpoint, bypassing and replacing
// the cached copy.
func (r *Resolver) Refresh(ctx context.Context, endpoint string) (*Card, error) {
	c, err := r.fetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	r.cache.Put(endpoint, c)
	r.logger.Debug("agent card refreshed",
		"endpoint", endpoint,
		"agent_id", c.AgentID,
		"operations", len(c.Operations),
	)
	return c, nil
}

// fetch retrieves and decodes the card document from the endpoint.
func (r *Resolver) fetch(ctx context.Context, endpoint string) (*Card, error) {
	url := strings.TrimRight(endpoint, "/") + WellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Communication, endpoint, err, "building card request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Communication, endpoint, err, "fetching agent card")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.Communication, endpoint,
			fmt.Sprintf("fetching agent card: unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Communication, endpoint, err, "reading agent card")
	}

	var c Card
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fault.Wrap(fault.Communication, endpoint, err, "decoding agent card")
	}
	if c.AgentID == "" {
		return nil, fault.New(fault.Communication, endpoint, "agent card missing agent_id")
	}

	c.FetchedAt = time.Now()
	return &c, nil
}
