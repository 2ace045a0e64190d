// ABOUTME: Package card handles agent capability discovery and caching.
// ABOUTME: Cards are fetched from a well-known HTTP path and cached with a TTL.

// Package card implements agent capability descriptors (agent cards), the
// TTL cache that bounds discovery traffic, and the HTTP resolver that
// fetches cards from each agent's well-known endpoint.
package card
