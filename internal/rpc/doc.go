// ABOUTME: Package rpc implements the inter-agent request/streaming protocol.
// ABOUTME: Client manager with discovery, pooling, retry/failover; HTTP serving side.

// Package rpc provides the inter-agent call layer: a connection pool with
// one shared handle per (endpoint, mode), a client manager that discovers
// capabilities before the first call and retries communication failures
// with bounded exponential backoff, and the HTTP serving side each agent
// process mounts to receive calls.
//
// Requests are JSON over POST; streaming responses are newline-delimited
// JSON frames decoded into typed events as they arrive, so consumers never
// buffer a whole stream.
package rpc
