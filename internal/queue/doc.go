// ABOUTME: Package queue is the durable ordered outbound message queue.
// ABOUTME: Persist-before-ack, per-conversation ordering, capacity backpressure.

// Package queue holds messages bound for the external counterparty until
// they are delivered. A message is durably persisted before Enqueue
// returns, delivery order within one conversation equals enqueue order,
// and a configurable ceiling on outstanding messages rejects further
// enqueues with a backpressure error instead of queuing without bound.
//
// Two implementations exist: a SQLite-backed one that survives process
// restarts, and an in-memory one for tests and ephemeral runs. The
// Dispatcher drains whichever implementation it is given through a
// Deliverer, retrying failures with exponential backoff.
package queue
