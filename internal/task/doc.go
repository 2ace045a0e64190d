// ABOUTME: Package task is the multi-tenant isolation and scheduling layer.
// ABOUTME: One task per active customer case, priority order, idle expiry.

// Package task tracks one task per active customer case. Scheduling is
// priority ordered with FIFO fairness inside a band. Tasks that go quiet
// transition to idle and then expired, releasing their resources while
// the durable conversation stays recoverable.
package task
