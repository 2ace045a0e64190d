// ABOUTME: Package agent composes the substrate into one runnable agent process.
// ABOUTME: Store, queue, dispatcher, task manager, client manager, RPC server.

// Package agent wires the casewire components into a single service
// process. The configured role decides which operations the process
// exposes to its peers: the coordinator delegates cases and reports
// status, the negotiation agent streams negotiation rounds, and the
// context agent answers policy lookups. The operation handlers are
// deliberately thin; the reasoning that decides what to say lives
// outside this system.
package agent
