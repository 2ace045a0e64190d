// ABOUTME: Package convstore is the durable per-case conversation state store.
// ABOUTME: Write-ahead logged mutations with checksum verification and recovery.

// Package convstore stores conversation state for customer cases. Every
// mutation is written to an append-only transaction log before the
// addressable record is updated, access is serialized per conversation,
// and reads verify an integrity checksum. A mismatch triggers a recovery
// chain (log replay, then history rebuild, then a marked minimal record)
// so a case is never lost outright. Closed cases are archived with a
// 90-day retention marker.
package convstore
