// Package store provides the durable storage contract for checkpoints and
// the transaction log, with SQLite and BadgerDB implementations.
//
// The contract has two halves:
//   - KV: opaque blobs partitioned by (category, key), one entity per key
//   - LogStore: transaction log entries keyed by version, plus a single
//     checkpoint marker
//
// # Critical Patterns
//
// Logical ordering only:
//   - Log entries are ordered by version (logical clock), never timestamps
//   - Keys(category) and Entries(from) return results in ascending order
//
// Missing data is explicit:
//   - Get, Delete and DeleteEntry return ErrNotFound for absent keys so
//     callers can tell a lost reference from a storage failure
//
// # SQLite Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: SQLite supports one writer
package store
