// Package store provides SQLite-backed durable storage for gradelock.
//
// The store holds:
//   - Courses: short names used by scheduled-job pattern filters
//   - Categories: the grading hierarchy (parent pointer + materialized path)
//   - Items: leaf items and category proxies, each with its own lock flag
//   - Scheduled jobs: deferred lock/unlock requests, deleted once executed
//   - Run logs: append-only audit of completed requests
//   - Settings: reconciliation tracker high-water marks
//   - Scheduler locks: expiring lease rows for the reconciliation pass
//
// # Unit of Work
//
// Every propagation, every scheduled job and every catch-up batch runs inside
// one InTx call. Errors (and panics) roll the transaction back, so partial
// writes are never visible to concurrent readers. Tx.Savepoint isolates a
// single item inside a larger transaction.
//
// # Paths
//
// InsertCategory maintains categories.path ("/1/23/456/", root to self).
// The engine trusts the path and never repairs it.
//
// # Time
//
// Timestamps are stored as INTEGER Unix seconds; 0 means absent.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
