// Package store is the persistence adapter: the transaction contract the
// engine consumes and its SQLite implementation.
//
// The SQLite store keeps:
//   - Rows: one table for every entity, attributes as canonical JSON
//   - Transactions: committed transaction ids in commit order
//   - Changes: the net change set of each transaction (audit log)
//
// # Critical Patterns
//
// Optimistic Conflict Detection
//   - Every row carries a version; updates and deletes match on it
//   - A lost race or duplicate insert is PERSISTENCE_CONFLICT
//
// Logical Identity and Time
//   - Ordering uses seq INTEGER, NEVER timestamps
//
// Deterministic Query Results
//   - Row queries ORDER BY id COLLATE BINARY
//   - Change queries ORDER BY seq ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity of the change log
//   - One open connection: overlapping transactions are serialized
package store
