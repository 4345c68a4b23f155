// Package store provides SQLite-backed durable storage for a replication
// instance.
//
// The store holds:
//   - Identity: database IDs, instances and their monotonic counters
//   - Records: replicated rows with their record max counters (RMC)
//   - Database max counters (DMC): per-partition synced counters
//   - Certificates, scope definitions and handshake nonces
//   - Sync sessions, transfer sessions and transfer buffers
//
// # Counters
//
// NextCounter increments an instance counter with UPDATE ... RETURNING
// inside an IMMEDIATE transaction. Combined with a single pooled
// connection this serializes increments within the process, and SQLite's
// write lock serializes them across processes.
//
// # Transactions
//
// WithTx hands the callback a Store bound to the transaction; every method
// works the same inside and outside one. Lock contention surfaces as an
// ir TX_ISOLATION_CONFLICT error so callers can retry.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Both github.com/mattn/go-sqlite3 (DriverCGO) and modernc.org/sqlite
// (DriverPureGo) are registered; WithDriver picks one.
package store
