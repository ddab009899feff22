// Package catalog persists pipeline state in SQLite and is the single source
// of truth for records, bands, rotation measurements, per-stage retry
// counters, and work-item leases.
//
// Reads outside a transaction are snapshot reads and never wait on writers.
// Mutations go through Store.WithTx, which opens an immediate transaction and
// retries the whole closure on SQLITE_BUSY, so every read-modify-write is
// atomic at row granularity. Driver failures that mean the database cannot be
// reached are reported as services.ErrStoreUnavailable so callers can pause
// instead of charging work items.
//
// The Tx helpers stay small. The rules that combine them (what a
// stage success or failure does to a record) live in the statemachine
// package.
package catalog
