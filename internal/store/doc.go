// Package store provides the SQLite-backed local object store.
//
// The store holds one row per (record type, primary key) with:
//   - fields: the record payload as canonical JSON
//   - seq: the logical modification stamp, strictly increasing per write
//   - dirty: set by local mutations, cleared when the remote acknowledges
//     the write made at that seq
//   - deleted: a tombstone awaiting remote acknowledgement
//
// Collection properties live in the relations table, one row per attached
// target, ordered by the seq at which the target was attached.
//
// # Ordering
//
// All reads order by seq ASC with primary_key COLLATE BINARY as tiebreaker,
// so results are identical across runs.
//
// # Writers
//
// The store itself does not serialize writers beyond SQLite's single
// connection. The sync engine funnels every mutation through its writer
// loop; reads may run concurrently with it.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
