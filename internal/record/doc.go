// Package record defines the data model shared by every layer of cloudsync.
//
// This package contains value types only. Every other internal package
// imports record; record imports nothing internal. This keeps the model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - A ChangeRecord is identified by (RecordType, Key). Upserts are
//     idempotent by that identity: resending one is always safe.
//   - A Batch is content-addressed. Two batches with identical upserts and
//     deletions share one ID, which is what retry coalescing keys on.
//   - A PullCursor is only meaningful for the (RecordType, Predicate) pair
//     that produced it.
package record
