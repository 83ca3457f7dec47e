// Package engine implements the cloudsync reconciliation engine.
//
// The engine moves local mutations to the remote and remote changes into
// the local store. It is built from six parts:
//   - Classifier: maps one remote-call outcome to a Decision
//   - RetryScheduler: defers retries, coalesced per logical operation
//   - push reconciler (Push): batches, chunks and retries writes
//   - pull reconciler (Pull): follows cursor chains per record type
//   - PendingResolver: attaches forward references once targets arrive
//   - resumer: reattaches operations left in flight by a previous process
//
// ARCHITECTURE:
//
// Remote calls never block the caller. Each call runs on its own goroutine
// and posts its outcome to the completion loop, a single goroutine that
// classifies outcomes, advances each operation's state machine and
// delivers completions and events in order. Every operation ends in exactly
// one terminal state: success, fatal, or cancelled (no completion).
//
// Single-Writer Discipline:
// Every local-store mutation (applying fetched records, attaching pending
// relationships, acknowledging pushes, local edits made through a
// SyncObject) runs through the Writer, one task at a time. Reads may run
// concurrently outside it.
//
// Ordering:
//   - Within one record type, page N+1 is requested only after every record
//     of page N was applied and pending relationships were resolved.
//   - Across record types, pulls proceed concurrently.
//   - Retries of one push batch or pull page are serialized through the
//     RetryScheduler; distinct batches run concurrently.
//
// Teardown:
// Stop drops pending retries, abandons in-flight calls and ignores their
// completions.
package engine
