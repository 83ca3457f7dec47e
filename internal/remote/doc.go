// Package remote defines the capability cloudsync consumes from a
// record-oriented backend, and the backend's error taxonomy.
//
// A Channel is asynchronous and batch-oriented from the engine's point of
// view: every call may block on the network, so the engine issues each one
// from its own goroutine and delivers the outcome back on its completion
// loop. Implementations must be safe for concurrent use.
//
// Memory is a complete in-process Channel used by tests, the scenario
// harness and the CLI. It enforces the same per-request item ceiling,
// pagination and long-lived operation semantics a hosted backend does.
package remote
