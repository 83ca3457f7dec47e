// Package adaptor connects record types in the local store to the sync
// engine.
//
// A Table is the engine.SyncObject for one record type. It exposes the
// local mutation API applications use (Upsert, Delete, Link), routes every
// write through the engine's writer once registered, and reports each
// mutation through the engine's change pipe so it is pushed.
package adaptor
