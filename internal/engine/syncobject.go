package engine

import (
	"context"

	"github.com/roach88/cloudsync/internal/record"
)

// SyncObject is the local-store adaptor for one record type.
//
// The engine owns its SyncObjects for its whole lifetime. Apply, Attach and
// Acknowledge are only called from writer tasks; implementations must not
// call LocalDatabase.Write from them.
type SyncObject interface {
	// RecordType names the record type this object adapts.
	RecordType() record.RecordType

	// Predicate selects the records pulled for this type.
	Predicate() record.Predicate

	// RegisterLocalDatabase is called once during Start, before any pull.
	RegisterLocalDatabase(ctx context.Context, db LocalDatabase) error

	// SetChangePipe installs the hook the object calls after each local
	// mutation. The engine pushes what it receives.
	SetChangePipe(pipe ChangePipe)

	// PendingLocalChanges returns unacknowledged local mutations.
	PendingLocalChanges(ctx context.Context) ([]record.ChangeRecord, []record.RecordRef, error)

	// Apply writes one fetched remote record to local state.
	Apply(ctx context.Context, rec record.RemoteRecord) error

	// Contains reports whether a live record with the key exists locally.
	Contains(ctx context.Context, key string) (bool, error)

	// Attach appends target to the record's collection property. Returns
	// false if it was already attached.
	Attach(ctx context.Context, key, property string, target record.RecordRef) (bool, error)

	// Acknowledge records that the remote accepted these changes.
	Acknowledge(ctx context.Context, saved []record.ChangeRecord, deleted []record.RecordRef) error

	// CleanUp is called when the engine stops.
	CleanUp(ctx context.Context) error
}

// ChangePipe receives the changes produced by one local mutation.
type ChangePipe func(upserts []record.ChangeRecord, deletions []record.RecordRef)

// LocalDatabase is the engine handle given to each SyncObject.
type LocalDatabase interface {
	// Write runs fn on the engine's single writer and waits for it.
	Write(ctx context.Context, fn func(context.Context) error) error

	// RegisterPendingRelationship defers attaching target to the owner's
	// collection property until target exists locally.
	RegisterPendingRelationship(target record.RecordRef, property string, owner record.RecordRef)
}
