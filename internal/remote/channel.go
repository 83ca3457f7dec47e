package remote

import (
	"context"

	"github.com/roach88/cloudsync/internal/record"
)

// Channel is the remote backend as seen by the engine.
type Channel interface {
	// SubmitBatch writes one batch. Upserts are changed-fields writes keyed
	// by (type, key); deletions of missing records succeed.
	//
	// A long-lived submission is registered with the backend before it is
	// applied; if ctx ends first the backend keeps the operation and reports
	// it through InFlightOperations.
	SubmitBatch(ctx context.Context, b record.Batch) (Result, error)

	// Query fetches one page of records matching the request, streaming each
	// record to each in backend order. It returns the cursor for the next
	// page, or nil after the last page. If each returns an error the page is
	// abandoned and that error is returned.
	Query(ctx context.Context, req QueryRequest, each func(record.RemoteRecord) error) (*record.PullCursor, error)

	// InFlightOperations lists long-lived operations submitted by an earlier
	// process that have not completed.
	InFlightOperations(ctx context.Context) ([]string, error)

	// Reattach waits for the named long-lived operation and returns its
	// outcome. The backend reports each operation's outcome at most once.
	Reattach(ctx context.Context, id string) (Result, error)
}

// QueryRequest is one page request.
type QueryRequest struct {
	Type      record.RecordType
	Predicate record.Predicate

	// Cursor continues a previous page. Nil starts a new chain.
	Cursor *record.PullCursor
}

// Result is the outcome of a batch write.
type Result struct {
	// OperationID identifies a long-lived operation. Empty for plain
	// submissions.
	OperationID string

	// Batch is the batch the backend applied.
	Batch record.Batch

	// Saved and Deleted list the items the backend accepted.
	Saved   []record.RecordRef
	Deleted []record.RecordRef
}
