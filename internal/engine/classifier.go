package engine

import (
	"fmt"
	"time"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// Default classifier settings.
const (
	DefaultRetryBase = 3 * time.Second
	DefaultRetryMax  = 5 * time.Minute
)

// DecisionKind is the action a reconciler takes after one remote call.
type DecisionKind int

const (
	// DecisionSuccess accepts the outcome.
	DecisionSuccess DecisionKind = iota + 1
	// DecisionRetry resubmits the identical request after Wait.
	DecisionRetry
	// DecisionChunk splits the request into pieces of at most MaxItems.
	DecisionChunk
	// DecisionFatal ends the operation with Err.
	DecisionFatal
)

// String implements fmt.Stringer.
func (k DecisionKind) String() string {
	switch k {
	case DecisionSuccess:
		return "success"
	case DecisionRetry:
		return "retry"
	case DecisionChunk:
		return "chunk"
	case DecisionFatal:
		return "fatal"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Decision is the classified outcome of one remote call.
// Produced once per call and consumed immediately; never persisted.
type Decision struct {
	Kind DecisionKind

	// Reason is the remote code that produced the decision.
	Reason remote.Code

	// Wait is the delay before a retry.
	Wait time.Duration

	// MaxItems is the chunk size for DecisionChunk.
	MaxItems int

	// Err is the terminal error for DecisionFatal.
	Err error

	// Failed lists the rejected items of an accepted non-atomic batch.
	Failed map[record.RecordRef]*remote.Error
}

// Request describes the call being classified.
type Request struct {
	// Atomic is true when the batch must succeed or fail as a whole.
	Atomic bool

	// Items is the number of items submitted.
	Items int

	// Attempt counts earlier retries of the same operation; it is the
	// exponent of the default backoff.
	Attempt int
}

// Classifier maps remote-call outcomes to decisions.
//
// Classify is a pure function of its inputs: no I/O, no state.
type Classifier struct {
	// RetryBase is the first default backoff when the backend gives no wait.
	RetryBase time.Duration

	// RetryMax caps the default backoff.
	RetryMax time.Duration

	// MaxItems is the chunk size when the backend suggests none.
	MaxItems int
}

// DefaultClassifier returns a classifier with a 3s base, 5m cap and 300
// item chunks.
func DefaultClassifier() Classifier {
	return Classifier{
		RetryBase: DefaultRetryBase,
		RetryMax:  DefaultRetryMax,
		MaxItems:  record.DefaultMaxItems,
	}
}

// Classify returns exactly one decision for err.
//
// Rules:
//   - nil, or a missing item → Success
//   - transient (network, rate limit, busy) → Retry after the backend's
//     wait, else RetryBase·2^Attempt capped at RetryMax
//   - oversized → Chunk with the backend's max, else MaxItems
//   - partial failure → Fatal for an atomic batch; Success with Failed
//     items otherwise
//   - cancellation → Fatal(CANCELLED)
//   - anything else → Fatal(PERMANENT)
func (c Classifier) Classify(err error, req Request) Decision {
	code := remote.CodeOf(err)
	re, _ := remote.AsError(err)

	switch {
	case err == nil, code == remote.CodeUnknownItem:
		return Decision{Kind: DecisionSuccess, Reason: code}

	case code.Transient():
		wait := c.backoff(req.Attempt)
		if re != nil && re.RetryAfter > 0 {
			wait = re.RetryAfter
		}
		return Decision{Kind: DecisionRetry, Reason: code, Wait: wait}

	case code.Oversized():
		maxItems := c.MaxItems
		if re != nil && re.MaxItems > 0 {
			maxItems = re.MaxItems
		}
		if maxItems <= 0 {
			maxItems = record.DefaultMaxItems
		}
		return Decision{Kind: DecisionChunk, Reason: code, MaxItems: maxItems}

	case code == remote.CodePartialFailure:
		if req.Atomic || re == nil {
			return Decision{Kind: DecisionFatal, Reason: code, Err: &SyncError{
				Code:    ErrCodePartialFailure,
				Message: "atomic batch rejected",
				Err:     err,
			}}
		}
		return Decision{Kind: DecisionSuccess, Reason: code, Failed: re.Items}

	case code == remote.CodeCancelled:
		return Decision{Kind: DecisionFatal, Reason: code, Err: &SyncError{
			Code:    ErrCodeCancelled,
			Message: "operation cancelled",
			Err:     err,
		}}

	default:
		return Decision{Kind: DecisionFatal, Reason: code, Err: &SyncError{
			Code:    ErrCodePermanent,
			Message: "not retried",
			Err:     err,
		}}
	}
}

// backoff computes base·2^attempt, capped.
func (c Classifier) backoff(attempt int) time.Duration {
	base := c.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}
	limit := c.RetryMax
	if limit <= 0 {
		limit = DefaultRetryMax
	}
	wait := base
	for range attempt {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	return min(wait, limit)
}
