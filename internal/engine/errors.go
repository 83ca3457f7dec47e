package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// SyncError is a terminal failure surfaced through a completion.
//
// Transient and oversized remote errors never appear here: they are
// absorbed by retry and chunking. A SyncError wraps the remote error that
// ended the operation, so remote.CodeOf still works on it.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// BatchID identifies the affected push batch, if any.
	BatchID string

	// RecordType identifies the affected pull chain, if any.
	RecordType record.RecordType

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes terminal sync failures.
type SyncErrorCode string

const (
	// ErrCodeRetriesExhausted indicates a transient failure persisted past
	// the attempt ceiling.
	ErrCodeRetriesExhausted SyncErrorCode = "RETRIES_EXHAUSTED"

	// ErrCodePartialFailure indicates an atomic batch was rejected because
	// some of its items failed.
	ErrCodePartialFailure SyncErrorCode = "PARTIAL_FAILURE"

	// ErrCodePermanent indicates an error that needs re-provisioning
	// (authentication, schema, zone) before any retry can succeed.
	ErrCodePermanent SyncErrorCode = "PERMANENT"

	// ErrCodeCancelled indicates the operation was cancelled. Cancellations
	// caused by teardown are dropped silently; any other reaches the
	// completion as a fatal error.
	ErrCodeCancelled SyncErrorCode = "CANCELLED"

	// ErrCodeUnchunkable indicates a batch stayed oversized after it could
	// not be split any further.
	ErrCodeUnchunkable SyncErrorCode = "UNCHUNKABLE"

	// ErrCodeStopped indicates the engine is not running.
	ErrCodeStopped SyncErrorCode = "STOPPED"

	// ErrCodeApplyFailed indicates a fetched record could not be written
	// to the local store.
	ErrCodeApplyFailed SyncErrorCode = "APPLY_FAILED"
)

// ErrStopped is returned by operations issued while the engine is not
// running.
var ErrStopped = &SyncError{Code: ErrCodeStopped, Message: "engine is not running"}

// Error implements the error interface.
func (e *SyncError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	switch {
	case e.BatchID != "":
		fmt.Fprintf(&b, " (batch=%s)", shortID(e.BatchID))
	case e.RecordType != "":
		fmt.Fprintf(&b, " (type=%s)", e.RecordType)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsRetriesExhausted returns true if the error is a retry-ceiling failure.
// Uses errors.As to handle wrapped errors.
func IsRetriesExhausted(err error) bool {
	return hasCode(err, ErrCodeRetriesExhausted)
}

// IsPartialFailure returns true for an atomic batch rejected as a whole and
// for per-item failures of a non-atomic batch.
func IsPartialFailure(err error) bool {
	var ie *ItemsError
	return hasCode(err, ErrCodePartialFailure) || errors.As(err, &ie)
}

// IsPermanent returns true if the error requires re-provisioning.
func IsPermanent(err error) bool {
	return hasCode(err, ErrCodePermanent)
}

// IsCancelled returns true if the operation was cancelled.
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

// IsUnchunkable returns true if a batch could not be split small enough.
func IsUnchunkable(err error) bool {
	return hasCode(err, ErrCodeUnchunkable)
}

// IsStopped returns true if the engine was not running.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

// ItemsError reports the failed items of a non-atomic batch. The batch's
// other items were accepted and acknowledged.
type ItemsError struct {
	BatchID string
	Items   map[record.RecordRef]*remote.Error
}

// Error implements the error interface.
func (e *ItemsError) Error() string {
	refs := slices.Collect(maps.Keys(e.Items))
	slices.SortFunc(refs, func(a, b record.RecordRef) int {
		return strings.Compare(a.String(), b.String())
	})
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = fmt.Sprintf("%s: %s", r, e.Items[r].Code)
	}
	return fmt.Sprintf("batch %s: %d items failed: %s", shortID(e.BatchID), len(refs), strings.Join(parts, ", "))
}

// PullError aggregates the failed record types of one pull. Types that are
// absent completed successfully.
type PullError struct {
	Failures map[record.RecordType]error
}

// Error implements the error interface.
func (e *PullError) Error() string {
	types := slices.Sorted(maps.Keys(e.Failures))
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%s: %v", t, e.Failures[t])
	}
	return fmt.Sprintf("pull failed for %d record types: %s", len(types), strings.Join(parts, "; "))
}

// Unwrap returns the per-type errors in type order.
func (e *PullError) Unwrap() []error {
	types := slices.Sorted(maps.Keys(e.Failures))
	errs := make([]error, len(types))
	for i, t := range types {
		errs[i] = e.Failures[t]
	}
	return errs
}

// Failed returns the record types that failed, sorted.
func (e *PullError) Failed() []record.RecordType {
	return slices.Sorted(maps.Keys(e.Failures))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
