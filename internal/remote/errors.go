package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/cloudsync/internal/record"
)

// Code identifies a backend error category.
type Code string

const (
	// CodeNetworkFailure means the request never reached the backend or the
	// response was lost.
	CodeNetworkFailure Code = "NETWORK_FAILURE"
	// CodeServiceUnavailable means the backend is temporarily down.
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	// CodeRequestRateLimited means the client exceeded its request rate.
	CodeRequestRateLimited Code = "REQUEST_RATE_LIMITED"
	// CodeZoneBusy means the zone is handling too many writes.
	CodeZoneBusy Code = "ZONE_BUSY"

	// CodeLimitExceeded means the request carried too many items.
	CodeLimitExceeded Code = "LIMIT_EXCEEDED"
	// CodePayloadTooLarge means the request body exceeded the size limit.
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"

	// CodePartialFailure means some items of a batch failed.
	// Per-item errors are in Error.Items.
	CodePartialFailure Code = "PARTIAL_FAILURE"

	// CodeNotAuthenticated means the account is signed out.
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	// CodePermissionFailure means the account may not perform the request.
	CodePermissionFailure Code = "PERMISSION_FAILURE"
	// CodeInvalidArguments means the request was malformed: bad predicate,
	// schema mismatch, or a cursor used with a different query.
	CodeInvalidArguments Code = "INVALID_ARGUMENTS"
	// CodeZoneNotFound means the record zone does not exist.
	CodeZoneNotFound Code = "ZONE_NOT_FOUND"
	// CodeUserDeletedZone means the user removed the zone.
	CodeUserDeletedZone Code = "USER_DELETED_ZONE"
	// CodeQuotaExceeded means the account is out of storage.
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"

	// CodeUnknownItem means an item does not exist remotely. For deletions
	// this is a success.
	CodeUnknownItem Code = "UNKNOWN_ITEM"
	// CodeUnknownOperation means a reattach named an operation the backend
	// no longer tracks.
	CodeUnknownOperation Code = "UNKNOWN_OPERATION"
	// CodeCancelled means the request was cancelled by the client.
	CodeCancelled Code = "CANCELLED"
)

// Transient reports whether the code is worth retrying unchanged.
func (c Code) Transient() bool {
	switch c {
	case CodeNetworkFailure, CodeServiceUnavailable, CodeRequestRateLimited, CodeZoneBusy:
		return true
	}
	return false
}

// Oversized reports whether the request must be split before resubmitting.
func (c Code) Oversized() bool {
	return c == CodeLimitExceeded || c == CodePayloadTooLarge
}

// Permanent reports whether the code requires re-provisioning before any
// retry can succeed.
func (c Code) Permanent() bool {
	switch c {
	case CodeNotAuthenticated, CodePermissionFailure, CodeInvalidArguments,
		CodeZoneNotFound, CodeUserDeletedZone, CodeQuotaExceeded:
		return true
	}
	return false
}

// Error is a failure reported by the backend.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// RetryAfter is the backend-suggested wait. Zero means no suggestion.
	RetryAfter time.Duration

	// MaxItems is the backend-suggested item ceiling for oversized
	// requests. Zero means no suggestion.
	MaxItems int

	// Items holds per-item failures for CodePartialFailure.
	Items map[record.RecordRef]*Error
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if len(e.Items) > 0 {
		fmt.Fprintf(&b, " (%d failed items)", len(e.Items))
	}
	return b.String()
}

// FailedRefs returns the identities of the failed items, sorted.
func (e *Error) FailedRefs() []record.RecordRef {
	refs := slices.Collect(maps.Keys(e.Items))
	slices.SortFunc(refs, func(a, b record.RecordRef) int {
		return strings.Compare(a.String(), b.String())
	})
	return refs
}

// AsError extracts a backend error from err.
// Uses errors.As to handle wrapped errors.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// CodeOf returns the backend code carried by err.
//
// Context cancellation maps to CodeCancelled. Any other error that is not a
// backend error is treated as a network failure, since it never produced a
// backend verdict. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if re, ok := AsError(err); ok {
		return re.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeNetworkFailure
}
