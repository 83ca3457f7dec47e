package engine

import (
	"errors"
	"fmt"
)

// RetryBudget tracks the retries of one logical operation and enforces the
// attempt ceiling.
//
// Each push batch and each pull page has its own RetryBudget. The
// RetryScheduler itself never bounds retries; reconcilers consult the budget
// before scheduling and escalate to RETRIES_EXHAUSTED once it is spent.
//
// Not safe for concurrent use: a budget is only touched on the completion
// loop.
type RetryBudget struct {
	maxRetries int // Maximum allowed retries for this operation
	current    int // Retries so far
}

// NewRetryBudget creates a budget allowing maxAttempts submissions in
// total, that is maxAttempts-1 retries.
func NewRetryBudget(maxAttempts int) *RetryBudget {
	return &RetryBudget{
		maxRetries: max(maxAttempts-1, 0),
	}
}

// Check increments the retry counter and validates against the limit.
//
// Returns RetriesExceededError if the operation may not be retried again.
func (b *RetryBudget) Check(operation string) error {
	b.current++
	if b.current > b.maxRetries {
		return &RetriesExceededError{
			Operation: operation,
			Attempts:  b.current,
			Limit:     b.maxRetries + 1,
		}
	}
	return nil
}

// Reset resets the retry counter to 0.
// Pull chains reset it after every successful page.
func (b *RetryBudget) Reset() {
	b.current = 0
}

// Current returns the number of retries so far.
// Also the exponent for default backoff.
func (b *RetryBudget) Current() int {
	return b.current
}

// MaxAttempts returns the total attempt ceiling.
func (b *RetryBudget) MaxAttempts() int {
	return b.maxRetries + 1
}

// RetriesExceededError is returned when an operation fails transiently on
// every allowed attempt.
type RetriesExceededError struct {
	Operation string // The batch or pull chain that was retried
	Attempts  int    // Number of attempts made
	Limit     int    // Maximum allowed attempts
}

// Error implements the error interface.
func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("operation %s failed on all %d attempts (limit %d)",
		shortID(e.Operation), e.Attempts, e.Limit)
}

// IsRetriesExceededError returns true if the error is a RetriesExceededError.
// Uses errors.As to handle wrapped errors.
func IsRetriesExceededError(err error) bool {
	var re *RetriesExceededError
	return errors.As(err, &re)
}
