package engine

import (
	"sync"
	"time"
)

// RetryScheduler defers retries without blocking the caller.
//
// Retries are keyed by logical operation: a push batch ID or a pull chain
// ID. While a retry is pending for a key, further requests for that key are
// coalesced. Close drops every pending retry; dropped retries never fire.
type RetryScheduler struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewRetryScheduler creates an open scheduler.
func NewRetryScheduler() *RetryScheduler {
	return &RetryScheduler{pending: make(map[string]*time.Timer)}
}

// Schedule runs fn after wait on its own goroutine.
// Returns false if a retry for key is already pending or the scheduler is
// closed; fn will not run for this request.
func (s *RetryScheduler) Schedule(key string, wait time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.pending[key]; ok {
		return false
	}

	// The callback takes s.mu, so it cannot observe pending before t is stored.
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		s.mu.Lock()
		if s.closed || s.pending[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})
	s.pending[key] = t
	return true
}

// Cancel drops the pending retry for key.
// Returns false if none was pending.
func (s *RetryScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.pending, key)
	return true
}

// Pending returns the number of retries waiting to fire.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close drops all pending retries and rejects new ones.
// Safe to call multiple times.
func (s *RetryScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for key, t := range s.pending {
		t.Stop()
		delete(s.pending, key)
	}
}
