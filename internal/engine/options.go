package engine

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxAttempts is the default number of submissions per operation
// before a transient failure becomes RETRIES_EXHAUSTED.
const DefaultMaxAttempts = 5

// DefaultParallelism bounds concurrent reattaches on startup.
const DefaultParallelism = 4

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier replaces the default error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		e.classifier = c
	}
}

// WithMaxAttempts sets the attempt ceiling per push batch and per pull page.
//
// Default: 5 (DefaultMaxAttempts)
// Use WithMaxAttempts(1) to surface the first transient failure.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = max(n, 1)
	}
}

// WithMaxItems sets the chunk size used when the backend rejects a batch as
// oversized without suggesting one.
func WithMaxItems(n int) Option {
	return func(e *Engine) {
		e.classifier.MaxItems = n
	}
}

// WithObserver adds an observer of phase transitions. Transitions are
// always logged through SlogObserver as well.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithLogger sets the logger for engine diagnostics and the default
// SlogObserver.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRateLimit limits remote calls to r per second with the given burst.
// Every submit, query and reattach waits on the limiter. Default: unlimited.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(r, burst)
	}
}

// WithPendingTTL evicts pending relationships older than ttl at the start
// of each resolve pass. Default: 0, entries are kept until resolved.
func WithPendingTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.pendingTTL = ttl
	}
}

// WithParallelism bounds concurrent reattaches on startup.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		e.parallelism = max(n, 1)
	}
}
