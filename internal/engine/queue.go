package engine

import (
	"context"
	"log/slog"
	"sync"
)

// taskQueue is a thread-safe FIFO queue of tasks.
//
// The queue is unbounded so that completions posted from remote-call
// goroutines never block on a busy loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)
}

// newTaskQueue creates an empty task queue.
func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, fn)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (nil, false) if the queue is empty.
func (q *taskQueue) TryDequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	fn := q.tasks[0]

	// Nil out the slot so the closure's captures can be collected.
	q.tasks[0] = nil

	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	return fn, true
}

// Wait returns a channel that signals when tasks may be available.
// The channel is closed when the queue is closed.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drained reports whether the queue is closed and empty.
func (q *taskQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.tasks) == 0
}

// Close signals that no more tasks will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// loop runs queued tasks one at a time on a single goroutine.
//
// The engine owns two loops: the writer, through which every local-store
// mutation runs, and the completion loop, on which remote-call outcomes are
// classified and user completions are delivered.
type loop struct {
	name  string
	queue *taskQueue
	done  chan struct{}
}

func newLoop(name string) *loop {
	return &loop{
		name:  name,
		queue: newTaskQueue(),
		done:  make(chan struct{}),
	}
}

// Post schedules fn on the loop.
// Returns false if the loop has been closed; fn will never run.
func (l *loop) Post(fn func()) bool {
	return l.queue.Enqueue(fn)
}

// Run executes tasks in FIFO order until ctx is cancelled or the loop is
// closed and drained.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (l *loop) Run(ctx context.Context) error {
	defer close(l.done)
	slog.Debug("loop starting", "loop", l.name)

	for {
		if fn, ok := l.queue.TryDequeue(); ok {
			fn()
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("loop stopping: context cancelled", "loop", l.name)
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes when the queue is closed,
			// which will cause this case to fire immediately
			// A stale signal with an open queue just loops back.
			if l.queue.Drained() {
				slog.Debug("loop stopping: queue closed", "loop", l.name)
				return nil
			}
		}
	}
}

// Close stops accepting tasks. Run returns once queued tasks are drained.
func (l *loop) Close() {
	l.queue.Close()
}

// Done is closed when Run has returned.
func (l *loop) Done() <-chan struct{} {
	return l.done
}

// Writer serializes local-store mutations: every task runs on one goroutine,
// one at a time, in submission order.
type Writer struct {
	loop *loop
}

func newWriter() *Writer {
	return &Writer{loop: newLoop("writer")}
}

// Do runs fn on the writer and waits for it to return.
//
// Do must not be called from inside a writer task: the writer would wait on
// itself. Returns ErrStopped if the writer is closed before fn runs.
func (w *Writer) Do(ctx context.Context, fn func(context.Context) error) error {
	result := make(chan error, 1)
	if !w.loop.Post(func() { result <- fn(ctx) }) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.loop.Done():
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}
