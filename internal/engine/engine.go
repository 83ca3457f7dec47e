package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// Engine reconciles local SyncObjects with a remote Channel.
//
// Thread-safety model:
//   - Push, PushBatch, PushPending, Pull, NotifyRemoteChange, Subscribe:
//     safe from any goroutine, never block on the network
//   - completions and subscribers run on the completion loop, one at a time,
//     in order; they must not call Stop or WaitIdle
//   - local-store mutations run on the writer, one at a time
//
// Lifecycle: New → Start → ... → Stop. An engine cannot be restarted.
type Engine struct {
	channel remote.Channel
	objects map[record.RecordType]SyncObject
	order   []record.RecordType // Registration order

	classifier  Classifier
	maxAttempts int
	observers   Observers
	observer    Observer
	logger      *slog.Logger
	limiter     *rate.Limiter
	pendingTTL  time.Duration
	parallelism int

	writer      *Writer
	completions *loop
	scheduler   *RetryScheduler
	pending     *PendingResolver
	subs        *subscribers
	activity    *activity

	mu       sync.Mutex
	inflight map[string]*pushOp // Push operations by batch ID

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates an engine for the given channel and SyncObjects.
// Record types must be unique.
//
// Options can be passed to configure the engine (e.g., WithMaxAttempts).
func New(channel remote.Channel, objects []SyncObject, opts ...Option) (*Engine, error) {
	e := &Engine{
		channel:     channel,
		objects:     make(map[record.RecordType]SyncObject, len(objects)),
		classifier:  DefaultClassifier(),
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		limiter:     rate.NewLimiter(rate.Inf, 0),
		parallelism: DefaultParallelism,
		writer:      newWriter(),
		completions: newLoop("completions"),
		scheduler:   NewRetryScheduler(),
		subs:        newSubscribers(),
		activity:    newActivity(),
		inflight:    make(map[string]*pushOp),
	}
	for _, obj := range objects {
		typ := obj.RecordType()
		if _, dup := e.objects[typ]; dup {
			return nil, fmt.Errorf("duplicate sync object for record type %q", typ)
		}
		e.objects[typ] = obj
		e.order = append(e.order, typ)
	}

	for _, opt := range opts {
		opt(e)
	}

	e.observer = append(Observers{SlogObserver{Logger: e.logger}}, e.observers...)
	e.pending = newPendingResolver(e.objects, e.writer, e.observer, e.pendingTTL)
	return e, nil
}

// Start runs the engine.
//
// It starts the writer and completion loops, registers the local database
// with every SyncObject, installs their change pipes, then in the
// background reattaches in-flight operations and pulls every record type.
// Cancelling ctx stops the loops; call Stop to tear down fully.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.loops.Add(2)
	go func() {
		defer e.loops.Done()
		e.writer.loop.Run(e.ctx)
	}()
	go func() {
		defer e.loops.Done()
		e.completions.Run(e.ctx)
	}()

	db := localDatabase{e: e}
	for _, typ := range e.order {
		obj := e.objects[typ]
		if err := obj.RegisterLocalDatabase(ctx, db); err != nil {
			e.Stop()
			return fmt.Errorf("register local database for %s: %w", typ, err)
		}
		obj.SetChangePipe(func(ups []record.ChangeRecord, dels []record.RecordRef) {
			e.localChange(typ, ups, dels)
		})
	}

	e.observe(Observation{Tag: TagSyncEngine, Phase: PhaseStart, Items: len(e.order)})

	e.activity.Add()
	go func() {
		defer e.activity.Done()
		e.resume(e.ctx)
		if err := e.Pull(nil, nil); err != nil && !IsStopped(err) {
			e.logger.Warn("initial pull failed", "error", err)
		}
	}()
	return nil
}

// Stop tears the engine down. Pending retries are dropped and never fire,
// in-flight remote calls are abandoned and their completions ignored,
// subscribers are removed, and every SyncObject is cleaned up.
//
// Stop is idempotent. It must not be called from a completion or
// subscriber.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.scheduler.Close()
		if e.cancel != nil {
			e.cancel()
		}
		e.writer.loop.Close()
		e.completions.Close()
		e.loops.Wait()
		e.subs.clear()

		for _, typ := range e.order {
			if err := e.objects[typ].CleanUp(context.Background()); err != nil {
				e.logger.Warn("clean up failed", "type", typ, "error", err)
			}
		}
		e.observe(Observation{Tag: TagSyncEngine, Phase: PhaseStop})
	})
}

// Subscribe registers fn for emitted events and returns its unsubscribe
// func. Events are delivered on the completion loop in order.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.subs.add(fn)
}

// WaitIdle blocks until no push, pull or reattach is in progress, including
// operations waiting on a scheduled retry.
func (e *Engine) WaitIdle(ctx context.Context) error {
	if !e.running() {
		return ErrStopped
	}
	select {
	case <-e.activity.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.completions.Done():
		return ErrStopped
	}
}

// Pending returns the resolver holding unresolved relationships.
func (e *Engine) Pending() *PendingResolver {
	return e.pending
}

// Scheduler returns the retry scheduler.
func (e *Engine) Scheduler() *RetryScheduler {
	return e.scheduler
}

// RecordTypes returns the registered record types in registration order.
func (e *Engine) RecordTypes() []record.RecordType {
	return append([]record.RecordType(nil), e.order...)
}

func (e *Engine) running() bool {
	return e.started.Load() && !e.stopped.Load()
}

// tornDown reports whether a cancellation came from the engine itself. A
// cancellation while the engine is still live is an ordinary failure.
func (e *Engine) tornDown() bool {
	return !e.running() || e.ctx.Err() != nil
}

func (e *Engine) observe(o Observation) {
	e.observer.Observe(o)
}

// localChange handles a SyncObject's change pipe: emit localChangeReady,
// then push the changes.
func (e *Engine) localChange(typ record.RecordType, ups []record.ChangeRecord, dels []record.RecordRef) {
	if !e.running() {
		return
	}
	e.completions.Post(func() {
		e.subs.publish(Event{Kind: EventLocalChangeReady, RecordType: typ, Upserts: ups, Deletions: dels})
	})
	if err := e.Push(ups, dels, nil); err != nil {
		e.logger.Warn("push local change failed", "type", typ, "error", err)
	}
}

// localDatabase is the LocalDatabase handed to SyncObjects.
type localDatabase struct {
	e *Engine
}

// Write implements LocalDatabase.
func (db localDatabase) Write(ctx context.Context, fn func(context.Context) error) error {
	return db.e.writer.Do(ctx, fn)
}

// RegisterPendingRelationship implements LocalDatabase.
func (db localDatabase) RegisterPendingRelationship(target record.RecordRef, property string, owner record.RecordRef) {
	db.e.pending.Register(target, property, owner)
}
