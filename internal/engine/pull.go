package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// pullRun is one Pull call across several record types.
// Only touched on the completion loop.
type pullRun struct {
	types      []record.RecordType
	remaining  int
	failures   map[record.RecordType]error
	completion func(error)
}

// pullChain is the cursor chain of one record type within a run.
// Pages of a chain are strictly sequential: the next page is requested only
// after the previous page's records were applied and resolved.
type pullChain struct {
	id     string
	typ    record.RecordType
	pred   record.Predicate
	obj    SyncObject
	cursor *record.PullCursor
	page   int
	budget *RetryBudget
	run    *pullRun
}

// applyError marks a local failure while applying a fetched record, so it
// is not mistaken for a remote error.
type applyError struct {
	ref record.RecordRef
	err error
}

func (e *applyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.ref, e.err)
}

func (e *applyError) Unwrap() error {
	return e.err
}

// Pull fetches the given record types, every registered type if none are
// given.
//
// Types are fetched concurrently. completion runs once on the completion
// loop after every type reached a terminal state; its error is a
// *PullError naming the failed types, nil if all succeeded. A failed type
// never aborts its siblings. Returns ErrStopped if the engine is not
// running.
func (e *Engine) Pull(types []record.RecordType, completion func(error)) error {
	if !e.running() {
		return ErrStopped
	}
	if len(types) == 0 {
		types = e.order
	}
	types = dedupeTypes(types)

	run := &pullRun{
		types:      types,
		remaining:  len(types),
		failures:   make(map[record.RecordType]error),
		completion: completion,
	}
	e.activity.Add()

	if len(types) == 0 {
		if !e.completions.Post(func() { e.completeRun(run) }) {
			e.activity.Done()
			return ErrStopped
		}
		return nil
	}

	for _, typ := range types {
		obj, ok := e.objects[typ]
		if !ok {
			missing := fmt.Errorf("no sync object for record type %q", typ)
			if !e.completions.Post(func() { e.finishChain(run, typ, missing) }) {
				return ErrStopped
			}
			continue
		}
		e.fetch(&pullChain{
			id:     uuid.Must(uuid.NewV7()).String(),
			typ:    typ,
			pred:   obj.Predicate().Normalize(),
			obj:    obj,
			budget: NewRetryBudget(e.maxAttempts),
			run:    run,
		})
	}
	return nil
}

// fetch requests the chain's current page from its own goroutine. Each
// record is applied through the writer as it streams in; once the page is
// complete, pending relationships are resolved and the outcome is posted
// to the completion loop.
func (e *Engine) fetch(c *pullChain) {
	e.observe(Observation{
		Tag: TagFetch, Phase: PhaseSubmit, Operation: c.id, RecordType: c.typ,
		Items: c.page, Attempt: c.budget.Current(),
	})

	go func() {
		applied := 0
		var next *record.PullCursor
		err := e.limiter.Wait(e.ctx)
		if err == nil {
			req := remote.QueryRequest{Type: c.typ, Predicate: c.pred, Cursor: c.cursor}
			next, err = e.channel.Query(e.ctx, req, func(rec record.RemoteRecord) error {
				werr := e.writer.Do(e.ctx, func(ctx context.Context) error {
					return c.obj.Apply(ctx, rec)
				})
				if werr != nil {
					return &applyError{ref: rec.Ref(), err: werr}
				}
				applied++
				return nil
			})
		}
		if err == nil {
			if _, rerr := e.pending.Resolve(e.ctx); rerr != nil {
				e.logger.Warn("resolve pending relationships failed", "type", c.typ, "error", rerr)
			}
		}
		e.completions.Post(func() { e.handlePage(c, next, applied, err) })
	}()
}

// handlePage advances a chain after one page.
// CRITICAL: Called only on the completion loop.
func (e *Engine) handlePage(c *pullChain, next *record.PullCursor, applied int, err error) {
	if !e.running() {
		return
	}

	var ae *applyError
	if errors.As(err, &ae) {
		if (IsStopped(ae.err) || errors.Is(ae.err, context.Canceled)) && e.tornDown() {
			e.observe(Observation{Tag: TagFetch, Phase: PhaseCancelled, Operation: c.id, RecordType: c.typ})
			return
		}
		e.failChain(c, &SyncError{Code: ErrCodeApplyFailed, Message: "local apply failed", RecordType: c.typ, Err: err})
		return
	}

	d := e.classifier.Classify(err, Request{Atomic: true, Attempt: c.budget.Current()})
	switch d.Kind {
	case DecisionSuccess:
		c.page++
		e.observe(Observation{Tag: TagFetch, Phase: PhasePage, Operation: c.id, RecordType: c.typ, Items: applied})
		if next != nil {
			c.cursor = next
			c.budget.Reset()
			e.fetch(c)
			return
		}
		e.observe(Observation{Tag: TagFetch, Phase: PhaseSuccess, Operation: c.id, RecordType: c.typ, Items: c.page})
		e.finishChain(c.run, c.typ, nil)

	case DecisionRetry:
		if berr := c.budget.Check(c.id); berr != nil {
			e.failChain(c, &SyncError{
				Code: ErrCodeRetriesExhausted, Message: "transient failure persisted",
				RecordType: c.typ, Err: berr,
			})
			return
		}
		e.observe(Observation{
			Tag: TagFetch, Phase: PhaseRetry, Operation: c.id, RecordType: c.typ,
			Attempt: c.budget.Current(), Wait: d.Wait, Err: err,
		})
		// Only the current page is re-issued: earlier pages are committed.
		if !e.scheduler.Schedule(c.id, d.Wait, func() { e.fetch(c) }) {
			e.observe(Observation{Tag: TagFetch, Phase: PhaseCancelled, Operation: c.id, RecordType: c.typ})
		}

	case DecisionChunk:
		e.failChain(c, &SyncError{Code: ErrCodePermanent, Message: "query rejected as oversized", RecordType: c.typ, Err: err})

	case DecisionFatal:
		if IsCancelled(d.Err) && e.tornDown() {
			e.observe(Observation{Tag: TagFetch, Phase: PhaseCancelled, Operation: c.id, RecordType: c.typ})
			return
		}
		e.failChain(c, withType(d.Err, c.typ))
	}
}

func (e *Engine) failChain(c *pullChain, err error) {
	e.observe(Observation{Tag: TagFetch, Phase: PhaseFatal, Operation: c.id, RecordType: c.typ, Err: err})
	e.finishChain(c.run, c.typ, err)
}

// finishChain records a terminal type and completes the run after the last.
// CRITICAL: Called only on the completion loop.
func (e *Engine) finishChain(run *pullRun, typ record.RecordType, err error) {
	if err != nil {
		run.failures[typ] = err
	}
	run.remaining--
	if run.remaining > 0 {
		return
	}
	e.completeRun(run)
}

// completeRun delivers the run's outcome and emits pullCompleted.
// CRITICAL: Called only on the completion loop.
func (e *Engine) completeRun(run *pullRun) {
	var out error
	if len(run.failures) > 0 {
		out = &PullError{Failures: run.failures}
	}
	if run.completion != nil {
		run.completion(out)
	}
	e.subs.publish(Event{Kind: EventPullCompleted, Types: run.types, Err: out})
	e.activity.Done()
}

// NotifyRemoteChange signals that the remote has new changes: it emits
// remoteChangeDetected and pulls every record type; pullCompleted follows.
func (e *Engine) NotifyRemoteChange() error {
	if !e.running() {
		return ErrStopped
	}
	e.observe(Observation{Tag: TagRemoteChange, Phase: PhaseNotify})
	e.completions.Post(func() {
		e.subs.publish(Event{Kind: EventRemoteChangeDetected})
	})
	return e.Pull(nil, nil)
}

func withType(err error, typ record.RecordType) error {
	if se, ok := err.(*SyncError); ok && se.RecordType == "" {
		cp := *se
		cp.RecordType = typ
		return &cp
	}
	return err
}

func dedupeTypes(types []record.RecordType) []record.RecordType {
	seen := make(map[record.RecordType]bool, len(types))
	out := make([]record.RecordType, 0, len(types))
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
