package engine

import (
	"context"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// pushOp is one in-flight batch. Everything except batch is only touched on
// the completion loop.
type pushOp struct {
	batch    record.Batch
	budget   *RetryBudget
	waiters  []func(error)
	finished bool
	outcome  error
}

// Push submits upserts and deletions as one atomic batch.
//
// completion runs on the completion loop once per terminal batch: when the
// backend forces the batch to be split, it runs once per chunk. A nil
// completion is allowed. Returns ErrStopped if the engine is not running.
func (e *Engine) Push(upserts []record.ChangeRecord, deletions []record.RecordRef, completion func(error)) error {
	return e.PushBatch(record.NewBatch(upserts, deletions), completion)
}

// PushBatch submits a prepared batch, which may be non-atomic. For a
// non-atomic batch with rejected items, the accepted items are acknowledged
// and completion receives an *ItemsError.
func (e *Engine) PushBatch(b record.Batch, completion func(error)) error {
	if !e.running() {
		return ErrStopped
	}
	if completion == nil {
		completion = func(error) {}
	}
	e.activity.Add()

	if b.Empty() {
		// Nothing to send; the degenerate batch succeeds without a round trip.
		if !e.completions.Post(func() {
			e.finishPush(&pushOp{batch: b, waiters: []func(error){completion}}, nil)
		}) {
			e.activity.Done()
		}
		return nil
	}

	e.mu.Lock()
	if op, ok := e.inflight[b.ID]; ok {
		// Same content already in flight: resubmitting it would be a
		// duplicate submission, so wait for its outcome instead.
		e.mu.Unlock()
		if !e.completions.Post(func() {
			if op.finished {
				completion(op.outcome)
			} else {
				op.waiters = append(op.waiters, completion)
			}
			e.activity.Done()
		}) {
			e.activity.Done()
		}
		e.observe(Observation{Tag: TagPush, Phase: PhaseJoin, Operation: b.ID, Items: b.Len()})
		return nil
	}
	op := &pushOp{
		batch:   b,
		budget:  NewRetryBudget(e.maxAttempts),
		waiters: []func(error){completion},
	}
	e.inflight[b.ID] = op
	e.mu.Unlock()

	e.submit(op)
	return nil
}

// PushPending pushes every SyncObject's unacknowledged local changes, one
// batch per record type.
func (e *Engine) PushPending(ctx context.Context, completion func(error)) error {
	if !e.running() {
		return ErrStopped
	}
	for _, typ := range e.order {
		ups, dels, err := e.objects[typ].PendingLocalChanges(ctx)
		if err != nil {
			return err
		}
		if len(ups) == 0 && len(dels) == 0 {
			continue
		}
		if err := e.Push(ups, dels, completion); err != nil {
			return err
		}
	}
	return nil
}

// submit sends the batch from its own goroutine and posts the outcome to
// the completion loop.
func (e *Engine) submit(op *pushOp) {
	e.observe(Observation{
		Tag: TagPush, Phase: PhaseSubmit, Operation: op.batch.ID,
		Items: op.batch.Len(), Attempt: op.budget.Current(),
	})

	go func() {
		var res remote.Result
		err := e.limiter.Wait(e.ctx)
		if err == nil {
			res, err = e.channel.SubmitBatch(e.ctx, op.batch)
		}
		// After teardown the loop rejects the post and the outcome is ignored.
		e.completions.Post(func() { e.handlePush(op, res, err) })
	}()
}

// handlePush advances one batch after a remote outcome.
// CRITICAL: Called only on the completion loop.
func (e *Engine) handlePush(op *pushOp, res remote.Result, err error) {
	if !e.running() {
		return
	}
	b := op.batch
	d := e.classifier.Classify(err, Request{Atomic: b.Atomic, Items: b.Len(), Attempt: op.budget.Current()})

	switch d.Kind {
	case DecisionSuccess:
		e.acknowledge(b, d.Failed)
		var outcome error
		if len(d.Failed) > 0 {
			outcome = &ItemsError{BatchID: b.ID, Items: d.Failed}
		}
		e.observe(Observation{Tag: TagPush, Phase: PhaseSuccess, Operation: b.ID, Items: b.Len() - len(d.Failed), Err: outcome})
		e.finishPush(op, outcome)

	case DecisionRetry:
		if berr := op.budget.Check(b.ID); berr != nil {
			e.failPush(op, &SyncError{
				Code: ErrCodeRetriesExhausted, Message: "transient failure persisted",
				BatchID: b.ID, Err: berr,
			})
			return
		}
		e.observe(Observation{
			Tag: TagPush, Phase: PhaseRetry, Operation: b.ID, Items: b.Len(),
			Attempt: op.budget.Current(), Wait: d.Wait, Err: err,
		})
		if !e.scheduler.Schedule(b.ID, d.Wait, func() { e.submit(op) }) {
			e.cancelPush(op)
		}

	case DecisionChunk:
		e.chunkPush(op, d.MaxItems, err)

	case DecisionFatal:
		if IsCancelled(d.Err) && e.tornDown() {
			e.cancelPush(op)
			return
		}
		e.failPush(op, withBatch(d.Err, b.ID))
	}
}

// chunkPush splits the upserts and pushes each chunk as its own batch.
// Every chunk carries the full deletion set. If the suggested size would
// not split the upserts, it is halved; a batch that cannot be split fails.
func (e *Engine) chunkPush(op *pushOp, maxItems int, cause error) {
	b := op.batch
	if maxItems >= len(b.Upserts) {
		maxItems = len(b.Upserts) / 2
	}
	if maxItems < 1 {
		e.failPush(op, &SyncError{
			Code: ErrCodeUnchunkable, Message: "batch exceeds the item ceiling and cannot be split",
			BatchID: b.ID, Err: cause,
		})
		return
	}

	chunks := record.Chunk(b.Upserts, maxItems)
	e.observe(Observation{Tag: TagPush, Phase: PhaseChunk, Operation: b.ID, Items: len(chunks), Err: cause})

	e.mu.Lock()
	delete(e.inflight, b.ID)
	e.mu.Unlock()

	// Waiters that join the parent late still hear from the remaining chunks.
	fanout := func(err error) {
		for _, w := range op.waiters {
			w(err)
		}
	}
	for _, c := range chunks {
		child := record.NewBatch(c, b.Deletions)
		if !b.Atomic {
			child = child.NonAtomic()
		}
		if err := e.PushBatch(child, fanout); err != nil {
			fanout(err)
		}
	}
	e.activity.Done()
}

// acknowledge hands accepted items to their SyncObjects on the writer.
// Failures are logged: the records stay dirty and are pushed again later.
func (e *Engine) acknowledge(b record.Batch, failed map[record.RecordRef]*remote.Error) {
	saved := make(map[record.RecordType][]record.ChangeRecord)
	deleted := make(map[record.RecordType][]record.RecordRef)
	for _, u := range b.Upserts {
		if _, bad := failed[u.Ref()]; !bad {
			saved[u.Type] = append(saved[u.Type], u)
		}
	}
	for _, d := range b.Deletions {
		if _, bad := failed[d]; !bad {
			deleted[d.Type] = append(deleted[d.Type], d)
		}
	}

	err := e.writer.Do(e.ctx, func(ctx context.Context) error {
		for _, typ := range e.order {
			if len(saved[typ]) == 0 && len(deleted[typ]) == 0 {
				continue
			}
			if err := e.objects[typ].Acknowledge(ctx, saved[typ], deleted[typ]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("acknowledge failed", "batch", shortID(b.ID), "error", err)
	}
}

func (e *Engine) failPush(op *pushOp, err error) {
	e.observe(Observation{Tag: TagPush, Phase: PhaseFatal, Operation: op.batch.ID, Items: op.batch.Len(), Err: err})
	e.finishPush(op, err)
}

// cancelPush drops an operation without a completion. Only used on
// teardown.
func (e *Engine) cancelPush(op *pushOp) {
	e.observe(Observation{Tag: TagPush, Phase: PhaseCancelled, Operation: op.batch.ID})
	e.mu.Lock()
	delete(e.inflight, op.batch.ID)
	e.mu.Unlock()
	e.activity.Done()
}

// finishPush delivers the outcome to every waiter and emits pushCompleted.
// CRITICAL: Called only on the completion loop.
func (e *Engine) finishPush(op *pushOp, err error) {
	e.mu.Lock()
	if e.inflight[op.batch.ID] == op {
		delete(e.inflight, op.batch.ID)
	}
	e.mu.Unlock()

	op.finished, op.outcome = true, err
	for _, w := range op.waiters {
		w(err)
	}
	e.subs.publish(Event{Kind: EventPushCompleted, BatchID: op.batch.ID, Err: err})
	e.activity.Done()
}

func withBatch(err error, batchID string) error {
	if se, ok := err.(*SyncError); ok && se.BatchID == "" {
		cp := *se
		cp.BatchID = batchID
		return &cp
	}
	return err
}
