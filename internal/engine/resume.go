package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/cloudsync/internal/remote"
)

// resume reattaches to long-lived operations left in flight by an earlier
// process. Each identifier gets exactly one reattach attempt; a failure is
// logged and skipped. Returns the number of identifiers attempted.
func (e *Engine) resume(ctx context.Context) int {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0
	}
	ids, err := e.channel.InFlightOperations(ctx)
	if err != nil {
		e.observe(Observation{Tag: TagSyncEngine, Phase: PhaseSkip, Err: err})
		return 0
	}

	seen := make(map[string]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	n := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n++
		g.Go(func() error {
			e.reattach(ctx, id)
			return nil
		})
	}
	_ = g.Wait() // reattach never returns an error: failures are skipped
	return n
}

// reattach makes one reattach attempt and posts the outcome.
func (e *Engine) reattach(ctx context.Context, id string) {
	e.activity.Add()
	var res remote.Result
	err := e.limiter.Wait(ctx)
	if err == nil {
		res, err = e.channel.Reattach(ctx, id)
	}
	if !e.completions.Post(func() { e.handleReattach(id, res, err) }) {
		e.activity.Done()
	}
}

// handleReattach delivers one reattached operation's outcome exactly once.
// CRITICAL: Called only on the completion loop.
func (e *Engine) handleReattach(id string, res remote.Result, err error) {
	defer e.activity.Done()
	if !e.running() {
		return
	}

	// These say nothing about the operation itself, only that this attempt
	// to reach it failed.
	code := remote.CodeOf(err)
	if err != nil && (code == remote.CodeUnknownOperation || code == remote.CodeCancelled || code.Transient()) {
		e.observe(Observation{Tag: TagSyncEngine, Phase: PhaseSkip, Operation: id, Err: err})
		return
	}

	b := res.Batch
	d := e.classifier.Classify(err, Request{Atomic: b.Atomic, Items: b.Len()})
	var outcome error
	switch {
	case d.Kind == DecisionSuccess:
		e.acknowledge(b, d.Failed)
		if len(d.Failed) > 0 {
			outcome = &ItemsError{BatchID: b.ID, Items: d.Failed}
		}
	case d.Err != nil:
		outcome = withBatch(d.Err, b.ID)
	default:
		outcome = &SyncError{Code: ErrCodePermanent, Message: "reattached operation failed", BatchID: b.ID, Err: err}
	}

	e.observe(Observation{Tag: TagSyncEngine, Phase: PhaseReattach, Operation: id, Items: b.Len(), Err: outcome})
	e.subs.publish(Event{Kind: EventPushCompleted, BatchID: b.ID, OperationID: id, Err: outcome})
}
