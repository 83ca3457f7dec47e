package harness

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/cloudsync/internal/adaptor"
	"github.com/roach88/cloudsync/internal/config"
	"github.com/roach88/cloudsync/internal/engine"
	"github.com/roach88/cloudsync/internal/metrics"
	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
	"github.com/roach88/cloudsync/internal/store"
	"github.com/roach88/cloudsync/internal/testutil"
)

// DefaultTimeout bounds each wait for the engine to settle.
const DefaultTimeout = 10 * time.Second

// Option configures a scenario run.
type Option func(*Harness)

// WithDatabase stores local records at path instead of in memory.
func WithDatabase(path string) Option {
	return func(h *Harness) {
		h.dbPath = path
	}
}

// WithLogger routes engine logs and phase transitions to l.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithTimeout bounds each wait for the engine to settle.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// Harness runs one scenario against an in-memory remote and a SQLite
// store. Restarts replace the engine and its tables; the remote and the
// store survive.
type Harness struct {
	cfg     *config.Config
	store   *store.Store
	mem     *remote.Memory
	engine  *engine.Engine
	tables  map[record.RecordType]*adaptor.Table
	metrics *metrics.Observer
	logger  *slog.Logger
	dbPath  string
	timeout time.Duration

	batches *testutil.Labeler
	ops     *testutil.Labeler

	mu        sync.Mutex
	events    []engine.Event
	localSeen int // localChangeReady events received
	localWant int // Local edits that fired the change pipe
	held      bool
	heldWant  int
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh remote and, unless WithDatabase is
// given, a fresh in-memory database. Execution flow:
//  1. Seed the remote and start the engine (reattach, then pull all)
//  2. Run each step and wait for the engine to go idle
//  3. Snapshot remote and local state
//  4. Check the scenario's expectations
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		dbPath:  ":memory:",
		logger:  slog.New(slog.DiscardHandler),
		timeout: DefaultTimeout,
		metrics: metrics.NewObserver(nil),
		batches: testutil.NewLabeler("batch"),
		ops:     testutil.NewLabeler("op"),
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg, err := sc.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	h.cfg = cfg

	st, err := store.Open(h.dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	h.store = st

	var memOpts []remote.MemoryOption
	if sc.Remote.ItemCeiling > 0 {
		memOpts = append(memOpts, remote.WithItemCeiling(sc.Remote.ItemCeiling))
	}
	if sc.Remote.PageSize > 0 {
		memOpts = append(memOpts, remote.WithPageSize(sc.Remote.PageSize))
	}
	h.mem = remote.NewMemory(memOpts...)
	for _, r := range sc.Seed {
		h.mem.Seed(r.remote())
	}

	result := NewResult(sc.Name)
	if err := h.startEngine(ctx); err != nil {
		return nil, err
	}
	defer h.stopEngine()

	start := TraceStep{Op: "start"}
	if err := h.settle(ctx, &start); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	result.Trace = append(result.Trace, start)

	for i, step := range sc.Steps {
		entry := TraceStep{Step: i + 1, Op: step.Op, Target: step.target()}
		if err := h.execute(ctx, step, &entry); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		if err := h.settle(ctx, &entry); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		result.Trace = append(result.Trace, entry)
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, msg := range EvaluateExpect(result, sc.Expect) {
		result.AddError(msg)
	}
	return result, nil
}

// startEngine builds tables and an engine over the shared stores.
func (h *Harness) startEngine(ctx context.Context) error {
	tables := h.cfg.Tables(h.store)
	h.tables = make(map[record.RecordType]*adaptor.Table, len(tables))
	for _, t := range tables {
		h.tables[t.RecordType()] = t
	}

	opts := append(h.cfg.EngineOptions(),
		engine.WithLogger(h.logger),
		engine.WithObserver(h.metrics),
	)
	eng, err := engine.New(h.mem, config.SyncObjects(tables), opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eng.Subscribe(h.collect)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	h.engine = eng
	return nil
}

func (h *Harness) stopEngine() {
	if h.engine != nil {
		h.engine.Stop()
	}
}

// collect records an event. Called on the engine's completion loop.
func (h *Harness) collect(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if ev.Kind == engine.EventLocalChangeReady {
		h.localSeen++
	}
}

// execute runs one step. Failures of the step itself (an unknown record
// type, a missing link owner) are recorded in the trace; the returned
// error aborts the run.
func (h *Harness) execute(ctx context.Context, step Step, entry *TraceStep) error {
	switch step.Op {
	case OpUpsert, OpDelete, OpLink:
		changed, err := h.edit(ctx, step)
		if err != nil {
			entry.Error = err.Error()
			return nil
		}
		if changed {
			h.mu.Lock()
			h.localWant++
			if h.held {
				h.heldWant++
			}
			h.mu.Unlock()
		}

	case OpSeed:
		for _, r := range step.Records {
			h.mem.Seed(r.remote())
		}

	case OpFail:
		errs := make([]error, len(step.Codes))
		for i, code := range step.Codes {
			e := remote.Errorf(remote.Code(code), "injected")
			e.MaxItems = step.MaxItems
			errs[i] = e
		}
		h.mem.FailNext(remote.CallKind(step.Call), errs...)

	case OpReject:
		typ, code := record.RecordType(step.Type), remote.Code(step.Code)
		keys := slices.Clone(step.Keys)
		h.mem.Reject(func(c record.ChangeRecord) *remote.Error {
			if c.Type == typ && slices.Contains(keys, c.Key) {
				return remote.Errorf(code, "rejected %s", c.Key)
			}
			return nil
		})

	case OpHold:
		h.mem.HoldOperations(true)
		h.mu.Lock()
		h.held = true
		h.mu.Unlock()

	case OpPush:
		if err := h.engine.PushPending(ctx, nil); err != nil {
			entry.Error = err.Error()
		}

	case OpPull:
		types := make([]record.RecordType, len(step.Types))
		for i, t := range step.Types {
			types[i] = record.RecordType(t)
		}
		if err := h.engine.Pull(types, nil); err != nil {
			entry.Error = err.Error()
		}

	case OpNotify:
		if err := h.engine.NotifyRemoteChange(); err != nil {
			entry.Error = err.Error()
		}

	case OpRestart:
		h.stopEngine()
		h.mem.HoldOperations(false)
		h.mu.Lock()
		h.held = false
		h.heldWant = 0
		h.mu.Unlock()
		return h.startEngine(ctx)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// edit applies a local mutation through the record type's table. Reports
// whether the change pipe fired.
func (h *Harness) edit(ctx context.Context, step Step) (bool, error) {
	t, ok := h.tables[record.RecordType(step.Type)]
	if !ok {
		return false, fmt.Errorf("no table for record type %q", step.Type)
	}
	switch step.Op {
	case OpUpsert:
		_, err := t.Upsert(ctx, step.Key, record.Fields(step.Fields))
		return err == nil, err
	case OpDelete:
		return t.Delete(ctx, step.Key)
	default:
		_, err := t.Link(ctx, step.Key, step.Property, step.Target)
		return err == nil, err
	}
}

// settle waits for the engine to go idle and moves the collected events
// into entry. While operations are held the engine never goes idle: settle
// then waits until every held submission reached the remote and leaves
// the events for the step that ends the hold.
func (h *Harness) settle(ctx context.Context, entry *TraceStep) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.Lock()
	held := h.held
	h.mu.Unlock()
	if held {
		return h.awaitHeld(ctx)
	}

	if err := h.engine.WaitIdle(ctx); err != nil {
		return fmt.Errorf("wait for idle: %w", err)
	}
	entry.Events = h.drain()
	return nil
}

func (h *Harness) awaitHeld(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.Lock()
		ready := h.localSeen >= h.localWant && len(h.mem.Held()) >= h.heldWant
		h.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for held operations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// drain returns the collected events as trace events. Events of one step
// are ordered by kind, then batch, so concurrent completions trace alike
// on every run.
func (h *Harness) drain() []TraceEvent {
	h.mu.Lock()
	evs := h.events
	h.events = nil
	h.mu.Unlock()

	slices.SortStableFunc(evs, func(a, b engine.Event) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			strings.Compare(a.BatchID, b.BatchID),
			strings.Compare(string(a.RecordType), string(b.RecordType)),
		)
	})

	out := make([]TraceEvent, len(evs))
	for i, ev := range evs {
		out[i] = h.traceEvent(ev)
	}
	return out
}

func (h *Harness) traceEvent(ev engine.Event) TraceEvent {
	te := TraceEvent{
		Kind:      ev.Kind.String(),
		Type:      string(ev.RecordType),
		Batch:     h.batches.Label(ev.BatchID),
		Operation: h.ops.Label(ev.OperationID),
		Upserts:   len(ev.Upserts),
		Deletions: len(ev.Deletions),
		Error:     ErrorCode(ev.Err),
		Failed:    failedItems(ev.Err),
	}
	for _, t := range ev.Types {
		te.Types = append(te.Types, string(t))
	}
	return te
}

// ErrorCode names the category of an operation's outcome: the sync error
// code, PULL_FAILED for a pull with failed types, or the remote code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var pe *engine.PullError
	var ie *engine.ItemsError
	var se *engine.SyncError
	switch {
	case errors.As(err, &pe):
		return "PULL_FAILED"
	case errors.As(err, &ie):
		return string(engine.ErrCodePartialFailure)
	case errors.As(err, &se):
		return string(se.Code)
	}
	if code := remote.CodeOf(err); code != "" {
		return string(code)
	}
	return "UNKNOWN"
}

// failedItems lists the failed record types of a pull or the failed items
// of a non-atomic push.
func failedItems(err error) []string {
	var pe *engine.PullError
	var ie *engine.ItemsError
	switch {
	case errors.As(err, &pe):
		var out []string
		for _, t := range pe.Failed() {
			out = append(out, string(t))
		}
		return out
	case errors.As(err, &ie):
		var out []string
		for ref := range ie.Items {
			out = append(out, ref.String())
		}
		slices.Sort(out)
		return out
	}
	return nil
}

// snapshot records the final remote and local state.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	byKey := func(a, b RecordState) int { return strings.Compare(a.Key, b.Key) }

	for _, rt := range h.cfg.Types {
		var remoteRows []RecordState
		for _, r := range h.mem.Records(rt.Name) {
			remoteRows = append(remoteRows, RecordState{
				Type: r.Type, Key: r.Key, Fields: r.Fields, Refs: r.Refs,
			})
		}
		slices.SortFunc(remoteRows, byKey)
		result.Remote = append(result.Remote, remoteRows...)

		rows, err := h.store.Select(ctx, rt.Name, record.PredicateAll)
		if err != nil {
			return err
		}
		localRows := make([]RecordState, 0, len(rows))
		for _, row := range rows {
			refs, err := h.store.Refs(ctx, row.Ref)
			if err != nil {
				return err
			}
			localRows = append(localRows, RecordState{
				Type: row.Ref.Type, Key: row.Ref.Key, Fields: row.Fields, Refs: refs, Dirty: row.Dirty,
			})
		}
		slices.SortFunc(localRows, byKey)
		result.Local = append(result.Local, localRows...)
	}

	for _, c := range h.mem.Calls() {
		result.Calls[string(c.Kind)]++
	}
	result.Pending = h.engine.Pending().Len()

	counts, err := h.metrics.Snapshot()
	if err != nil {
		return err
	}
	result.Metrics = counts
	return nil
}
