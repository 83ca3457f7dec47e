package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// fakeObject is an in-memory SyncObject.
type fakeObject struct {
	typ       record.RecordType
	pred      record.Predicate
	relations map[string]record.RecordType
	lookup    func(record.RecordRef) bool

	mu        sync.Mutex
	records   map[string]record.RemoteRecord
	applied   []string
	attached  map[string][]record.RecordRef // "key.property" → targets
	attaches  int
	ups       []record.ChangeRecord
	dels      []record.RecordRef
	acked     []record.ChangeRecord
	ackedDels []record.RecordRef
	applyErr  error
	cleaned   bool

	db   LocalDatabase
	pipe ChangePipe
}

func newFakeObject(typ record.RecordType) *fakeObject {
	return &fakeObject{
		typ:       typ,
		pred:      record.PredicateAll,
		relations: make(map[string]record.RecordType),
		records:   make(map[string]record.RemoteRecord),
		attached:  make(map[string][]record.RecordRef),
	}
}

func (f *fakeObject) RecordType() record.RecordType { return f.typ }
func (f *fakeObject) Predicate() record.Predicate   { return f.pred }

func (f *fakeObject) RegisterLocalDatabase(_ context.Context, db LocalDatabase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.db = db
	return nil
}

func (f *fakeObject) SetChangePipe(pipe ChangePipe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipe = pipe
}

func (f *fakeObject) PendingLocalChanges(context.Context) ([]record.ChangeRecord, []record.RecordRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ups), slices.Clone(f.dels), nil
}

func (f *fakeObject) Apply(_ context.Context, rec record.RemoteRecord) error {
	f.mu.Lock()
	if f.applyErr != nil {
		f.mu.Unlock()
		return f.applyErr
	}
	f.records[rec.Key] = rec
	f.applied = append(f.applied, rec.Key)
	db := f.db
	f.mu.Unlock()

	for _, property := range slices.Sorted(maps.Keys(rec.Refs)) {
		targetType, ok := f.relations[property]
		if !ok {
			continue
		}
		for _, key := range rec.Refs[property] {
			target := record.RecordRef{Type: targetType, Key: key}
			if f.lookup != nil && f.lookup(target) {
				f.attach(rec.Key, property, target)
				continue
			}
			db.RegisterPendingRelationship(target, property, rec.Ref())
		}
	}
	return nil
}

func (f *fakeObject) Contains(_ context.Context, key string) (bool, error) {
	return f.has(key), nil
}

func (f *fakeObject) Attach(_ context.Context, key, property string, target record.RecordRef) (bool, error) {
	return f.attach(key, property, target), nil
}

func (f *fakeObject) Acknowledge(_ context.Context, saved []record.ChangeRecord, deleted []record.RecordRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, saved...)
	f.ackedDels = append(f.ackedDels, deleted...)
	return nil
}

func (f *fakeObject) CleanUp(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

func (f *fakeObject) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[key]
	return ok
}

func (f *fakeObject) attach(key, property string, target record.RecordRef) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key + "." + property
	if slices.Contains(f.attached[k], target) {
		return false
	}
	f.attached[k] = append(f.attached[k], target)
	f.attaches++
	return true
}

func (f *fakeObject) appliedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.applied)
}

func (f *fakeObject) attachedTo(key, property string) []record.RecordRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.attached[key+"."+property])
}

func (f *fakeObject) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

// recordingObserver keeps every observation.
type recordingObserver struct {
	mu  sync.Mutex
	obs []Observation
}

func (r *recordingObserver) Observe(o Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *recordingObserver) count(tag Tag, phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.obs {
		if o.Tag == tag && o.Phase == phase {
			n++
		}
	}
	return n
}

// eventLog collects engine events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fixture wires an engine to a Memory backend.
type fixture struct {
	t       *testing.T
	mem     *remote.Memory
	engine  *Engine
	objects map[record.RecordType]*fakeObject
	obs     *recordingObserver
	events  *eventLog
}

// fastClassifier retries quickly so tests exercise full retry budgets.
func fastClassifier() Classifier {
	return Classifier{RetryBase: time.Millisecond, RetryMax: 4 * time.Millisecond, MaxItems: record.DefaultMaxItems}
}

func newFixture(t *testing.T, mem *remote.Memory, objs []*fakeObject, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		mem:     mem,
		objects: make(map[record.RecordType]*fakeObject),
		obs:     &recordingObserver{},
		events:  &eventLog{},
	}
	syncObjs := make([]SyncObject, len(objs))
	for i, o := range objs {
		f.objects[o.typ] = o
		o.lookup = f.contains
		syncObjs[i] = o
	}

	base := []Option{
		WithClassifier(fastClassifier()),
		WithObserver(f.obs),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	e, err := New(mem, syncObjs, append(base, opts...)...)
	require.NoError(t, err)
	e.Subscribe(f.events.add)
	f.engine = e
	return f
}

func (f *fixture) contains(ref record.RecordRef) bool {
	o, ok := f.objects[ref.Type]
	return ok && o.has(ref.Key)
}

// start starts the engine and waits for the initial resume and pull.
func (f *fixture) start() {
	f.t.Helper()
	require.NoError(f.t, f.engine.Start(context.Background()))
	f.t.Cleanup(f.engine.Stop)
	f.waitIdle()
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.engine.WaitIdle(ctx))
}

// completions collects completion results.
type completions struct {
	mu   sync.Mutex
	errs []error
}

func (c *completions) fn(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *completions) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.errs)
}

func note(key string, fields record.Fields) record.ChangeRecord {
	return record.ChangeRecord{Type: "Note", Key: key, Fields: fields, Op: record.OpUpsert}
}

func notes(n int) []record.ChangeRecord {
	out := make([]record.ChangeRecord, n)
	for i := range n {
		out[i] = note(fmt.Sprintf("n%03d", i), record.Fields{"i": i})
	}
	return out
}

func remoteNote(key string, fields record.Fields) record.RemoteRecord {
	return record.RemoteRecord{Type: "Note", Key: key, Fields: fields}
}
