package remote

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/cloudsync/internal/record"
)

const (
	// DefaultItemCeiling is the most items Memory accepts per request.
	DefaultItemCeiling = 400

	// DefaultPageSize is the number of records per Query page.
	DefaultPageSize = 100
)

// CallKind identifies a Channel method in the call log.
type CallKind string

const (
	CallSubmit    CallKind = "submit"
	CallQuery     CallKind = "query"
	CallEnumerate CallKind = "enumerate"
	CallReattach  CallKind = "reattach"
)

// Call is one entry of the Memory call log.
type Call struct {
	Kind        CallKind
	BatchID     string
	Items       int
	Atomic      bool
	Type        record.RecordType
	Cursor      string
	OperationID string
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithItemCeiling sets the per-request item ceiling.
func WithItemCeiling(n int) MemoryOption {
	return func(m *Memory) {
		m.ceiling = n
	}
}

// WithPageSize sets the number of records returned per page.
func WithPageSize(n int) MemoryOption {
	return func(m *Memory) {
		m.pageSize = n
	}
}

// Memory is an in-process Channel.
//
// Records live in per-type tables that keep insertion order, so pagination
// is deterministic. Faults are injected per call; long-lived operations are
// simulated with HoldOperations.
type Memory struct {
	mu       sync.Mutex
	tables   map[record.RecordType]*memTable
	ceiling  int
	pageSize int

	hold      bool
	held      map[string]record.Batch
	heldIDs   []string
	calls     []Call
	inject    func(Call) error
	failNext  map[CallKind][]error
	reject    func(record.ChangeRecord) *Error
	rejectDel func(record.RecordRef) *Error
}

type memTable struct {
	order []string
	rows  map[string]record.RemoteRecord
}

// NewMemory creates an empty backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tables:   make(map[record.RecordType]*memTable),
		ceiling:  DefaultItemCeiling,
		pageSize: DefaultPageSize,
		held:     make(map[string]record.Batch),
		failNext: make(map[CallKind][]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Inject installs a hook consulted before every call. A non-nil error
// fails the call without touching state.
func (m *Memory) Inject(fn func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inject = fn
}

// FailNext queues errors returned by the next calls of the given kind,
// one per call.
func (m *Memory) FailNext(kind CallKind, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[kind] = append(m.failNext[kind], errs...)
}

// Reject installs a per-item hook for upserts. A non-nil error makes the
// item fail, which fails an atomic batch as a whole and is reported as a
// partial failure for a non-atomic one.
func (m *Memory) Reject(fn func(record.ChangeRecord) *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = fn
}

// RejectDeletions installs the per-item hook for deletions. It follows the
// same rules as Reject.
func (m *Memory) RejectDeletions(fn func(record.RecordRef) *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectDel = fn
}

// HoldOperations makes later submissions long-lived: they are registered in
// flight and block until the caller's context ends, without being applied.
func (m *Memory) HoldOperations(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// Seed stores records directly, bypassing the call log.
func (m *Memory) Seed(recs ...record.RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.put(r.Type, r.Key, r.Fields, r.Refs)
	}
}

// Get returns a stored record.
func (m *Memory) Get(ref record.RecordRef) (record.RemoteRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[ref.Type]
	if !ok {
		return record.RemoteRecord{}, false
	}
	r, ok := t.rows[ref.Key]
	return cloneRecord(r), ok
}

// Records returns every stored record of a type in insertion order.
func (m *Memory) Records(typ record.RecordType) []record.RemoteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[typ]
	if !ok {
		return nil
	}
	out := make([]record.RemoteRecord, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, cloneRecord(t.rows[key]))
	}
	return out
}

// Calls returns a copy of the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CountCalls returns the number of logged calls of one kind.
func (m *Memory) CountCalls(kind CallKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Held returns the operations parked by HoldOperations that have not been
// reattached, in submission order. Unlike InFlightOperations it is not
// logged.
func (m *Memory) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.heldIDs)
}

// SubmitBatch implements Channel.
func (m *Memory) SubmitBatch(ctx context.Context, b record.Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	call := Call{Kind: CallSubmit, BatchID: b.ID, Items: b.Len(), Atomic: b.Atomic}
	if err := m.begin(call); err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	if b.Len() > m.ceiling {
		m.mu.Unlock()
		return Result{}, Errorf(CodeLimitExceeded, "%d items exceeds limit of %d", b.Len(), m.ceiling)
	}
	if !m.hold {
		defer m.mu.Unlock()
		return m.apply(b)
	}

	id := uuid.Must(uuid.NewV7()).String()
	m.held[id] = b
	m.heldIDs = append(m.heldIDs, id)
	m.mu.Unlock()

	<-ctx.Done()
	return Result{OperationID: id}, ctx.Err()
}

// Query implements Channel.
func (m *Memory) Query(ctx context.Context, req QueryRequest, each func(record.RemoteRecord) error) (*record.PullCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pred := req.Predicate.Normalize()

	m.mu.Lock()
	call := Call{Kind: CallQuery, Type: req.Type}
	if req.Cursor != nil {
		call.Cursor = req.Cursor.Token
	}
	if err := m.begin(call); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	page, next, err := m.page(req.Type, pred, req.Cursor)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, r := range page {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := each(r); err != nil {
			return nil, err
		}
	}
	if next < 0 {
		return nil, nil
	}
	return &record.PullCursor{Type: req.Type, Predicate: pred, Token: "o:" + strconv.Itoa(next)}, nil
}

// InFlightOperations implements Channel.
func (m *Memory) InFlightOperations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Kind: CallEnumerate}); err != nil {
		return nil, err
	}
	return slices.Clone(m.heldIDs), nil
}

// Reattach implements Channel. The held operation is applied and forgotten,
// so a second reattach of the same id fails with CodeUnknownOperation.
func (m *Memory) Reattach(ctx context.Context, id string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Kind: CallReattach, OperationID: id}); err != nil {
		return Result{}, err
	}
	b, ok := m.held[id]
	if !ok {
		return Result{}, Errorf(CodeUnknownOperation, "operation %s", id)
	}
	delete(m.held, id)
	m.heldIDs = slices.DeleteFunc(m.heldIDs, func(s string) bool { return s == id })

	res, err := m.apply(b)
	res.OperationID = id
	return res, err
}

// begin logs a call and returns its injected fault, if any.
// Caller must hold m.mu.
func (m *Memory) begin(c Call) error {
	m.calls = append(m.calls, c)
	if q := m.failNext[c.Kind]; len(q) > 0 {
		m.failNext[c.Kind] = q[1:]
		return q[0]
	}
	if m.inject != nil {
		return m.inject(c)
	}
	return nil
}

// apply writes a batch. Caller must hold m.mu.
func (m *Memory) apply(b record.Batch) (Result, error) {
	res := Result{Batch: b}

	failed := make(map[record.RecordRef]*Error)
	if m.reject != nil {
		for _, u := range b.Upserts {
			if e := m.reject(u); e != nil {
				failed[u.Ref()] = e
			}
		}
	}
	if m.rejectDel != nil {
		for _, d := range b.Deletions {
			if e := m.rejectDel(d); e != nil {
				failed[d] = e
			}
		}
	}
	if len(failed) > 0 && b.Atomic {
		return Result{Batch: b}, &Error{
			Code:    CodePartialFailure,
			Message: fmt.Sprintf("atomic batch %s rejected", shortID(b.ID)),
			Items:   failed,
		}
	}

	for _, u := range b.Upserts {
		if _, bad := failed[u.Ref()]; bad {
			continue
		}
		if u.Op == record.OpDelete {
			m.remove(u.Ref())
			res.Deleted = append(res.Deleted, u.Ref())
			continue
		}
		m.put(u.Type, u.Key, u.Fields, u.Refs)
		res.Saved = append(res.Saved, u.Ref())
	}
	for _, d := range b.Deletions {
		if _, bad := failed[d]; bad {
			continue
		}
		m.remove(d)
		res.Deleted = append(res.Deleted, d)
	}

	if len(failed) > 0 {
		return res, &Error{
			Code:    CodePartialFailure,
			Message: fmt.Sprintf("%d of %d items failed", len(failed), b.Len()),
			Items:   failed,
		}
	}
	return res, nil
}

// put merges changed fields into a stored record. Refs replace per property.
func (m *Memory) put(typ record.RecordType, key string, fields record.Fields, refs record.Refs) {
	t, ok := m.tables[typ]
	if !ok {
		t = &memTable{rows: make(map[string]record.RemoteRecord)}
		m.tables[typ] = t
	}
	cur, exists := t.rows[key]
	if !exists {
		t.order = append(t.order, key)
		cur = record.RemoteRecord{Type: typ, Key: key}
	}
	if len(fields) > 0 && cur.Fields == nil {
		cur.Fields = make(record.Fields, len(fields))
	}
	maps.Copy(cur.Fields, fields)
	if len(refs) > 0 {
		if cur.Refs == nil {
			cur.Refs = make(record.Refs, len(refs))
		}
		maps.Copy(cur.Refs, refs.Clone())
	}
	t.rows[key] = cur
}

// remove deletes a record. Missing records are ignored.
func (m *Memory) remove(ref record.RecordRef) {
	t, ok := m.tables[ref.Type]
	if !ok {
		return
	}
	if _, ok := t.rows[ref.Key]; !ok {
		return
	}
	delete(t.rows, ref.Key)
	t.order = slices.DeleteFunc(t.order, func(k string) bool { return k == ref.Key })
}

// page selects the records for one page and returns the offset of the next
// page, or -1 when this is the last. Caller must hold m.mu.
func (m *Memory) page(typ record.RecordType, pred record.Predicate, cursor *record.PullCursor) ([]record.RemoteRecord, int, error) {
	cond, err := pred.Parse()
	if err != nil {
		return nil, 0, Errorf(CodeInvalidArguments, "%v", err)
	}
	offset := 0
	if cursor != nil {
		if !cursor.Matches(typ, pred) {
			return nil, 0, Errorf(CodeInvalidArguments, "cursor for %s %q used with %s %q",
				cursor.Type, cursor.Predicate, typ, pred)
		}
		tok, ok := strings.CutPrefix(cursor.Token, "o:")
		n, err := strconv.Atoi(tok)
		if !ok || err != nil || n < 0 {
			return nil, 0, Errorf(CodeInvalidArguments, "malformed cursor %q", cursor.Token)
		}
		offset = n
	}

	var matched []record.RemoteRecord
	if t, ok := m.tables[typ]; ok {
		for _, key := range t.order {
			if r := t.rows[key]; cond.Match(r.Fields) {
				matched = append(matched, r)
			}
		}
	}
	if offset >= len(matched) {
		return nil, -1, nil
	}
	end := len(matched)
	if m.pageSize > 0 {
		end = min(offset+m.pageSize, len(matched))
	}
	out := make([]record.RemoteRecord, 0, end-offset)
	for _, r := range matched[offset:end] {
		out = append(out, cloneRecord(r))
	}
	if end == len(matched) {
		return out, -1, nil
	}
	return out, end, nil
}

func cloneRecord(r record.RemoteRecord) record.RemoteRecord {
	r.Fields = r.Fields.Clone()
	r.Refs = r.Refs.Clone()
	return r
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
