package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudsync/internal/record"
)

func note(key string, fields record.Fields) record.ChangeRecord {
	return record.ChangeRecord{Type: "Note", Key: key, Fields: fields, Op: record.OpUpsert}
}

func collect(t *testing.T, m *Memory, req QueryRequest) ([]string, *record.PullCursor) {
	t.Helper()
	var keys []string
	next, err := m.Query(context.Background(), req, func(r record.RemoteRecord) error {
		keys = append(keys, r.Key)
		return nil
	})
	require.NoError(t, err)
	return keys, next
}

func TestMemory_SubmitMergesChangedFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.SubmitBatch(ctx, record.NewBatch([]record.ChangeRecord{
		note("n1", record.Fields{"title": "a", "body": "x"}),
	}, nil))
	require.NoError(t, err)

	res, err := m.SubmitBatch(ctx, record.NewBatch([]record.ChangeRecord{
		note("n1", record.Fields{"title": "b"}),
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, []record.RecordRef{{Type: "Note", Key: "n1"}}, res.Saved)

	got, ok := m.Get(record.RecordRef{Type: "Note", Key: "n1"})
	require.True(t, ok)
	assert.Equal(t, record.Fields{"title": "b", "body": "x"}, got.Fields)
	assert.Len(t, m.Records("Note"), 1, "upsert by key must not duplicate")
}

func TestMemory_DeleteMissingIsNoop(t *testing.T) {
	m := NewMemory()
	res, err := m.SubmitBatch(context.Background(), record.NewBatch(nil, []record.RecordRef{{Type: "Note", Key: "ghost"}}))
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 1)
}

func TestMemory_ItemCeiling(t *testing.T) {
	m := NewMemory(WithItemCeiling(3))
	ups := []record.ChangeRecord{note("a", nil), note("b", nil), note("c", nil), note("d", nil)}

	_, err := m.SubmitBatch(context.Background(), record.NewBatch(ups, nil))
	require.Error(t, err)
	assert.Equal(t, CodeLimitExceeded, CodeOf(err))
	assert.Empty(t, m.Records("Note"))

	_, err = m.SubmitBatch(context.Background(), record.NewBatch(ups[:3], nil))
	require.NoError(t, err)
}

func TestMemory_RejectAtomicAppliesNothing(t *testing.T) {
	m := NewMemory()
	m.Reject(func(c record.ChangeRecord) *Error {
		if c.Key == "bad" {
			return Errorf(CodeInvalidArguments, "bad field")
		}
		return nil
	})
	b := record.NewBatch([]record.ChangeRecord{note("good", nil), note("bad", nil)}, nil)

	_, err := m.SubmitBatch(context.Background(), b)
	re, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodePartialFailure, re.Code)
	assert.Equal(t, []record.RecordRef{{Type: "Note", Key: "bad"}}, re.FailedRefs())
	assert.Empty(t, m.Records("Note"))

	res, err := m.SubmitBatch(context.Background(), b.NonAtomic())
	assert.Equal(t, CodePartialFailure, CodeOf(err))
	assert.Equal(t, []record.RecordRef{{Type: "Note", Key: "good"}}, res.Saved)
	assert.Len(t, m.Records("Note"), 1)
}

func TestMemory_RejectDeletions(t *testing.T) {
	m := NewMemory()
	m.Seed(
		record.RemoteRecord{Type: "Note", Key: "d1"},
		record.RemoteRecord{Type: "Note", Key: "d2"},
	)
	m.RejectDeletions(func(ref record.RecordRef) *Error {
		if ref.Key == "d1" {
			return Errorf(CodePermissionFailure, "read only")
		}
		return nil
	})
	b := record.NewBatch(nil, []record.RecordRef{{Type: "Note", Key: "d1"}, {Type: "Note", Key: "d2"}})

	_, err := m.SubmitBatch(context.Background(), b)
	assert.Equal(t, CodePartialFailure, CodeOf(err))
	assert.Len(t, m.Records("Note"), 2, "atomic batch applies nothing")

	res, err := m.SubmitBatch(context.Background(), b.NonAtomic())
	re, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, []record.RecordRef{{Type: "Note", Key: "d1"}}, re.FailedRefs())
	assert.Equal(t, []record.RecordRef{{Type: "Note", Key: "d2"}}, res.Deleted)
	_, kept := m.Get(record.RecordRef{Type: "Note", Key: "d1"})
	assert.True(t, kept)
}

func TestMemory_QueryPaginates(t *testing.T) {
	m := NewMemory(WithPageSize(2))
	for i := range 5 {
		m.Seed(record.RemoteRecord{Type: "Note", Key: fmt.Sprintf("n%d", i)})
	}

	req := QueryRequest{Type: "Note"}
	var pages [][]string
	for {
		keys, next := collect(t, m, req)
		pages = append(pages, keys)
		if next == nil {
			break
		}
		req.Cursor = next
	}
	assert.Equal(t, [][]string{{"n0", "n1"}, {"n2", "n3"}, {"n4"}}, pages)
	assert.Equal(t, 3, m.CountCalls(CallQuery))
}

func TestMemory_QueryPredicate(t *testing.T) {
	m := NewMemory()
	m.Seed(
		record.RemoteRecord{Type: "Note", Key: "a", Fields: record.Fields{"folder": "work"}},
		record.RemoteRecord{Type: "Note", Key: "b", Fields: record.Fields{"folder": "home"}},
		record.RemoteRecord{Type: "Note", Key: "c", Fields: record.Fields{"folder": "work"}},
	)
	keys, next := collect(t, m, QueryRequest{Type: "Note", Predicate: `folder == "work"`})
	assert.Equal(t, []string{"a", "c"}, keys)
	assert.Nil(t, next)

	_, err := m.Query(context.Background(), QueryRequest{Type: "Note", Predicate: "folder ="}, func(record.RemoteRecord) error { return nil })
	assert.Equal(t, CodeInvalidArguments, CodeOf(err))
}

func TestMemory_QueryRejectsForeignCursor(t *testing.T) {
	m := NewMemory()
	cursor := &record.PullCursor{Type: "Folder", Predicate: "true", Token: "o:1"}
	_, err := m.Query(context.Background(), QueryRequest{Type: "Note", Cursor: cursor}, func(record.RemoteRecord) error { return nil })
	assert.Equal(t, CodeInvalidArguments, CodeOf(err))
}

func TestMemory_QueryStopsOnCallbackError(t *testing.T) {
	m := NewMemory()
	m.Seed(record.RemoteRecord{Type: "Note", Key: "a"}, record.RemoteRecord{Type: "Note", Key: "b"})
	boom := errors.New("boom")
	seen := 0
	_, err := m.Query(context.Background(), QueryRequest{Type: "Note"}, func(record.RemoteRecord) error {
		seen++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
}

func TestMemory_FailNextAndInject(t *testing.T) {
	m := NewMemory()
	m.FailNext(CallSubmit, Errorf(CodeZoneBusy, "busy"))

	b := record.NewBatch([]record.ChangeRecord{note("a", nil)}, nil)
	_, err := m.SubmitBatch(context.Background(), b)
	assert.Equal(t, CodeZoneBusy, CodeOf(err))
	_, err = m.SubmitBatch(context.Background(), b)
	require.NoError(t, err)

	m.Inject(func(c Call) error {
		if c.Kind == CallQuery {
			return Errorf(CodeServiceUnavailable, "down")
		}
		return nil
	})
	_, err = m.Query(context.Background(), QueryRequest{Type: "Note"}, func(record.RemoteRecord) error { return nil })
	assert.Equal(t, CodeServiceUnavailable, CodeOf(err))
}

func TestMemory_HeldOperationReattachesOnce(t *testing.T) {
	m := NewMemory()
	m.HoldOperations(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.SubmitBatch(ctx, record.NewBatch([]record.ChangeRecord{note("a", record.Fields{"v": 1})}, nil))
		done <- err
	}()

	require.Eventually(t, func() bool {
		ids, err := m.InFlightOperations(context.Background())
		return err == nil && len(ids) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, m.Records("Note"), "held operation is not applied")

	ids, err := m.InFlightOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	m.HoldOperations(false)
	res, err := m.Reattach(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], res.OperationID)
	assert.Len(t, m.Records("Note"), 1)

	_, err = m.Reattach(context.Background(), ids[0])
	assert.Equal(t, CodeUnknownOperation, CodeOf(err))

	ids, err = m.InFlightOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, m.Held())
}

func TestMemory_HeldIsNotLogged(t *testing.T) {
	m := NewMemory()
	m.HoldOperations(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = m.SubmitBatch(ctx, record.NewBatch([]record.ChangeRecord{note("a", record.Fields{"v": 1})}, nil))
	}()

	require.Eventually(t, func() bool { return len(m.Held()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, m.CountCalls(CallEnumerate))
	assert.Equal(t, 1, m.CountCalls(CallSubmit))
}
