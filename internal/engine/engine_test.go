package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

func TestNew_RejectsDuplicateTypes(t *testing.T) {
	_, err := New(remote.NewMemory(), []SyncObject{newFakeObject("Note"), newFakeObject("Note")})
	assert.ErrorContains(t, err, `duplicate sync object for record type "Note"`)
}

func TestEngine_Lifecycle(t *testing.T) {
	mem := remote.NewMemory()
	obj := newFakeObject("Note")
	f := newFixture(t, mem, []*fakeObject{obj})

	assert.True(t, IsStopped(f.engine.Push(nil, nil, nil)), "push before start")
	assert.True(t, IsStopped(f.engine.Pull(nil, nil)), "pull before start")

	f.start()
	assert.Error(t, f.engine.Start(context.Background()), "second start")
	assert.Equal(t, []record.RecordType{"Note"}, f.engine.RecordTypes())
	assert.Equal(t, 1, f.obs.count(TagSyncEngine, PhaseStart))

	f.engine.Stop()
	f.engine.Stop()

	assert.True(t, obj.cleaned)
	assert.Equal(t, 1, f.obs.count(TagSyncEngine, PhaseStop))
	assert.True(t, IsStopped(f.engine.NotifyRemoteChange()))
	assert.True(t, IsStopped(f.engine.WaitIdle(context.Background())))
}

// TestEngine_ObserverKeepsLogging tests that an added observer does not
// replace the slog observer.
func TestEngine_ObserverKeepsLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newFixture(t, remote.NewMemory(), []*fakeObject{newFakeObject("Note")}, WithLogger(logger))
	f.start()
	f.engine.Stop()

	assert.Equal(t, 1, f.obs.count(TagSyncEngine, PhaseStart))
	assert.Contains(t, buf.String(), "sync start")
	assert.Contains(t, buf.String(), "sync stop")
}

func TestEngine_Unsubscribe(t *testing.T) {
	mem := remote.NewMemory()
	f := newFixture(t, mem, []*fakeObject{newFakeObject("Note")})

	var late eventLog
	unsubscribe := f.engine.Subscribe(late.add)
	f.start()
	require.Len(t, late.ofKind(EventPullCompleted), 1)

	unsubscribe()
	require.NoError(t, f.engine.Pull(nil, nil))
	f.waitIdle()

	assert.Len(t, late.ofKind(EventPullCompleted), 1)
	assert.Len(t, f.events.ofKind(EventPullCompleted), 2)
}

// holdOperation leaves one long-lived submission in flight on mem, as a
// process that exits mid-push would.
func holdOperation(t *testing.T, mem *remote.Memory, ups []record.ChangeRecord) string {
	t.Helper()
	mem.HoldOperations(true)
	f := newFixture(t, mem, []*fakeObject{newFakeObject("Note")})
	f.start()

	var done completions
	require.NoError(t, f.engine.Push(ups, nil, done.fn))

	var ids []string
	require.Eventually(t, func() bool {
		ids, _ = mem.InFlightOperations(context.Background())
		return len(ids) == 1
	}, time.Second, time.Millisecond)

	f.engine.Stop()
	mem.HoldOperations(false)
	assert.Empty(t, done.all(), "abandoned push never completes")
	return ids[0]
}

// TestResume_ReattachesExactlyOnce tests that an operation left in flight
// by an earlier process is delivered once on the next start, and never
// again after that.
func TestResume_ReattachesExactlyOnce(t *testing.T) {
	mem := remote.NewMemory()
	id := holdOperation(t, mem, []record.ChangeRecord{note("n1", record.Fields{"title": "draft"})})

	obj := newFakeObject("Note")
	f := newFixture(t, mem, []*fakeObject{obj})
	f.start()

	pushed := f.events.ofKind(EventPushCompleted)
	require.Len(t, pushed, 1)
	assert.Equal(t, id, pushed[0].OperationID)
	assert.NoError(t, pushed[0].Err)
	assert.Equal(t, 1, mem.CountCalls(remote.CallReattach))
	assert.Equal(t, 1, obj.ackedCount())
	assert.Equal(t, []string{"n1"}, obj.appliedKeys(), "the initial pull sees the reattached write")

	// A later start finds nothing left to reattach.
	again := newFixture(t, mem, []*fakeObject{newFakeObject("Note")})
	again.start()
	assert.Empty(t, again.events.ofKind(EventPushCompleted))
	assert.Equal(t, 1, mem.CountCalls(remote.CallReattach))
}

func TestResume_ReattachFailureIsSkipped(t *testing.T) {
	mem := remote.NewMemory()
	holdOperation(t, mem, []record.ChangeRecord{note("n1", nil)})
	mem.FailNext(remote.CallReattach, remote.Errorf(remote.CodeNetworkFailure, "offline"))

	f := newFixture(t, mem, []*fakeObject{newFakeObject("Note")})
	f.start()

	assert.Empty(t, f.events.ofKind(EventPushCompleted))
	assert.Equal(t, 1, mem.CountCalls(remote.CallReattach), "one attempt per identifier")
	assert.Equal(t, 1, f.obs.count(TagSyncEngine, PhaseSkip))
}

func TestResume_ReattachedFailureIsDelivered(t *testing.T) {
	mem := remote.NewMemory()
	id := holdOperation(t, mem, []record.ChangeRecord{note("bad", nil)})
	mem.Reject(func(c record.ChangeRecord) *remote.Error {
		return remote.Errorf(remote.CodeInvalidArguments, "rejected")
	})

	f := newFixture(t, mem, []*fakeObject{newFakeObject("Note")})
	f.start()

	pushed := f.events.ofKind(EventPushCompleted)
	require.Len(t, pushed, 1)
	assert.Equal(t, id, pushed[0].OperationID)
	assert.True(t, IsPartialFailure(pushed[0].Err))
}

func TestResume_EnumerateFailureIsSkipped(t *testing.T) {
	mem := remote.NewMemory()
	mem.FailNext(remote.CallEnumerate, remote.Errorf(remote.CodeServiceUnavailable, "down"))
	f := newFixture(t, mem, []*fakeObject{newFakeObject("Note")})
	f.start()

	assert.Equal(t, 1, f.obs.count(TagSyncEngine, PhaseSkip))
	assert.Len(t, f.events.ofKind(EventPullCompleted), 1, "startup pull still runs")
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "localChangeReady", EventLocalChangeReady.String())
	assert.Equal(t, "remoteChangeDetected", EventRemoteChangeDetected.String())
	assert.Equal(t, "pullCompleted", EventPullCompleted.String())
	assert.Equal(t, "pushCompleted", EventPushCompleted.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
