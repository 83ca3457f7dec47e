package engine

import (
	"slices"
	"sync"

	"github.com/roach88/cloudsync/internal/record"
)

// EventKind identifies an emitted event.
type EventKind int

const (
	// EventLocalChangeReady fires when a SyncObject reports local mutations.
	EventLocalChangeReady EventKind = iota + 1
	// EventRemoteChangeDetected fires when the remote signals new changes.
	EventRemoteChangeDetected
	// EventPullCompleted fires once per pull after every type is terminal.
	EventPullCompleted
	// EventPushCompleted fires once per terminal push batch (once per chunk
	// when a batch was split) and once per reattached operation.
	EventPushCompleted
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventLocalChangeReady:
		return "localChangeReady"
	case EventRemoteChangeDetected:
		return "remoteChangeDetected"
	case EventPullCompleted:
		return "pullCompleted"
	case EventPushCompleted:
		return "pushCompleted"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on the completion loop, in order.
type Event struct {
	Kind EventKind

	// RecordType is set for EventLocalChangeReady.
	RecordType record.RecordType
	Upserts    []record.ChangeRecord
	Deletions  []record.RecordRef

	// BatchID and OperationID are set for EventPushCompleted.
	BatchID     string
	OperationID string

	// Types lists the pulled record types for EventPullCompleted.
	Types []record.RecordType

	// Err is the outcome for the completed events; nil on success.
	Err error
}

// subscribers is the engine-owned observer registry.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func newSubscribers() *subscribers {
	return &subscribers{fns: make(map[int]func(Event))}
}

// add registers fn and returns its unsubscribe func.
func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

// publish calls every subscriber in subscription order.
func (s *subscribers) publish(ev Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = s.fns[id]
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *subscribers) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.fns)
}

// activity counts operations that have not reached a terminal state.
type activity struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newActivity() *activity {
	a := &activity{idle: make(chan struct{})}
	close(a.idle)
	return a
}

func (a *activity) Add() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		a.idle = make(chan struct{})
	}
	a.n++
}

func (a *activity) Done() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n--
	if a.n == 0 {
		close(a.idle)
	}
}

// Idle returns a channel closed when no operation is active.
func (a *activity) Idle() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}
