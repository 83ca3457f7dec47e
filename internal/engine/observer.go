package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/cloudsync/internal/record"
)

// Tag groups observations by subsystem.
type Tag string

const (
	TagSyncEngine   Tag = "SyncEngine"
	TagFetch        Tag = "Fetch"
	TagPush         Tag = "Push"
	TagRemoteChange Tag = "RemoteChange"
)

// Phase is a state transition of one operation.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseStop      Phase = "stop"
	PhaseSubmit    Phase = "submit"
	PhaseJoin      Phase = "join"
	PhaseSuccess   Phase = "success"
	PhaseRetry     Phase = "retry"
	PhaseChunk     Phase = "chunk"
	PhaseFatal     Phase = "fatal"
	PhaseCancelled Phase = "cancelled"
	PhasePage      Phase = "page"
	PhaseResolve   Phase = "resolve"
	PhaseEvict     Phase = "evict"
	PhaseReattach  Phase = "reattach"
	PhaseSkip      Phase = "skip"
	PhaseNotify    Phase = "notify"
)

// Observation is one phase transition.
type Observation struct {
	Tag   Tag
	Phase Phase

	// Operation identifies the push batch, pull chain or remote operation.
	Operation string

	RecordType record.RecordType
	Items      int
	Attempt    int
	Wait       time.Duration
	Err        error
}

// Observer receives every phase transition. Observe is called from engine
// goroutines and must be safe for concurrent use and must not block.
type Observer interface {
	Observe(Observation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Observation)

// Observe implements Observer.
func (f ObserverFunc) Observe(o Observation) { f(o) }

// Observers fans one observation out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (os Observers) Observe(o Observation) {
	for _, ob := range os {
		ob.Observe(o)
	}
}

// SlogObserver logs observations as structured records.
// Fatal transitions log at Error, retries and chunking at Warn, the rest at
// Debug.
type SlogObserver struct {
	Logger *slog.Logger
}

// Observe implements Observer.
func (s SlogObserver) Observe(o Observation) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelDebug
	switch o.Phase {
	case PhaseFatal:
		level = slog.LevelError
	case PhaseRetry, PhaseChunk, PhaseSkip, PhaseEvict:
		level = slog.LevelWarn
	case PhaseStart, PhaseStop, PhaseReattach:
		level = slog.LevelInfo
	}

	attrs := []slog.Attr{slog.String("tag", string(o.Tag)), slog.String("phase", string(o.Phase))}
	if o.Operation != "" {
		attrs = append(attrs, slog.String("op", shortID(o.Operation)))
	}
	if o.RecordType != "" {
		attrs = append(attrs, slog.String("type", string(o.RecordType)))
	}
	if o.Items > 0 {
		attrs = append(attrs, slog.Int("items", o.Items))
	}
	if o.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", o.Attempt))
	}
	if o.Wait > 0 {
		attrs = append(attrs, slog.Duration("wait", o.Wait))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}
	logger.LogAttrs(context.Background(), level, "sync "+string(o.Phase), attrs...)
}
