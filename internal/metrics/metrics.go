// Package metrics exports sync engine phase transitions as Prometheus
// metrics.
package metrics

import (
	"errors"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/roach88/cloudsync/internal/engine"
	"github.com/roach88/cloudsync/internal/remote"
)

const (
	namespace = "cloudsync"
	subsystem = "engine"
)

// Observer is an engine.Observer that counts phase transitions.
//
// Metrics:
//   - cloudsync_engine_transitions_total{tag, phase}
//   - cloudsync_engine_items_total{tag, phase}: items carried by transitions
//   - cloudsync_engine_failures_total{tag, code}: fatal transitions by error code
//   - cloudsync_engine_retry_wait_seconds{tag}: scheduled retry delays
type Observer struct {
	gatherer    prometheus.Gatherer
	transitions *prometheus.CounterVec
	items       *prometheus.CounterVec
	failures    *prometheus.CounterVec
	retryWait   *prometheus.HistogramVec
}

// NewObserver registers the engine metrics with reg. A nil reg uses a fresh
// private registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Observer{
		gatherer: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Sync phase transitions by tag and phase",
		}, []string{"tag", "phase"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "items_total",
			Help:      "Records carried by sync phase transitions",
		}, []string{"tag", "phase"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Terminal sync failures by error code",
		}, []string{"tag", "code"}),
		retryWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_wait_seconds",
			Help:      "Delay before each scheduled retry",
			Buckets:   []float64{0.01, 0.1, 1, 3, 6, 12, 24, 48, 96, 192, 300},
		}, []string{"tag"}),
	}
}

// Observe implements engine.Observer.
func (o *Observer) Observe(obs engine.Observation) {
	tag, phase := string(obs.Tag), string(obs.Phase)
	o.transitions.WithLabelValues(tag, phase).Inc()
	if obs.Items > 0 {
		o.items.WithLabelValues(tag, phase).Add(float64(obs.Items))
	}
	switch obs.Phase {
	case engine.PhaseRetry:
		o.retryWait.WithLabelValues(tag).Observe(obs.Wait.Seconds())
	case engine.PhaseFatal:
		o.failures.WithLabelValues(tag, failureCode(obs.Err)).Inc()
	}
}

// Snapshot returns the transition counters keyed by "tag/phase".
func (o *Observer) Snapshot() (Counts, error) {
	families, err := o.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	counts := make(Counts)
	for _, mf := range families {
		if mf.GetName() != namespace+"_"+subsystem+"_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			counts[labelKey(m)] = m.GetCounter().GetValue()
		}
	}
	return counts, nil
}

// Counts maps "tag/phase" to a transition count.
type Counts map[string]float64

// Keys returns the keys in sorted order.
func (c Counts) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func labelKey(m *dto.Metric) string {
	var tag, phase string
	for _, lp := range m.GetLabel() {
		switch lp.GetName() {
		case "tag":
			tag = lp.GetValue()
		case "phase":
			phase = lp.GetValue()
		}
	}
	return tag + "/" + phase
}

// failureCode names the category of a terminal error.
func failureCode(err error) string {
	var se *engine.SyncError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	var pe *engine.PullError
	if errors.As(err, &pe) {
		return "PULL_FAILED"
	}
	if code := remote.CodeOf(err); code != "" {
		return string(code)
	}
	return "UNKNOWN"
}
