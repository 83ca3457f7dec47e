package testutil

import (
	"slices"
	"sync"

	"github.com/roach88/cloudsync/internal/engine"
)

// Recorder is an engine.Observer that keeps every observation.
type Recorder struct {
	mu  sync.Mutex
	obs []engine.Observation
}

// Observe implements engine.Observer.
func (r *Recorder) Observe(o engine.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

// Observations returns a copy of everything observed, in arrival order.
func (r *Recorder) Observations() []engine.Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.obs)
}

// Count returns how many observations match tag and phase.
func (r *Recorder) Count(tag engine.Tag, phase engine.Phase) int {
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

// Reset discards everything observed.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = nil
}
