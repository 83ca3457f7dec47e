package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/cloudsync/internal/record"
)

// PendingReference is a relationship whose target has not materialized
// locally yet.
type PendingReference struct {
	Target     record.RecordRef
	Property   string
	Owner      record.RecordRef
	Registered time.Time
}

// PendingResolver holds forward references and attaches them once their
// targets exist.
//
// State is one entry per awaited target: registering the same target again
// overwrites the entry. Entries are removed only when attached or, if a TTL
// is set, when they expire. Without a TTL an unresolved entry stays for the
// life of the process.
type PendingResolver struct {
	mu      sync.Mutex
	entries map[record.RecordRef]PendingReference

	objects  map[record.RecordType]SyncObject
	writer   *Writer
	observer Observer
	ttl      time.Duration
	now      func() time.Time
}

func newPendingResolver(objects map[record.RecordType]SyncObject, w *Writer, obs Observer, ttl time.Duration) *PendingResolver {
	return &PendingResolver{
		entries:  make(map[record.RecordRef]PendingReference),
		objects:  objects,
		writer:   w,
		observer: obs,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Register inserts or overwrites the pending entry for target.
// Safe to call from writer tasks.
func (r *PendingResolver) Register(target record.RecordRef, property string, owner record.RecordRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[target] = PendingReference{
		Target:     target,
		Property:   property,
		Owner:      owner,
		Registered: r.now(),
	}
}

// Len returns the number of pending entries.
func (r *PendingResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns the pending entries ordered by target.
func (r *PendingResolver) Entries() []PendingReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedEntries(r.entries)
}

// Resolve attaches every pending reference whose target now exists locally
// and returns the number of attaches made.
//
// The pass runs as a single writer task, so it never interleaves with
// applies. Entries whose target is still missing are left untouched.
// Resolve is idempotent: a resolved entry is removed, and attaching is
// itself idempotent.
//
// Must not be called from a writer task.
func (r *PendingResolver) Resolve(ctx context.Context) (int, error) {
	r.evictExpired()

	r.mu.Lock()
	snapshot := sortedEntries(r.entries)
	r.mu.Unlock()
	if len(snapshot) == 0 {
		return 0, nil
	}

	attached := 0
	err := r.writer.Do(ctx, func(ctx context.Context) error {
		for _, p := range snapshot {
			targetObj, ok := r.objects[p.Target.Type]
			if !ok {
				continue
			}
			present, err := targetObj.Contains(ctx, p.Target.Key)
			if err != nil {
				return fmt.Errorf("check %s: %w", p.Target, err)
			}
			if !present {
				continue
			}
			ownerObj, ok := r.objects[p.Owner.Type]
			if !ok {
				continue
			}
			inserted, err := ownerObj.Attach(ctx, p.Owner.Key, p.Property, p.Target)
			if err != nil {
				return fmt.Errorf("attach %s.%s -> %s: %w", p.Owner, p.Property, p.Target, err)
			}
			if inserted {
				attached++
			}
			r.remove(p)
		}
		return nil
	})

	r.observer.Observe(Observation{Tag: TagFetch, Phase: PhaseResolve, Items: attached, Err: err})
	return attached, err
}

// remove deletes the entry unless it was overwritten since p was read.
func (r *PendingResolver) remove(p PendingReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[p.Target]; ok && cur == p {
		delete(r.entries, p.Target)
	}
}

func (r *PendingResolver) evictExpired() {
	if r.ttl <= 0 {
		return
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var evicted []PendingReference
	for target, p := range r.entries {
		if p.Registered.Before(cutoff) {
			evicted = append(evicted, p)
			delete(r.entries, target)
		}
	}
	r.mu.Unlock()

	for _, p := range evicted {
		r.observer.Observe(Observation{
			Tag: TagFetch, Phase: PhaseEvict, Operation: p.Target.String(), RecordType: p.Owner.Type,
		})
	}
}

func sortedEntries(m map[record.RecordRef]PendingReference) []PendingReference {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b record.RecordRef) int {
		return strings.Compare(a.String(), b.String())
	})
	out := make([]PendingReference, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
