package testutil

import (
	"fmt"
	"sync"
)

// Labeler maps opaque identifiers (batch IDs, operation IDs, pull chain
// IDs) to stable labels in first-seen order.
//
// The same scenario produces the same labels on every run, which keeps
// traces byte-identical for golden comparison.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Labeler struct {
	mu     sync.Mutex
	prefix string
	next   int
	labels map[string]string
}

// NewLabeler creates a labeler producing prefix-1, prefix-2, ...
func NewLabeler(prefix string) *Labeler {
	return &Labeler{prefix: prefix, labels: make(map[string]string)}
}

// Label returns the label for id, assigning the next one on first use.
// The empty id maps to the empty label.
func (l *Labeler) Label(id string) string {
	if id == "" {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if label, ok := l.labels[id]; ok {
		return label
	}
	l.next++
	label := fmt.Sprintf("%s-%d", l.prefix, l.next)
	l.labels[id] = label
	return label
}

// Len returns the number of labels assigned.
func (l *Labeler) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.labels)
}

// Reset forgets every label. The next new id gets prefix-1.
func (l *Labeler) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	clear(l.labels)
}
