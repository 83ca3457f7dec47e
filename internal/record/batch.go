package record

import "slices"

// DefaultMaxItems is the per-request item ceiling used when chunking.
// The backend rejects more than 400 items per request; 300 leaves headroom.
const DefaultMaxItems = 300

// Batch is one unit of remote write: upserts plus deletions.
//
// An atomic batch either fully succeeds or fully fails remotely. A
// non-atomic batch may partially succeed; failed items are then reported
// individually.
type Batch struct {
	ID        string         `json:"id"`
	Upserts   []ChangeRecord `json:"upserts"`
	Deletions []RecordRef    `json:"deletions"`
	Atomic    bool           `json:"atomic"`
}

// NewBatch builds an atomic batch from the given sets.
// The slices are copied so later mutation by the caller cannot change a
// batch that is already in flight.
func NewBatch(upserts []ChangeRecord, deletions []RecordRef) Batch {
	b := Batch{
		Upserts:   slices.Clone(upserts),
		Deletions: slices.Clone(deletions),
		Atomic:    true,
	}
	b.ID = BatchID(b.Upserts, b.Deletions, b.Atomic)
	return b
}

// NonAtomic returns a copy of the batch with atomicity disabled and its
// identity recomputed.
func (b Batch) NonAtomic() Batch {
	b.Atomic = false
	b.ID = BatchID(b.Upserts, b.Deletions, false)
	return b
}

// Len returns the number of items the batch submits.
func (b Batch) Len() int {
	return len(b.Upserts) + len(b.Deletions)
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return b.Len() == 0
}

// Refs returns the identities of every record the batch touches,
// upserts first, in submission order.
func (b Batch) Refs() []RecordRef {
	refs := make([]RecordRef, 0, b.Len())
	for _, u := range b.Upserts {
		refs = append(refs, u.Ref())
	}
	return append(refs, b.Deletions...)
}

// Chunk splits upserts into contiguous chunks of at most max records.
// Concatenating the chunks yields the input unchanged.
// A non-positive max yields a single chunk.
func Chunk(upserts []ChangeRecord, max int) [][]ChangeRecord {
	if len(upserts) == 0 {
		return nil
	}
	if max <= 0 || len(upserts) <= max {
		return [][]ChangeRecord{upserts}
	}
	chunks := make([][]ChangeRecord, 0, (len(upserts)+max-1)/max)
	for start := 0; start < len(upserts); start += max {
		end := min(start+max, len(upserts))
		chunks = append(chunks, upserts[start:end:end])
	}
	return chunks
}
