package record

import (
	"fmt"
	"slices"
	"strings"
)

// RecordType names one trackable record type (e.g. "Note", "Folder").
type RecordType string

// OpKind distinguishes the two kinds of local mutation.
type OpKind int

const (
	// OpUpsert writes the record's fields (create or changed-fields update).
	OpUpsert OpKind = iota + 1
	// OpDelete removes the record.
	OpDelete
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Fields is a record's field payload.
// Values are JSON-compatible: string, bool, integers, floats, nil,
// []any and map[string]any.
type Fields map[string]any

// Clone returns a shallow copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Refs maps a collection property name to the primary keys it references.
type Refs map[string][]string

// Clone returns a deep copy of the reference map.
func (r Refs) Clone() Refs {
	if r == nil {
		return nil
	}
	out := make(Refs, len(r))
	for k, v := range r {
		out[k] = slices.Clone(v)
	}
	return out
}

// RecordRef identifies one record by type and primary key.
type RecordRef struct {
	Type RecordType `json:"type" yaml:"type"`
	Key  string     `json:"key" yaml:"key"`
}

// String renders the reference as "Type/key".
func (r RecordRef) String() string {
	return string(r.Type) + "/" + r.Key
}

// ParseRef parses the "Type/key" form produced by RecordRef.String.
func ParseRef(s string) (RecordRef, error) {
	typ, key, ok := strings.Cut(s, "/")
	if !ok || typ == "" || key == "" {
		return RecordRef{}, fmt.Errorf("invalid record reference %q: want Type/key", s)
	}
	return RecordRef{Type: RecordType(typ), Key: key}, nil
}

// ChangeRecord is one local mutation awaiting push.
type ChangeRecord struct {
	Type   RecordType `json:"type"`
	Key    string     `json:"key"`
	Fields Fields     `json:"fields,omitempty"`
	Refs   Refs       `json:"refs,omitempty"`
	Op     OpKind     `json:"op"`

	// Seq is the local modification stamp the change was read at.
	Seq int64 `json:"seq,omitempty"`
}

// Ref returns the record's identity.
func (c ChangeRecord) Ref() RecordRef {
	return RecordRef{Type: c.Type, Key: c.Key}
}

// RemoteRecord is one record as returned by a remote query.
type RemoteRecord struct {
	Type   RecordType `json:"type"`
	Key    string     `json:"key"`
	Fields Fields     `json:"fields,omitempty"`
	Refs   Refs       `json:"refs,omitempty"`
}

// Ref returns the record's identity.
func (r RemoteRecord) Ref() RecordRef {
	return RecordRef{Type: r.Type, Key: r.Key}
}

// Predicate selects the records a pull fetches for one type.
// The empty predicate and "true" both select every record.
type Predicate string

// PredicateAll selects every record of a type.
const PredicateAll Predicate = "true"

// Normalize maps the empty predicate to PredicateAll.
func (p Predicate) Normalize() Predicate {
	if strings.TrimSpace(string(p)) == "" {
		return PredicateAll
	}
	return Predicate(strings.TrimSpace(string(p)))
}

// PullCursor is an opaque continuation token for one paginated query.
// A nil *PullCursor means "no more pages".
type PullCursor struct {
	Type      RecordType `json:"type"`
	Predicate Predicate  `json:"predicate"`
	Token     string     `json:"token"`
}

// Matches reports whether the cursor belongs to the given query.
func (c PullCursor) Matches(typ RecordType, pred Predicate) bool {
	return c.Type == typ && c.Predicate.Normalize() == pred.Normalize()
}
