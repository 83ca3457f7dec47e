package record

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition is a parsed Predicate.
//
// This is a sealed interface: only types in this package implement it, so
// backend compilers (the SQLite store, the in-memory remote) can switch over
// it exhaustively.
//
// Condition types:
//   - True: every record matches
//   - Equals: field == literal
//   - NotEquals: field != literal
//   - And: all conditions must match
type Condition interface {
	// Match evaluates the condition against a record's fields.
	Match(fields Fields) bool

	conditionNode()
}

// True matches every record.
type True struct{}

// Equals matches records whose Field equals Value.
type Equals struct {
	Field string
	Value any
}

// NotEquals matches records whose Field is absent or differs from Value.
type NotEquals struct {
	Field string
	Value any
}

// And matches records matching every condition.
type And struct {
	Conditions []Condition
}

func (True) conditionNode()      {}
func (Equals) conditionNode()    {}
func (NotEquals) conditionNode() {}
func (And) conditionNode()       {}

// Match implements Condition.
func (True) Match(Fields) bool { return true }

// Match implements Condition.
func (c Equals) Match(fields Fields) bool {
	v, ok := fields[c.Field]
	return ok && sameLiteral(v, c.Value)
}

// Match implements Condition.
func (c NotEquals) Match(fields Fields) bool {
	v, ok := fields[c.Field]
	return !ok || !sameLiteral(v, c.Value)
}

// Match implements Condition.
func (c And) Match(fields Fields) bool {
	for _, sub := range c.Conditions {
		if !sub.Match(fields) {
			return false
		}
	}
	return true
}

// sameLiteral compares a field value with a parsed literal. Numbers compare
// by value regardless of their Go type, since payloads decoded from JSON
// carry float64 while literals parse as int64.
func sameLiteral(v, lit any) bool {
	if a, ok := asFloat(v); ok {
		b, ok := asFloat(lit)
		return ok && a == b
	}
	return v == lit
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Parse parses the predicate.
//
// Grammar:
//
//	predicate := "true" | clause { "&&" clause }
//	clause    := field ( "==" | "!=" ) literal
//	literal   := quoted string | integer | true | false
//
// The empty predicate parses as True.
func (p Predicate) Parse() (Condition, error) {
	src := string(p.Normalize())
	if src == string(PredicateAll) {
		return True{}, nil
	}

	parts := strings.Split(src, "&&")
	conds := make([]Condition, 0, len(parts))
	for _, part := range parts {
		cond, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("predicate %q: %w", src, err)
		}
		conds = append(conds, cond)
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return And{Conditions: conds}, nil
}

func parseClause(s string) (Condition, error) {
	op := "=="
	field, lit, ok := strings.Cut(s, "==")
	if !ok {
		op = "!="
		field, lit, ok = strings.Cut(s, "!=")
	}
	if !ok {
		return nil, fmt.Errorf("clause %q: expected == or !=", s)
	}
	field = strings.TrimSpace(field)
	if !validField(field) {
		return nil, fmt.Errorf("clause %q: invalid field name %q", s, field)
	}
	value, err := parseLiteral(strings.TrimSpace(lit))
	if err != nil {
		return nil, fmt.Errorf("clause %q: %w", s, err)
	}
	if op == "==" {
		return Equals{Field: field, Value: value}, nil
	}
	return NotEquals{Field: field, Value: value}, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case strings.HasPrefix(s, `"`):
		v, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("invalid string literal %s", s)
		}
		return v, nil
	default:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal %q", s)
		}
		return n, nil
	}
}

func validField(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
