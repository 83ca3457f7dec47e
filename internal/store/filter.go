package store

import (
	"fmt"
	"strings"

	"github.com/roach88/cloudsync/internal/record"
)

// compileCondition compiles a parsed predicate to a parameterized SQL
// fragment over the records.fields JSON column.
//
// CRITICAL: Values and field paths are NEVER interpolated - always ? placeholders.
func compileCondition(c record.Condition) (string, []any, error) {
	if c == nil {
		return "1 = 1", nil, nil
	}

	switch cond := c.(type) {
	case record.True:
		return "1 = 1", nil, nil
	case record.Equals:
		param, err := literalParam(cond.Value)
		if err != nil {
			return "", nil, err
		}
		return "json_extract(fields, ?) = ?", []any{fieldPath(cond.Field), param}, nil
	case record.NotEquals:
		param, err := literalParam(cond.Value)
		if err != nil {
			return "", nil, err
		}
		path := fieldPath(cond.Field)
		return "(json_extract(fields, ?) IS NULL OR json_extract(fields, ?) != ?)",
			[]any{path, path, param}, nil
	case record.And:
		return compileAnd(cond)
	default:
		return "", nil, fmt.Errorf("unsupported condition type: %T", c)
	}
}

// compileAnd compiles a conjunction. An empty And is vacuously true.
func compileAnd(and record.And) (string, []any, error) {
	if len(and.Conditions) == 0 {
		return "1 = 1", nil, nil
	}

	var sqlParts []string
	var allParams []any
	for _, sub := range and.Conditions {
		sql, params, err := compileCondition(sub)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}
	return "(" + strings.Join(sqlParts, " AND ") + ")", allParams, nil
}

func fieldPath(field string) string {
	return "$." + field
}

// literalParam converts a predicate literal to a SQL parameter.
// json_extract yields 1/0 for JSON booleans, so bools bind as integers.
func literalParam(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int64:
		return val, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported literal type for SQL parameter: %T", v)
	}
}
