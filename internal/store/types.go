package store

import (
	"context"
	"database/sql"

	"github.com/roach88/cloudsync/internal/record"
)

// Row is one stored record.
type Row struct {
	Ref     record.RecordRef
	Fields  record.Fields
	Seq     int64
	Dirty   bool
	Deleted bool
}

// Relation is one attached element of a collection property.
type Relation struct {
	Owner    record.RecordRef
	Property string
	Target   record.RecordRef
	Seq      int64
}

// TypeStats summarizes the rows of one record type.
type TypeStats struct {
	Type       record.RecordType `json:"type"`
	Live       int               `json:"live"`
	Dirty      int               `json:"dirty"`
	Tombstones int               `json:"tombstones"`
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
