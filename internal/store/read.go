package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cloudsync/internal/record"
)

// Get returns a stored row, including tombstones.
func (s *Store) Get(ctx context.Context, ref record.RecordRef) (Row, bool, error) {
	row, ok, err := getRow(ctx, s.db, ref)
	if err != nil {
		return Row{}, false, fmt.Errorf("get %s: %w", ref, err)
	}
	return row, ok, nil
}

// Exists reports whether a live (non-tombstoned) record is stored.
func (s *Store) Exists(ctx context.Context, ref record.RecordRef) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records
		WHERE record_type = ? AND primary_key = ? AND deleted = 0
	`, string(ref.Type), ref.Key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", ref, err)
	}
	return n > 0, nil
}

// Relations returns every attached target of the owner, ordered by
// property and attach order.
func (s *Store) Relations(ctx context.Context, owner record.RecordRef) ([]Relation, error) {
	rels, err := readRelations(ctx, s.db, owner)
	if err != nil {
		return nil, fmt.Errorf("relations %s: %w", owner, err)
	}
	return rels, nil
}

// Refs returns the owner's collections as property -> target keys.
func (s *Store) Refs(ctx context.Context, owner record.RecordRef) (record.Refs, error) {
	refs, err := readRefs(ctx, s.db, owner)
	if err != nil {
		return nil, fmt.Errorf("refs %s: %w", owner, err)
	}
	return refs, nil
}

// AllRelations returns every stored relation.
// Results are ordered deterministically: owner, property, seq.
func (s *Store) AllRelations(ctx context.Context) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_type, owner_key, property, target_type, target_key, seq
		FROM relations
		ORDER BY owner_type COLLATE BINARY, owner_key COLLATE BINARY, property COLLATE BINARY, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

// PendingChanges returns the record type's unacknowledged local mutations
// in modification order: live dirty records as upserts, dirty tombstones as
// deletions.
func (s *Store) PendingChanges(ctx context.Context, typ record.RecordType) ([]record.ChangeRecord, []record.RecordRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_type, primary_key, fields, seq, dirty, deleted
		FROM records
		WHERE record_type = ? AND dirty = 1
		ORDER BY seq ASC, primary_key COLLATE BINARY ASC
	`, string(typ))
	if err != nil {
		return nil, nil, fmt.Errorf("query pending changes: %w", err)
	}
	// Rows are drained before refs are read: the pool has one connection.
	dirty, err := scanRows(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	var upserts []record.ChangeRecord
	var deletions []record.RecordRef
	for _, r := range dirty {
		if r.Deleted {
			deletions = append(deletions, r.Ref)
			continue
		}
		refs, err := readRefs(ctx, s.db, r.Ref)
		if err != nil {
			return nil, nil, fmt.Errorf("pending changes: %w", err)
		}
		upserts = append(upserts, record.ChangeRecord{
			Type: r.Ref.Type, Key: r.Ref.Key, Fields: r.Fields, Refs: refs,
			Op: record.OpUpsert, Seq: r.Seq,
		})
	}
	return upserts, deletions, nil
}

// Select returns the live records of a type matching the predicate,
// ordered by seq.
func (s *Store) Select(ctx context.Context, typ record.RecordType, pred record.Predicate) ([]Row, error) {
	cond, err := pred.Parse()
	if err != nil {
		return nil, err
	}
	where, params, err := compileCondition(cond)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}
	query := `
		SELECT record_type, primary_key, fields, seq, dirty, deleted
		FROM records
		WHERE record_type = ? AND deleted = 0 AND ` + where + `
		ORDER BY seq ASC, primary_key COLLATE BINARY ASC`
	rows, err := s.db.QueryContext(ctx, query, append([]any{string(typ)}, params...)...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", typ, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Stats summarizes every record type present in the store, ordered by type.
func (s *Store) Stats(ctx context.Context) ([]TypeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_type,
			SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN dirty = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END)
		FROM records
		GROUP BY record_type
		ORDER BY record_type COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := []TypeStats{}
	for rows.Next() {
		var st TypeStats
		var typ string
		if err := rows.Scan(&typ, &st.Live, &st.Dirty, &st.Tombstones); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Type = record.RecordType(typ)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

func getRow(ctx context.Context, q querier, ref record.RecordRef) (Row, bool, error) {
	row, err := scanRow(q.QueryRowContext(ctx, `
		SELECT record_type, primary_key, fields, seq, dirty, deleted
		FROM records
		WHERE record_type = ? AND primary_key = ?
	`, string(ref.Type), ref.Key))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return row, true, nil
}

func readRelations(ctx context.Context, q querier, owner record.RecordRef) ([]Relation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT owner_type, owner_key, property, target_type, target_key, seq
		FROM relations
		WHERE owner_type = ? AND owner_key = ?
		ORDER BY property COLLATE BINARY, seq ASC
	`, string(owner.Type), owner.Key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

// readRefs returns nil when the owner has no relations.
func readRefs(ctx context.Context, q querier, owner record.RecordRef) (record.Refs, error) {
	rels, err := readRelations(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, nil
	}
	refs := make(record.Refs)
	for _, r := range rels {
		refs[r.Property] = append(refs[r.Property], r.Target.Key)
	}
	return refs, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		typ, key, fieldsJSON string
		r                    Row
	)
	if err := sc.Scan(&typ, &key, &fieldsJSON, &r.Seq, &r.Dirty, &r.Deleted); err != nil {
		return Row{}, err
	}
	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return Row{}, err
	}
	r.Ref = record.RecordRef{Type: record.RecordType(typ), Key: key}
	r.Fields = fields
	return r, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	out := []Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func scanRelations(rows *sql.Rows) ([]Relation, error) {
	out := []Relation{}
	for rows.Next() {
		var ot, ok, prop, tt, tk string
		var rel Relation
		if err := rows.Scan(&ot, &ok, &prop, &tt, &tk, &rel.Seq); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		rel.Owner = record.RecordRef{Type: record.RecordType(ot), Key: ok}
		rel.Property = prop
		rel.Target = record.RecordRef{Type: record.RecordType(tt), Key: tk}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return out, nil
}
