package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/cloudsync/internal/record"
)

// ErrNotFound is returned when a mutation names a record that does not
// exist locally.
var ErrNotFound = errors.New("record not found")

// PutLocal merges fields into a record as a local mutation and returns the
// change to push. Fields not named keep their stored values. The record is
// marked dirty at a fresh seq; a tombstoned record is revived.
func (s *Store) PutLocal(ctx context.Context, ref record.RecordRef, fields record.Fields) (record.ChangeRecord, error) {
	var change record.ChangeRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		merged := record.Fields{}
		row, ok, err := getRow(ctx, tx, ref)
		if err != nil {
			return err
		}
		if ok && !row.Deleted {
			merged = row.Fields
		}
		maps.Copy(merged, fields)

		seq := s.clock.Next()
		if err := upsertRow(ctx, tx, ref, merged, seq, true); err != nil {
			return err
		}
		refs, err := readRefs(ctx, tx, ref)
		if err != nil {
			return err
		}
		change = record.ChangeRecord{
			Type: ref.Type, Key: ref.Key, Fields: merged, Refs: refs,
			Op: record.OpUpsert, Seq: seq,
		}
		return nil
	})
	if err != nil {
		return record.ChangeRecord{}, fmt.Errorf("put %s: %w", ref, err)
	}
	return change, nil
}

// DeleteLocal tombstones a record as a local mutation. The record's own
// collections are dropped and it is detached from every collection that
// held it. Returns false if there was no live record.
func (s *Store) DeleteLocal(ctx context.Context, ref record.RecordRef) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE records SET deleted = 1, dirty = 1, seq = ?
			WHERE record_type = ? AND primary_key = ? AND deleted = 0
		`, s.clock.Next(), string(ref.Type), ref.Key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		_, err = tx.ExecContext(ctx, `
			DELETE FROM relations
			WHERE (owner_type = ? AND owner_key = ?) OR (target_type = ? AND target_key = ?)
		`, string(ref.Type), ref.Key, string(ref.Type), ref.Key)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", ref, err)
	}
	return deleted, nil
}

// LinkLocal attaches target to the owner's collection property as a local
// mutation and returns the owner's change to push.
func (s *Store) LinkLocal(ctx context.Context, owner record.RecordRef, property string, target record.RecordRef) (record.ChangeRecord, error) {
	var change record.ChangeRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, ok, err := getRow(ctx, tx, owner)
		if err != nil {
			return err
		}
		if !ok || row.Deleted {
			return ErrNotFound
		}
		seq := s.clock.Next()
		if _, err := insertRelation(ctx, tx, owner, property, target, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET dirty = 1, seq = ?
			WHERE record_type = ? AND primary_key = ?
		`, seq, string(owner.Type), owner.Key); err != nil {
			return err
		}
		refs, err := readRefs(ctx, tx, owner)
		if err != nil {
			return err
		}
		change = record.ChangeRecord{
			Type: owner.Type, Key: owner.Key, Fields: row.Fields, Refs: refs,
			Op: record.OpUpsert, Seq: seq,
		}
		return nil
	})
	if err != nil {
		return record.ChangeRecord{}, fmt.Errorf("link %s.%s -> %s: %w", owner, property, target, err)
	}
	return change, nil
}

// ApplyRemote stores a record received from the remote, replacing its
// fields. A record with unacknowledged local changes is left untouched and
// false is returned: its pending push will reach the remote, where the
// last accepted write wins.
func (s *Store) ApplyRemote(ctx context.Context, rec record.RemoteRecord) (bool, error) {
	ref := rec.Ref()
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, ok, err := getRow(ctx, tx, ref)
		if err != nil {
			return err
		}
		if ok && row.Dirty {
			return nil
		}
		applied = true
		return upsertRow(ctx, tx, ref, rec.Fields, s.clock.Next(), false)
	})
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", ref, err)
	}
	return applied, nil
}

// Attach adds target to the owner's collection property.
// Uses ON CONFLICT DO NOTHING for idempotency: returns false if the target
// was already attached. The owner must exist.
func (s *Store) Attach(ctx context.Context, owner record.RecordRef, property string, target record.RecordRef) (bool, error) {
	inserted, err := insertRelation(ctx, s.db, owner, property, target, s.clock.Next())
	if err != nil {
		return false, fmt.Errorf("attach %s.%s -> %s: %w", owner, property, target, err)
	}
	return inserted, nil
}

// PruneRelations detaches every target of the owner's property that is not
// listed in keep.
func (s *Store) PruneRelations(ctx context.Context, owner record.RecordRef, property string, keep []record.RecordRef) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := readRelations(ctx, tx, owner)
		if err != nil {
			return err
		}
		wanted := make(map[record.RecordRef]bool, len(keep))
		for _, k := range keep {
			wanted[k] = true
		}
		for _, rel := range current {
			if rel.Property != property || wanted[rel.Target] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM relations
				WHERE owner_type = ? AND owner_key = ? AND property = ? AND target_type = ? AND target_key = ?
			`, string(owner.Type), owner.Key, property, string(rel.Target.Type), rel.Target.Key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune %s.%s: %w", owner, property, err)
	}
	return removed, nil
}

// Acknowledge records that the remote accepted a push.
//
// A saved record's dirty flag is cleared only if it has not been modified
// since the change was read (same seq); a change with seq 0 always clears
// it. An acknowledged deletion marks its tombstone clean, ready for
// PurgeTombstones. Returns the number of rows updated.
func (s *Store) Acknowledge(ctx context.Context, saved []record.ChangeRecord, deleted []record.RecordRef) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range saved {
			res, err := tx.ExecContext(ctx, `
				UPDATE records SET dirty = 0
				WHERE record_type = ? AND primary_key = ? AND deleted = 0 AND (? = 0 OR seq = ?)
			`, string(c.Type), c.Key, c.Seq, c.Seq)
			if err != nil {
				return err
			}
			k, _ := res.RowsAffected()
			n += k
		}
		for _, d := range deleted {
			res, err := tx.ExecContext(ctx, `
				UPDATE records SET dirty = 0
				WHERE record_type = ? AND primary_key = ? AND deleted = 1
			`, string(d.Type), d.Key)
			if err != nil {
				return err
			}
			k, _ := res.RowsAffected()
			n += k
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("acknowledge: %w", err)
	}
	return n, nil
}

// PurgeTombstones removes acknowledged tombstones of a type.
func (s *Store) PurgeTombstones(ctx context.Context, typ record.RecordType) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE record_type = ? AND deleted = 1 AND dirty = 0
	`, string(typ))
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return res.RowsAffected()
}

func upsertRow(ctx context.Context, q querier, ref record.RecordRef, fields record.Fields, seq int64, dirty bool) error {
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (record_type, primary_key, fields, seq, dirty, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(record_type, primary_key) DO UPDATE SET
			fields = excluded.fields,
			seq = excluded.seq,
			dirty = excluded.dirty,
			deleted = 0
	`, string(ref.Type), ref.Key, fieldsJSON, seq, dirty)
	return err
}

func insertRelation(ctx context.Context, q querier, owner record.RecordRef, property string, target record.RecordRef, seq int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO relations (owner_type, owner_key, property, target_type, target_key, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(owner.Type), owner.Key, property, string(target.Type), target.Key, seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
