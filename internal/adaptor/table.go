package adaptor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/cloudsync/internal/engine"
	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/store"
)

// ErrNotRegistered is returned by RegisterPendingRelationship before the
// engine has registered its local database.
var ErrNotRegistered = errors.New("local database not registered")

// Table is the SyncObject for one record type over a store.Store.
type Table struct {
	typ       record.RecordType
	pred      record.Predicate
	relations map[string]record.RecordType // Collection property → target type
	store     *store.Store

	mu   sync.Mutex
	db   engine.LocalDatabase
	pipe engine.ChangePipe
}

// Option configures a Table.
type Option func(*Table)

// WithPredicate limits the records pulled for the table.
func WithPredicate(p record.Predicate) Option {
	return func(t *Table) {
		t.pred = p
	}
}

// WithRelationship declares a collection property holding records of
// target type.
func WithRelationship(property string, target record.RecordType) Option {
	return func(t *Table) {
		t.relations[property] = target
	}
}

// New creates the table for typ.
func New(s *store.Store, typ record.RecordType, opts ...Option) *Table {
	t := &Table{
		typ:       typ,
		pred:      record.PredicateAll,
		relations: make(map[string]record.RecordType),
		store:     s,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordType implements engine.SyncObject.
func (t *Table) RecordType() record.RecordType { return t.typ }

// Predicate implements engine.SyncObject.
func (t *Table) Predicate() record.Predicate { return t.pred }

// Relationships returns the declared collection properties, sorted.
func (t *Table) Relationships() []string {
	props := make([]string, 0, len(t.relations))
	for p := range t.relations {
		props = append(props, p)
	}
	slices.Sort(props)
	return props
}

// RegisterLocalDatabase implements engine.SyncObject.
func (t *Table) RegisterLocalDatabase(_ context.Context, db engine.LocalDatabase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = db
	return nil
}

// SetChangePipe implements engine.SyncObject.
func (t *Table) SetChangePipe(pipe engine.ChangePipe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pipe = pipe
}

// RegisterPendingRelationship defers attaching target to the owner's
// property until target exists locally.
func (t *Table) RegisterPendingRelationship(target record.RecordRef, property string, owner record.RecordRef) error {
	t.mu.Lock()
	db := t.db
	t.mu.Unlock()
	if db == nil {
		return ErrNotRegistered
	}
	db.RegisterPendingRelationship(target, property, owner)
	return nil
}

// Upsert writes fields to the record as a local change and pushes it.
// Fields not named keep their values.
func (t *Table) Upsert(ctx context.Context, key string, fields record.Fields) (record.ChangeRecord, error) {
	var change record.ChangeRecord
	err := t.write(ctx, func(ctx context.Context) error {
		var err error
		change, err = t.store.PutLocal(ctx, t.ref(key), fields)
		return err
	})
	if err != nil {
		return record.ChangeRecord{}, err
	}
	t.notify([]record.ChangeRecord{change}, nil)
	return change, nil
}

// Delete removes the record as a local change and pushes the deletion.
// Returns false if the record did not exist.
func (t *Table) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := t.write(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = t.store.DeleteLocal(ctx, t.ref(key))
		return err
	})
	if err != nil || !deleted {
		return false, err
	}
	t.notify(nil, []record.RecordRef{t.ref(key)})
	return true, nil
}

// Link appends the target key to the record's collection property as a
// local change and pushes the record.
func (t *Table) Link(ctx context.Context, key, property, targetKey string) (record.ChangeRecord, error) {
	targetType, ok := t.relations[property]
	if !ok {
		return record.ChangeRecord{}, fmt.Errorf("%s has no relationship %q", t.typ, property)
	}
	var change record.ChangeRecord
	err := t.write(ctx, func(ctx context.Context) error {
		var err error
		change, err = t.store.LinkLocal(ctx, t.ref(key), property, record.RecordRef{Type: targetType, Key: targetKey})
		return err
	})
	if err != nil {
		return record.ChangeRecord{}, err
	}
	t.notify([]record.ChangeRecord{change}, nil)
	return change, nil
}

// Get reads one record, tombstones included.
func (t *Table) Get(ctx context.Context, key string) (store.Row, bool, error) {
	return t.store.Get(ctx, t.ref(key))
}

// Select reads the live records matching pred.
func (t *Table) Select(ctx context.Context, pred record.Predicate) ([]store.Row, error) {
	return t.store.Select(ctx, t.typ, pred)
}

// Refs reads the record's collections.
func (t *Table) Refs(ctx context.Context, key string) (record.Refs, error) {
	return t.store.Refs(ctx, t.ref(key))
}

// PendingLocalChanges implements engine.SyncObject.
func (t *Table) PendingLocalChanges(ctx context.Context) ([]record.ChangeRecord, []record.RecordRef, error) {
	return t.store.PendingChanges(ctx, t.typ)
}

// Apply implements engine.SyncObject.
//
// A record with unacknowledged local changes is not overwritten: its
// pending push reaches the remote, where the last accepted write wins. For
// every declared collection property in the record, targets present locally
// are attached, missing ones are registered as pending, and stale ones are
// detached.
func (t *Table) Apply(ctx context.Context, rec record.RemoteRecord) error {
	applied, err := t.store.ApplyRemote(ctx, rec)
	if err != nil || !applied {
		return err
	}

	owner := rec.Ref()
	props := make([]string, 0, len(rec.Refs))
	for p := range rec.Refs {
		props = append(props, p)
	}
	slices.Sort(props)

	for _, property := range props {
		targetType, ok := t.relations[property]
		if !ok {
			continue
		}
		keep := make([]record.RecordRef, 0, len(rec.Refs[property]))
		for _, key := range rec.Refs[property] {
			target := record.RecordRef{Type: targetType, Key: key}
			keep = append(keep, target)

			exists, err := t.store.Exists(ctx, target)
			if err != nil {
				return err
			}
			if !exists {
				if err := t.RegisterPendingRelationship(target, property, owner); err != nil {
					return err
				}
				continue
			}
			if _, err := t.store.Attach(ctx, owner, property, target); err != nil {
				return err
			}
		}
		if _, err := t.store.PruneRelations(ctx, owner, property, keep); err != nil {
			return err
		}
	}
	return nil
}

// Contains implements engine.SyncObject.
func (t *Table) Contains(ctx context.Context, key string) (bool, error) {
	return t.store.Exists(ctx, t.ref(key))
}

// Attach implements engine.SyncObject.
func (t *Table) Attach(ctx context.Context, key, property string, target record.RecordRef) (bool, error) {
	return t.store.Attach(ctx, t.ref(key), property, target)
}

// Acknowledge implements engine.SyncObject. Acknowledged tombstones are
// purged.
func (t *Table) Acknowledge(ctx context.Context, saved []record.ChangeRecord, deleted []record.RecordRef) error {
	if _, err := t.store.Acknowledge(ctx, saved, deleted); err != nil {
		return err
	}
	_, err := t.store.PurgeTombstones(ctx, t.typ)
	return err
}

// CleanUp implements engine.SyncObject. It purges acknowledged tombstones
// and detaches from the engine.
func (t *Table) CleanUp(ctx context.Context) error {
	t.mu.Lock()
	t.db = nil
	t.pipe = nil
	t.mu.Unlock()

	_, err := t.store.PurgeTombstones(ctx, t.typ)
	return err
}

// write runs fn on the engine's writer, or directly when unregistered.
func (t *Table) write(ctx context.Context, fn func(context.Context) error) error {
	t.mu.Lock()
	db := t.db
	t.mu.Unlock()
	if db == nil {
		return fn(ctx)
	}
	return db.Write(ctx, fn)
}

func (t *Table) notify(ups []record.ChangeRecord, dels []record.RecordRef) {
	t.mu.Lock()
	pipe := t.pipe
	t.mu.Unlock()
	if pipe != nil {
		pipe(ups, dels)
	}
}

func (t *Table) ref(key string) record.RecordRef {
	return record.RecordRef{Type: t.typ, Key: key}
}
