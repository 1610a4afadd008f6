// Package repository gives typed, collection-like access to one aggregate type
// inside a unit of work.
package repository

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/protean/internal/data/identity"
	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/data/uow"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Repository is bound to one unit and one aggregate type. Add, Update and Remove
// only record intent; storage is written when the unit commits.
type Repository[T aggregates.Aggregate] struct {
	unit   *uow.Unit
	schema *schema.Schema
}

// For returns the repository of T within u. T is the aggregate pointer type.
func For[T aggregates.Aggregate](u *uow.Unit) (*Repository[T], error) {
	if u == nil {
		return nil, aggregates.Errorf(aggregates.CodeInvalidStateTransition, "repository.for", "nil unit")
	}
	s, err := schema.For[T](u.Registry())
	if err != nil {
		return nil, err
	}
	return &Repository[T]{unit: u, schema: s}, nil
}

// MustFor panics when T is not registered.
func MustFor[T aggregates.Aggregate](u *uow.Unit) *Repository[T] {
	r, err := For[T](u)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Repository[T]) Schema() *schema.Schema { return r.schema }

func (r *Repository[T]) key(id string) identity.Key {
	return identity.Key{Type: r.schema.Name, ID: id}
}

// Add registers inst as new. An empty ID is assigned a fresh UUID.
func (r *Repository[T]) Add(inst T) error {
	const op = "repository.add"
	if err := r.unit.EnsureActive(op); err != nil {
		return err
	}
	if isNil(inst) {
		return aggregates.Errorf(aggregates.CodeValidation, op, "nil %s", r.schema.Name)
	}
	root := aggregates.RootOf(inst)
	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	rec, err := r.schema.Record(inst)
	if err != nil {
		return err
	}
	if err := r.schema.Validate(rec); err != nil {
		return err
	}
	if err := r.unit.Identity().Register(r.key(root.ID), inst); err != nil {
		return err
	}
	if err := r.unit.Tracker().TrackNew(inst, r.schema); err != nil {
		return err
	}
	r.unit.Bind(inst, r.schema)
	return nil
}

// Get returns the instance with id, from the identity map when already loaded.
// A missing or pending-removed instance is CodeNotFound.
func (r *Repository[T]) Get(ctx context.Context, id string) (out T, err error) {
	const op = "repository.get"
	defer r.observe(op, time.Now(), &err)
	if err := r.unit.EnsureActive(op); err != nil {
		return out, err
	}
	if inst, ok := r.cached(id); ok {
		if r.removed(inst) {
			return out, aggregates.Errorf(aggregates.CodeNotFound, op, "%s:%s is removed in this unit", r.schema.Name, id)
		}
		return inst, nil
	}
	sess, err := r.unit.Session(ctx, r.schema.Provider)
	if err != nil {
		return out, err
	}
	row, found, err := sess.FetchOne(ctx, r.schema, id)
	if err != nil {
		return out, err
	}
	if !found {
		return out, aggregates.Errorf(aggregates.CodeNotFound, op, "%s:%s does not exist", r.schema.Name, id)
	}
	return r.materialize(row)
}

// Find runs q against the provider. Rows already in the identity map yield the
// in-memory instance, not the stored data.
func (r *Repository[T]) Find(ctx context.Context, q provider.Query) (*Iterator[T], error) {
	const op = "repository.find"
	if err := r.unit.EnsureActive(op); err != nil {
		return nil, err
	}
	q = q.WithDefaults(r.schema)
	if err := q.Validate(r.schema); err != nil {
		return nil, err
	}
	sess, err := r.unit.Session(ctx, r.schema.Provider)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	cur, err := sess.FetchMany(ctx, r.schema, q)
	r.observe(op, start, &err)
	if err != nil {
		return nil, err
	}
	return &Iterator[T]{repo: r, cur: cur}, nil
}

// FindAll drains Find into a slice.
func (r *Repository[T]) FindAll(ctx context.Context, q provider.Query) ([]T, error) {
	it, err := r.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	return it.All(ctx)
}

// Exists reports whether q matches at least one visible instance.
func (r *Repository[T]) Exists(ctx context.Context, q provider.Query) (bool, error) {
	it, err := r.Find(ctx, q)
	if err != nil {
		return false, err
	}
	defer it.Close()
	_, err = it.Next(ctx)
	switch {
	case err == nil:
		return true, nil
	case err == Done:
		return false, nil
	default:
		return false, err
	}
}

// Raw passes statement to the provider in its native query language.
func (r *Repository[T]) Raw(ctx context.Context, statement string, args ...any) (*Iterator[T], error) {
	const op = "repository.raw"
	if err := r.unit.EnsureActive(op); err != nil {
		return nil, err
	}
	sess, err := r.unit.Session(ctx, r.schema.Provider)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	cur, err := sess.Raw(ctx, r.schema, statement, args...)
	r.observe(op, start, &err)
	if err != nil {
		return nil, err
	}
	return &Iterator[T]{repo: r, cur: cur}, nil
}

// Update marks fields dirty on inst. Without fields every field that differs from
// the loaded state is marked.
func (r *Repository[T]) Update(inst T, fields ...string) error {
	const op = "repository.update"
	if err := r.unit.EnsureActive(op); err != nil {
		return err
	}
	if err := r.owned(op, inst); err != nil {
		return err
	}
	tr := r.unit.Tracker()
	rec, err := r.schema.Record(inst)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		if _, err := tr.Refresh(inst, rec); err != nil {
			return err
		}
	} else {
		for _, f := range fields {
			if err := tr.MarkDirty(inst, f); err != nil {
				return err
			}
		}
	}
	return r.schema.Validate(rec)
}

// Remove marks inst for deletion. A new instance that was never committed is
// simply forgotten.
func (r *Repository[T]) Remove(inst T) error {
	const op = "repository.remove"
	if err := r.unit.EnsureActive(op); err != nil {
		return err
	}
	if err := r.owned(op, inst); err != nil {
		return err
	}
	tr := r.unit.Tracker()
	tag, _ := tr.Tag(inst)
	if err := tr.MarkRemoved(inst); err != nil {
		return err
	}
	if tag == provider.TagNew {
		r.unit.Identity().Remove(r.key(aggregates.RootOf(inst).ID))
		r.unit.Unbind(inst)
	}
	return nil
}

// owned checks that inst is the instance this unit tracks under its id.
func (r *Repository[T]) owned(op string, inst T) error {
	if isNil(inst) {
		return aggregates.Errorf(aggregates.CodeValidation, op, "nil %s", r.schema.Name)
	}
	root := aggregates.RootOf(inst)
	cur, ok := r.unit.Identity().Lookup(r.key(root.ID))
	if !ok || aggregates.RootOf(cur) != root {
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, op, "%s:%s is not tracked by this unit", r.schema.Name, root.ID)
	}
	return nil
}

func (r *Repository[T]) cached(id string) (T, bool) {
	var zero T
	inst, ok := r.unit.Identity().Lookup(r.key(id))
	if !ok {
		return zero, false
	}
	t, ok := inst.(T)
	return t, ok
}

func (r *Repository[T]) removed(inst T) bool {
	tag, ok := r.unit.Tracker().Tag(inst)
	return ok && tag == provider.TagRemoved
}

// yield resolves a fetched row against the identity map. ok is false for rows
// removed in this unit.
func (r *Repository[T]) yield(row provider.Row) (inst T, ok bool, err error) {
	if cur, found := r.cached(row.ID); found {
		if r.removed(cur) {
			return inst, false, nil
		}
		return cur, true, nil
	}
	inst, err = r.materialize(row)
	if err != nil {
		return inst, false, err
	}
	return inst, true, nil
}

// materialize hydrates a fetched row and starts tracking it as clean.
func (r *Repository[T]) materialize(row provider.Row) (T, error) {
	var zero T
	inst, err := r.schema.Hydrate(row.ID, row.Version, row.Record)
	if err != nil {
		return zero, err
	}
	t, ok := inst.(T)
	if !ok {
		return zero, aggregates.Errorf(aggregates.CodeSchema, "repository.materialize", "%s hydrated as %T", r.schema.Name, inst)
	}
	rec, err := r.schema.Record(inst)
	if err != nil {
		return zero, err
	}
	snap, err := r.schema.Snapshot(rec)
	if err != nil {
		return zero, err
	}
	if err := r.unit.Identity().Register(r.key(row.ID), inst); err != nil {
		return zero, err
	}
	r.unit.Tracker().TrackLoaded(inst, r.schema, snap)
	r.unit.Bind(inst, r.schema)
	return t, nil
}

func (r *Repository[T]) observe(op string, start time.Time, errp *error) {
	status := "success"
	if errp != nil && *errp != nil {
		status = string(aggregates.CodeOf(*errp))
		if status == "" {
			status = "failure"
		}
	}
	r.unit.Hooks().ObserveOperation(op+"."+r.schema.Name, status, time.Since(start))
}

func isNil(a aggregates.Aggregate) bool {
	if a == nil {
		return true
	}
	v := reflect.ValueOf(a)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
