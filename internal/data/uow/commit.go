package uow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/protean/internal/data/identity"
	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/tracking"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/observability"
	"github.com/yungbote/protean/internal/platform/ctxutil"
)

// batch is the slice of pending changes bound for one provider.
type batch struct {
	provider      string
	transactional bool
	// unique is set when the provider enforces unique fields itself
	unique        bool
	session       provider.Session
	changes       []provider.Change
}

func (b *batch) keys() []string {
	out := make([]string, 0, len(b.changes))
	for _, c := range b.changes {
		out = append(out, c.Key())
	}
	return out
}

type flushed struct {
	pending tracking.Pending
	change  provider.Change
}

// Commit flushes every pending change and commits each participating provider.
//
// Transactional providers persist first so a failure among them never follows an
// irreversible write. If a persist fails, transactional sessions roll back and
// non-transactional ones that already wrote are reported for compensation in a
// *aggregates.PartialCommitError. A failure that left nothing applied surfaces the
// provider's own error. Events are published only after every commit succeeded.
func (u *Unit) Commit(ctx context.Context) (err error) {
	const op = "uow.commit"
	if err := u.EnsureActive(op); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, op, trace.WithAttributes(attribute.String("unit.id", u.id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(aggregates.CodeOf(err)))
		}
		span.End()
		u.observe(op, start, err)
	}()

	if u.fault != nil {
		fault := u.fault
		_ = u.Rollback(ctx)
		return fault
	}
	u.state = StateFlushing

	batches, items, err := u.plan(ctx)
	if err != nil {
		u.abort(ctx, batches)
		return err
	}
	span.SetAttributes(attribute.Int("uow.changes", len(items)), attribute.Int("uow.providers", len(batches)))

	for _, b := range batches {
		if b.unique {
			continue
		}
		if err := u.checkUnique(ctx, b); err != nil {
			u.abort(ctx, batches)
			return err
		}
	}

	for _, b := range batches {
		if !b.transactional {
			continue
		}
		if err := b.session.Begin(ctx); err != nil {
			u.abort(ctx, batches)
			return classify(op, err)
		}
	}

	var written []*batch
	for _, b := range batches {
		if err := u.persist(ctx, b); err != nil {
			return u.persistFailed(ctx, batches, written, b, err)
		}
		written = append(written, b)
	}

	var committed []string
	for i, b := range batches {
		if !b.transactional {
			continue
		}
		if err := b.session.Commit(ctx); err != nil {
			return u.commitFailed(ctx, batches, committed, i, err)
		}
		committed = append(committed, b.provider)
	}

	u.applyFlushed(items)
	u.finish(StateCommitted)
	u.log.Debug("unit committed", "changes", len(items), "providers", len(batches), "events", len(u.buffer))

	if len(u.buffer) > 0 {
		corr := ctxutil.Correlation(ctx)
		for i := range u.buffer {
			u.buffer[i].TraceID = corr.TraceID
			u.buffer[i].RequestID = corr.RequestID
		}
		if err := u.sink.Publish(ctx, u.buffer); err != nil {
			u.log.Warn("event dispatch failed after commit", "events", len(u.buffer), "error", err)
			return aggregates.NewError(aggregates.CodeEventDispatch, op, "events not delivered after durable commit", err)
		}
	}
	return nil
}

// plan turns pending changes into per-provider batches: transactional providers first,
// each group in order of first appearance.
func (u *Unit) plan(ctx context.Context) ([]*batch, []flushed, error) {
	const op = "uow.commit"
	pending := u.tracker.PendingChanges()
	byName := map[string]*batch{}
	var order []*batch
	var items []flushed
	for _, p := range pending {
		root := aggregates.RootOf(p.Instance)
		rec, err := p.Schema.Record(p.Instance)
		if err != nil {
			return order, nil, err
		}
		change := provider.Change{Schema: p.Schema, Tag: p.Tag, ID: root.ID, Version: root.Version, Record: rec, Fields: p.Fields}
		switch p.Tag {
		case provider.TagNew:
			change.NextVersion = 1
		case provider.TagDirty:
			change.NextVersion = root.Version + 1
		default:
			change.NextVersion = root.Version
		}
		if p.Tag != provider.TagRemoved {
			if err := p.Schema.Validate(rec); err != nil {
				return order, nil, err
			}
		}
		b, ok := byName[p.Schema.Provider]
		if !ok {
			prov, err := u.pool.Provider(p.Schema.Provider)
			if err != nil {
				return order, nil, err
			}
			sess, err := u.sessionFor(ctx, p.Schema.Provider)
			if err != nil {
				return order, nil, err
			}
			b = &batch{
				provider:      p.Schema.Provider,
				transactional: prov.Capabilities().Has(provider.CapTransactions),
				unique:        prov.Capabilities().Has(provider.CapUnique),
				session:       sess,
			}
			byName[b.provider] = b
			order = append(order, b)
		}
		b.changes = append(b.changes, change)
		items = append(items, flushed{pending: p, change: change})
	}
	out := make([]*batch, 0, len(order))
	for _, b := range order {
		if b.transactional {
			out = append(out, b)
		}
	}
	for _, b := range order {
		if !b.transactional {
			out = append(out, b)
		}
	}
	return out, items, nil
}

// sessionFor is Session without the Active check; Commit runs in Flushing.
func (u *Unit) sessionFor(ctx context.Context, name string) (provider.Session, error) {
	if s, ok := u.sessions[name]; ok {
		return s, nil
	}
	s, err := u.pool.Checkout(ctx, name)
	if err != nil {
		return nil, err
	}
	u.sessions[name] = s
	u.touched = append(u.touched, name)
	return s, nil
}

func (u *Unit) persist(ctx context.Context, b *batch) error {
	ctx, span := observability.Tracer().Start(ctx, "provider.persist", trace.WithAttributes(
		attribute.String("provider", b.provider),
		attribute.Int("changes", len(b.changes)),
		attribute.Bool("transactional", b.transactional),
	))
	defer span.End()
	start := time.Now()
	err := b.session.Persist(ctx, b.changes)
	u.observe("provider.persist."+b.provider, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(aggregates.CodeOf(err)))
	}
	return err
}

// rollbackTransactional rolls back every transactional batch and returns their names.
func (u *Unit) rollbackTransactional(ctx context.Context, batches []*batch) []string {
	var names []string
	for _, b := range batches {
		if !b.transactional {
			continue
		}
		if err := b.session.Rollback(ctx); err != nil {
			u.log.Warn("provider rollback failed", "provider", b.provider, "error", err)
		}
		names = append(names, b.provider)
	}
	return names
}

// abort ends a commit that failed before any provider wrote.
func (u *Unit) abort(ctx context.Context, batches []*batch) {
	u.rollbackTransactional(ctx, batches)
	u.finish(StateRolledBack)
}

func (u *Unit) persistFailed(ctx context.Context, batches, written []*batch, failed *batch, cause error) error {
	const op = "uow.commit"
	rolledBack := u.rollbackTransactional(ctx, batches)
	var (
		comp      []aggregates.Compensation
		committed []string
	)
	for _, b := range written {
		if !b.transactional {
			comp = append(comp, aggregates.Compensation{Provider: b.provider, Keys: b.keys()})
			committed = append(committed, b.provider)
		}
	}
	// a non-transactional provider may have applied part of its batch before failing
	var applied *provider.AppliedError
	if errors.As(cause, &applied) {
		cause = applied.Err
	}
	if !failed.transactional {
		keys := failed.keys()
		if applied != nil && applied.Applied < len(keys) {
			keys = keys[:applied.Applied]
		}
		if len(keys) > 0 {
			comp = append(comp, aggregates.Compensation{Provider: failed.provider, Keys: keys})
		}
	}
	u.finish(StateRolledBack)
	if len(comp) == 0 {
		return classify(op, cause)
	}
	u.log.Error("commit degraded: manual compensation required", "failed_provider", failed.provider, "error", cause)
	return &aggregates.PartialCommitError{Committed: committed, RolledBack: rolledBack, NeedsCompensation: comp, Cause: classify(op, cause)}
}

func (u *Unit) commitFailed(ctx context.Context, batches []*batch, committed []string, failedAt int, cause error) error {
	const op = "uow.commit"
	var rolledBack []string
	for _, b := range batches[failedAt:] {
		if !b.transactional {
			continue
		}
		if b != batches[failedAt] {
			if err := b.session.Rollback(ctx); err != nil {
				u.log.Warn("provider rollback failed", "provider", b.provider, "error", err)
			}
		}
		rolledBack = append(rolledBack, b.provider)
	}
	var comp []aggregates.Compensation
	done := append([]string(nil), committed...)
	for _, b := range batches {
		applied := !b.transactional
		for _, name := range committed {
			if name == b.provider {
				applied = true
			}
		}
		if applied {
			comp = append(comp, aggregates.Compensation{Provider: b.provider, Keys: b.keys()})
			if !b.transactional {
				done = append(done, b.provider)
			}
		}
	}
	u.finish(StateRolledBack)
	if len(comp) == 0 {
		return classify(op, cause)
	}
	u.log.Error("commit degraded: manual compensation required", "failed_provider", batches[failedAt].provider, "error", cause)
	return &aggregates.PartialCommitError{Committed: done, RolledBack: rolledBack, NeedsCompensation: comp, Cause: classify(op, cause)}
}

// applyFlushed moves versions onto instances and resets the tracker after a durable commit.
func (u *Unit) applyFlushed(items []flushed) {
	for _, it := range items {
		inst := it.pending.Instance
		s := it.pending.Schema
		root := aggregates.RootOf(inst)
		if it.change.Tag == provider.TagRemoved {
			u.identity.Remove(identity.Key{Type: s.Name, ID: root.ID})
			u.tracker.MarkFlushed(inst, nil)
			u.Unbind(inst)
			continue
		}
		root.Version = it.change.NextVersion
		snap, err := s.Snapshot(it.change.Record)
		if err != nil {
			snap = it.change.Record
		}
		u.tracker.MarkFlushed(inst, snap)
	}
}

// classify keeps taxonomy errors as they are and marks anything else internal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *aggregates.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}
	return aggregates.Wrap(aggregates.CodeInternal, op, err)
}
