// Package memory is the in-process provider: process-wide tables behind concurrent maps,
// with version checks, unique fields and optional all-or-nothing commits.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/logger"
)

type table = xsync.MapOf[string, provider.Row]

type Option func(*Provider)

// WithTransactions toggles staged commits. Without them writes land during Persist.
func WithTransactions(on bool) Option {
	return func(p *Provider) { p.tx = on }
}

func WithLogger(log *logger.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

type Provider struct {
	name   string
	tx     bool
	log    *logger.Logger
	tables *xsync.MapOf[string, *table]

	// writeMu makes the check-then-write of a batch atomic across sessions.
	writeMu sync.Mutex
	closed  atomic.Bool
}

func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:   name,
		tx:     true,
		log:    logger.Nop(),
		tables: xsync.NewMapOf[string, *table](),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "memory", "provider", name)
	return p
}

func (p *Provider) Name() string             { return p.name }
func (p *Provider) Family() provider.Family { return provider.FamilyMemory }

func (p *Provider) Capabilities() provider.Capability {
	c := provider.CapVersionCheck | provider.CapUnique | provider.CapRawQuery | provider.CapOrdering
	if p.tx {
		c |= provider.CapTransactions
	}
	return c
}

func (p *Provider) table(name string) *table {
	t, _ := p.tables.LoadOrCompute(name, func() *table { return xsync.NewMapOf[string, provider.Row]() })
	return t
}

func (p *Provider) Open(ctx context.Context) (provider.Session, error) {
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	return &session{p: p}, nil
}

func (p *Provider) Migrate(ctx context.Context, schemas []*schema.Schema) error {
	if err := p.Ping(ctx); err != nil {
		return err
	}
	for _, s := range schemas {
		p.table(s.Name)
	}
	return nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return aggregates.Errorf(aggregates.CodeConnectivity, "memory.ping", "provider %s is closed", p.name)
	}
	return ctx.Err()
}

func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

// Len reports the number of rows stored for a schema.
func (p *Provider) Len(schemaName string) int {
	t, ok := p.tables.Load(schemaName)
	if !ok {
		return 0
	}
	return t.Size()
}

// Reset drops every table.
func (p *Provider) Reset() {
	p.tables.Clear()
}

func (p *Provider) rows(s *schema.Schema) []provider.Row {
	t := p.table(s.Name)
	out := make([]provider.Row, 0, t.Size())
	t.Range(func(_ string, r provider.Row) bool {
		out = append(out, clone(r))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// apply checks every change against the current state plus the earlier changes of
// the batch, then writes them all unless dryRun is set. Nothing is written when a check fails.
func (p *Provider) apply(changes []provider.Change, dryRun bool) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Load() {
		return aggregates.Errorf(aggregates.CodeConnectivity, "memory.apply", "provider %s is closed", p.name)
	}

	type key struct{ schema, id string }
	overlay := map[key]*provider.Row{}
	current := func(s *schema.Schema, id string) (provider.Row, bool) {
		if r, ok := overlay[key{s.Name, id}]; ok {
			if r == nil {
				return provider.Row{}, false
			}
			return *r, true
		}
		return p.table(s.Name).Load(id)
	}

	for _, c := range changes {
		const op = "memory.persist"
		existing, found := current(c.Schema, c.ID)
		switch c.Tag {
		case provider.TagNew:
			if found {
				return aggregates.Errorf(aggregates.CodeConflict, op, "%s already exists", c.Key())
			}
		case provider.TagDirty, provider.TagRemoved:
			if !found {
				return aggregates.Errorf(aggregates.CodeConflict, op, "%s was deleted concurrently", c.Key())
			}
			if existing.Version != c.Version {
				return aggregates.Errorf(aggregates.CodeConflict, op, "%s version mismatch: stored=%d expected=%d", c.Key(), existing.Version, c.Version)
			}
		default:
			continue
		}
		if c.Tag == provider.TagRemoved {
			overlay[key{c.Schema.Name, c.ID}] = nil
			continue
		}
		rec, err := c.Schema.Snapshot(c.Record)
		if err != nil {
			return err
		}
		if c.Tag == provider.TagDirty && len(c.Fields) > 0 {
			// only the tracked fields change; the rest of the stored row stays as it was
			merged := make(schema.Record, len(existing.Record))
			for k, v := range existing.Record {
				merged[k] = v
			}
			for _, f := range c.Fields {
				merged[f] = rec[f]
			}
			if rec, err = c.Schema.Snapshot(merged); err != nil {
				return err
			}
		}
		for _, f := range c.Schema.UniqueFields() {
			v := rec[f.Name]
			if v == nil {
				continue
			}
			taken := false
			for k, r := range overlay {
				if r != nil && k.schema == c.Schema.Name && k.id != c.ID && equal(r.Record[f.Name], v) {
					taken = true
				}
			}
			p.table(c.Schema.Name).Range(func(id string, r provider.Row) bool {
				if id == c.ID {
					return true
				}
				if _, shadowed := overlay[key{c.Schema.Name, id}]; shadowed {
					return true
				}
				if equal(r.Record[f.Name], v) {
					taken = true
					return false
				}
				return true
			})
			if taken {
				return aggregates.Errorf(aggregates.CodeConflict, op, "%s: %s=%v is not unique", c.Key(), f.Name, v)
			}
		}
		overlay[key{c.Schema.Name, c.ID}] = &provider.Row{ID: c.ID, Version: c.NextVersion, Record: rec}
	}

	if dryRun {
		return nil
	}
	for k, r := range overlay {
		t := p.table(k.schema)
		if r == nil {
			t.Delete(k.id)
			continue
		}
		t.Store(k.id, *r)
	}
	return nil
}

type session struct {
	p      *Provider
	inTx   bool
	staged []provider.Change
}

func (s *session) FetchOne(ctx context.Context, sc *schema.Schema, id string) (provider.Row, bool, error) {
	if err := s.p.Ping(ctx); err != nil {
		return provider.Row{}, false, err
	}
	r, ok := s.p.table(sc.Name).Load(id)
	if !ok {
		return provider.Row{}, false, nil
	}
	return clone(r), true, nil
}

func (s *session) FetchMany(ctx context.Context, sc *schema.Schema, q provider.Query) (provider.Cursor, error) {
	if err := s.p.Ping(ctx); err != nil {
		return nil, err
	}
	return provider.NewSliceCursor(provider.Apply(s.p.rows(sc), q)), nil
}

func (s *session) Count(ctx context.Context, sc *schema.Schema, q provider.Query) (int, error) {
	if err := s.p.Ping(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range s.p.rows(sc) {
		if provider.Match(r, q) {
			n++
		}
	}
	return n, nil
}

func (s *session) Raw(ctx context.Context, sc *schema.Schema, statement string, args ...any) (provider.Cursor, error) {
	if err := s.p.Ping(ctx); err != nil {
		return nil, err
	}
	pred, err := provider.CompilePredicate(statement, args...)
	if err != nil {
		return nil, err
	}
	rows, err := pred.Filter(s.p.rows(sc))
	if err != nil {
		return nil, err
	}
	provider.SortRows(rows, sc.OrderBy)
	return provider.NewSliceCursor(rows), nil
}

func (s *session) Persist(ctx context.Context, changes []provider.Change) error {
	if err := ctx.Err(); err != nil {
		return aggregates.Wrap(aggregates.CodeConnectivity, "memory.persist", err)
	}
	if s.inTx {
		staged := append(append([]provider.Change(nil), s.staged...), changes...)
		if err := s.p.apply(staged, true); err != nil {
			return err
		}
		s.staged = staged
		return nil
	}
	for i, c := range changes {
		if err := s.p.apply([]provider.Change{c}, false); err != nil {
			return &provider.AppliedError{Applied: i, Err: err}
		}
	}
	return nil
}

func (s *session) Begin(ctx context.Context) error {
	if s.p.tx {
		s.inTx = true
		s.staged = nil
	}
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if !s.inTx {
		return nil
	}
	staged := s.staged
	s.inTx, s.staged = false, nil
	if err := ctx.Err(); err != nil {
		return aggregates.Wrap(aggregates.CodeConnectivity, "memory.commit", err)
	}
	if err := s.p.apply(staged, false); err != nil {
		s.p.log.Debug("commit rejected", "changes", len(staged), "error", err)
		return err
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	s.inTx, s.staged = false, nil
	return nil
}

func (s *session) Close() error {
	s.inTx, s.staged = false, nil
	return nil
}

func clone(r provider.Row) provider.Row {
	rec := make(schema.Record, len(r.Record))
	for k, v := range r.Record {
		rec[k] = v
	}
	return provider.Row{ID: r.ID, Version: r.Version, Record: rec}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return provider.Compare(a, b) == 0
}
