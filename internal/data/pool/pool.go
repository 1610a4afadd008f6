// Package pool owns the configured providers and hands out bounded sessions to units of work.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/logger"
)

// DefaultMaxSessions bounds concurrent sessions per provider when registration passes 0.
const DefaultMaxSessions = 16

type entry struct {
	prov  provider.Provider
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

// Pool is safe for concurrent use; it outlives any single unit of work.
type Pool struct {
	log *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	closed  bool
}

func New(log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		log:     log.With("component", "pool"),
		entries: map[string]*entry{},
	}
}

// Register adds a provider under its own name.
func (p *Pool) Register(prov provider.Provider, maxSessions int) error {
	if prov == nil {
		return aggregates.Errorf(aggregates.CodeSchema, "pool.register", "nil provider")
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return aggregates.Errorf(aggregates.CodeConnectivity, "pool.register", "pool is closed")
	}
	name := prov.Name()
	if _, dup := p.entries[name]; dup {
		return aggregates.Errorf(aggregates.CodeSchema, "pool.register", "provider %q already registered", name)
	}
	p.entries[name] = &entry{prov: prov, sem: semaphore.NewWeighted(int64(maxSessions))}
	p.order = append(p.order, name)
	p.log.Info("provider registered",
		"provider", name,
		"family", prov.Family(),
		"capabilities", prov.Capabilities().String(),
		"max_sessions", maxSessions,
	)
	return nil
}

func (p *Pool) get(op, name string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, aggregates.Errorf(aggregates.CodeConnectivity, op, "pool is closed")
	}
	e, ok := p.entries[name]
	if !ok {
		return nil, aggregates.Errorf(aggregates.CodeSchema, op, "provider %q is not configured", name)
	}
	return e, nil
}

// Provider returns the registered provider called name.
func (p *Pool) Provider(name string) (provider.Provider, error) {
	e, err := p.get("pool.provider", name)
	if err != nil {
		return nil, err
	}
	return e.prov, nil
}

// Names lists providers in registration order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Checkout opens a session on the named provider, waiting for a free slot.
// Closing the returned session checks it back in.
func (p *Pool) Checkout(ctx context.Context, name string) (provider.Session, error) {
	const op = "pool.checkout"
	e, err := p.get(op, name)
	if err != nil {
		return nil, err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, aggregates.NewError(aggregates.CodeConnectivity, op, "waiting for a "+name+" session", err)
	}
	sess, err := e.prov.Open(ctx)
	if err != nil {
		e.sem.Release(1)
		var ae *aggregates.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}
	e.inUse.Add(1)
	return &pooledSession{Session: sess, release: func() {
		e.inUse.Add(-1)
		e.sem.Release(1)
	}}, nil
}

// InUse reports how many sessions of name are checked out.
func (p *Pool) InUse(name string) int {
	e, err := p.get("pool.in_use", name)
	if err != nil {
		return 0
	}
	return int(e.inUse.Load())
}

// Health pings every provider concurrently and returns the failures by name.
func (p *Pool) Health(ctx context.Context) map[string]error {
	names := p.Names()
	var (
		mu  sync.Mutex
		out = map[string]error{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		name := name
		g.Go(func() error {
			prov, err := p.Provider(name)
			if err == nil {
				err = prov.Ping(gctx)
			}
			if err != nil {
				mu.Lock()
				out[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Ping returns the joined failures of Health, sorted by provider name.
func (p *Pool) Ping(ctx context.Context) error {
	failures := p.Health(ctx)
	if len(failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(failures))
	for n := range failures {
		names = append(names, n)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, n := range names {
		p.log.Warn("provider ping failed", "provider", n, "error", failures[n])
		errs = append(errs, failures[n])
	}
	return errors.Join(errs...)
}

// Migrate creates the storage structures of every schema on its bound provider.
func (p *Pool) Migrate(ctx context.Context, reg *schema.Registry) error {
	for _, name := range reg.Providers() {
		prov, err := p.Provider(name)
		if err != nil {
			return err
		}
		schemas := reg.ForProvider(name)
		if err := prov.Migrate(ctx, schemas); err != nil {
			return err
		}
		p.log.Info("provider migrated", "provider", name, "schemas", len(schemas))
	}
	return nil
}

// Close closes every provider. Sessions still checked out become unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry, 0, len(p.order))
	for _, n := range p.order {
		entries = append(entries, p.entries[n])
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.prov.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type pooledSession struct {
	provider.Session
	once    sync.Once
	release func()
}

func (s *pooledSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Session.Close()
		s.release()
	})
	return err
}
