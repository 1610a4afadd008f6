package testutil

import (
	"context"
	"sync"

	"github.com/yungbote/protean/internal/data/provider"
)

// InjectedProvider wraps a provider and fails chosen verbs on demand.
// It supports partial-commit scenarios without a second real backend.
type InjectedProvider struct {
	provider.Provider

	mu sync.Mutex

	FailOpen    error
	FailBegin   error
	FailPersist error
	FailCommit  error

	// Drop hides capabilities of the wrapped provider.
	Drop provider.Capability

	OpenCalls     int
	PersistCalls  int
	CommitCalls   int
	RollbackCalls int
	Persisted     [][]provider.Change
}

var _ provider.Provider = (*InjectedProvider)(nil)

func Inject(p provider.Provider) *InjectedProvider {
	return &InjectedProvider{Provider: p}
}

func (p *InjectedProvider) Capabilities() provider.Capability {
	return p.Provider.Capabilities() &^ p.Drop
}

func (p *InjectedProvider) Open(ctx context.Context) (provider.Session, error) {
	p.mu.Lock()
	p.OpenCalls++
	fail := p.FailOpen
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	s, err := p.Provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &injectedSession{Session: s, p: p}, nil
}

func (p *InjectedProvider) Calls() (persist, commit, rollback int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PersistCalls, p.CommitCalls, p.RollbackCalls
}

type injectedSession struct {
	provider.Session
	p *InjectedProvider
}

func (s *injectedSession) Begin(ctx context.Context) error {
	s.p.mu.Lock()
	fail := s.p.FailBegin
	s.p.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Session.Begin(ctx)
}

func (s *injectedSession) Persist(ctx context.Context, changes []provider.Change) error {
	s.p.mu.Lock()
	s.p.PersistCalls++
	s.p.Persisted = append(s.p.Persisted, append([]provider.Change(nil), changes...))
	fail := s.p.FailPersist
	s.p.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Session.Persist(ctx, changes)
}

func (s *injectedSession) Commit(ctx context.Context) error {
	s.p.mu.Lock()
	s.p.CommitCalls++
	fail := s.p.FailCommit
	s.p.mu.Unlock()
	if fail != nil {
		_ = s.Session.Rollback(ctx)
		return fail
	}
	return s.Session.Commit(ctx)
}

func (s *injectedSession) Rollback(ctx context.Context) error {
	s.p.mu.Lock()
	s.p.RollbackCalls++
	s.p.mu.Unlock()
	return s.Session.Rollback(ctx)
}
