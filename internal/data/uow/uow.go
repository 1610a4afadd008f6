// Package uow bounds a sequence of repository operations and coordinates the flush,
// commit and rollback of every provider they touched.
package uow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/protean/internal/data/identity"
	"github.com/yungbote/protean/internal/data/pool"
	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/data/tracking"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/events"
	"github.com/yungbote/protean/internal/observability"
	"github.com/yungbote/protean/internal/platform/logger"
)

type State int

const (
	StateActive State = iota
	StateFlushing
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type Option func(*Unit)

func WithLogger(log *logger.Logger) Option {
	return func(u *Unit) {
		if log != nil {
			u.log = log
		}
	}
}

func WithHooks(h observability.Hooks) Option {
	return func(u *Unit) {
		if h != nil {
			u.hooks = h
		}
	}
}

// WithSink sets where events go after a durable commit.
func WithSink(s events.Sink) Option {
	return func(u *Unit) {
		if s != nil {
			u.sink = s
		}
	}
}

type bound struct {
	inst   aggregates.Aggregate
	schema *schema.Schema
}

// Unit is a single-use transaction boundary. It belongs to one goroutine.
type Unit struct {
	id    string
	pool  *pool.Pool
	reg   *schema.Registry
	log   *logger.Logger
	hooks observability.Hooks
	sink  events.Sink

	state    State
	identity *identity.Map
	tracker  *tracking.Tracker
	sessions map[string]provider.Session
	touched  []string
	bound    map[*aggregates.Root]bound
	buffer   []events.Envelope
	// fault holds the first error raised through an aggregate setter; Commit reports it.
	fault error
}

// Begin opens an active unit. The registry must be frozen.
func Begin(p *pool.Pool, reg *schema.Registry, opts ...Option) (*Unit, error) {
	if p == nil {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "uow.begin", "pool required")
	}
	if reg == nil || !reg.Frozen() {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "uow.begin", "registry must be frozen before units begin")
	}
	u := &Unit{
		id:       uuid.NewString(),
		pool:     p,
		reg:      reg,
		log:      logger.Nop(),
		hooks:    observability.NoopHooks(),
		sink:     events.Discard(),
		state:    StateActive,
		identity: identity.New(),
		tracker:  tracking.New(),
		sessions: map[string]provider.Session{},
		bound:    map[*aggregates.Root]bound{},
	}
	for _, o := range opts {
		o(u)
	}
	u.log = u.log.With("component", "uow", "unit_id", u.id)
	return u, nil
}

// Run commits when fn returns nil and rolls back otherwise.
func Run(ctx context.Context, p *pool.Pool, reg *schema.Registry, fn func(u *Unit) error, opts ...Option) (err error) {
	u, err := Begin(p, reg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = u.Rollback(ctx)
			panic(r)
		}
	}()
	if err := fn(u); err != nil {
		if rbErr := u.Rollback(ctx); rbErr != nil {
			u.log.Warn("rollback after failure", "error", rbErr)
		}
		return err
	}
	return u.Commit(ctx)
}

func (u *Unit) ID() string                  { return u.id }
func (u *Unit) State() State                { return u.state }
func (u *Unit) Identity() *identity.Map     { return u.identity }
func (u *Unit) Tracker() *tracking.Tracker  { return u.tracker }
func (u *Unit) Registry() *schema.Registry  { return u.reg }
func (u *Unit) Logger() *logger.Logger      { return u.log }
func (u *Unit) Hooks() observability.Hooks  { return u.hooks }

// EnsureActive fails with InvalidStateTransition once the unit left Active.
func (u *Unit) EnsureActive(op string) error {
	if u.state != StateActive {
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, op, "unit %s is %s", u.id, u.state)
	}
	return nil
}

// Session returns the unit's session on a provider, checking one out on first use.
func (u *Unit) Session(ctx context.Context, providerName string) (provider.Session, error) {
	if err := u.EnsureActive("uow.session"); err != nil {
		return nil, err
	}
	if s, ok := u.sessions[providerName]; ok {
		return s, nil
	}
	s, err := u.pool.Checkout(ctx, providerName)
	if err != nil {
		return nil, err
	}
	u.sessions[providerName] = s
	u.touched = append(u.touched, providerName)
	return s, nil
}

// Bind attaches inst to the unit so setter mutations mark it dirty and raised events are buffered.
func (u *Unit) Bind(inst aggregates.Aggregate, s *schema.Schema) {
	root := aggregates.RootOf(inst)
	u.bound[root] = bound{inst: inst, schema: s}
	root.Bind(u)
}

// Unbind detaches inst; later mutations are no longer tracked.
func (u *Unit) Unbind(inst aggregates.Aggregate) {
	root := aggregates.RootOf(inst)
	if root.Bound(u) {
		root.Unbind()
	}
	delete(u.bound, root)
}

// Touched implements aggregates.Observer.
func (u *Unit) Touched(r *aggregates.Root, field string) {
	if u.state != StateActive {
		return
	}
	b, ok := u.bound[r]
	if !ok {
		return
	}
	if err := u.tracker.MarkDirty(b.inst, field); err != nil && u.fault == nil {
		u.fault = err
	}
}

// Raised implements aggregates.Observer.
func (u *Unit) Raised(r *aggregates.Root, evt aggregates.Event) {
	if u.state != StateActive {
		return
	}
	typ := ""
	if b, ok := u.bound[r]; ok {
		typ = b.schema.Name
	}
	if err := u.enqueue(typ, r.ID, evt); err != nil && u.fault == nil {
		u.fault = err
	}
}

// Raise buffers an application event that is not tied to an aggregate.
func (u *Unit) Raise(evt aggregates.Event) error {
	if err := u.EnsureActive("uow.raise"); err != nil {
		return err
	}
	if evt == nil {
		return aggregates.Errorf(aggregates.CodeValidation, "uow.raise", "nil event")
	}
	return u.enqueue("", "", evt)
}

func (u *Unit) enqueue(aggregateType, aggregateID string, evt aggregates.Event) error {
	env, err := events.NewEnvelope(u.id, len(u.buffer)+1, aggregateType, aggregateID, evt)
	if err != nil {
		return err
	}
	u.buffer = append(u.buffer, env)
	return nil
}

// Events returns the buffered envelopes in raise order.
func (u *Unit) Events() []events.Envelope {
	return append([]events.Envelope(nil), u.buffer...)
}

// Rollback discards every pending change. Rolling back twice is a no-op; rolling back a
// committed unit is an invalid transition.
func (u *Unit) Rollback(ctx context.Context) error {
	switch u.state {
	case StateRolledBack:
		return nil
	case StateActive:
	default:
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, "uow.rollback", "unit %s is %s", u.id, u.state)
	}
	var errs []error
	for _, name := range u.touched {
		if err := u.sessions[name].Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	u.finish(StateRolledBack)
	u.log.Debug("unit rolled back")
	return errors.Join(errs...)
}

// finish moves to a terminal state and returns sessions to the pool.
func (u *Unit) finish(state State) {
	u.state = state
	for _, name := range u.touched {
		if err := u.sessions[name].Close(); err != nil {
			u.log.Warn("session checkin failed", "provider", name, "error", err)
		}
	}
	u.sessions = map[string]provider.Session{}
	u.touched = nil
	for root := range u.bound {
		if root.Bound(u) {
			root.Unbind()
		}
	}
	if state == StateRolledBack {
		u.buffer = nil
	}
}

func (u *Unit) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = string(aggregates.CodeOf(err))
		if status == "" {
			status = "failure"
		}
		if aggregates.IsCode(err, aggregates.CodeConflict) {
			u.hooks.IncConflict(op)
		}
		if aggregates.IsRetryable(err) {
			u.hooks.IncRetry(op)
		}
		var pc *aggregates.PartialCommitError
		if errors.As(err, &pc) {
			for _, c := range pc.NeedsCompensation {
				u.hooks.IncCompensation(c.Provider)
			}
		}
	}
	u.hooks.ObserveOperation(op, status, time.Since(start))
}
