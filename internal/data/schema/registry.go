package schema

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Option customizes a schema at registration.
type Option func(*Schema)

// WithName overrides the snake_case type name.
func WithName(name string) Option {
	return func(s *Schema) { s.Name = strings.TrimSpace(name) }
}

// WithProvider binds the schema to a configured provider.
func WithProvider(name string) Option {
	return func(s *Schema) { s.Provider = strings.TrimSpace(name) }
}

// WithOrderBy sets the default ordering applied when a query has none.
func WithOrderBy(fields ...string) Option {
	return func(s *Schema) { s.OrderBy = append([]string(nil), fields...) }
}

// Registry holds the provider bindings of every aggregate type.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Schema
	byName map[string]*Schema
	order  []*Schema
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{
		byType: map[reflect.Type]*Schema{},
		byName: map[string]*Schema{},
	}
}

// Register derives the schema of prototype's type. prototype must be a struct pointer
// embedding aggregates.Root.
func (r *Registry) Register(prototype aggregates.Aggregate, opts ...Option) (*Schema, error) {
	const op = "schema.register"
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return nil, aggregates.Errorf(aggregates.CodeSchema, op, "%T is not a struct pointer", prototype)
	}
	t = t.Elem()
	fields, err := parseFields(op, t, nil)
	if err != nil {
		return nil, err
	}
	s := &Schema{
		Name:     SnakeCase(t.Name()),
		Provider: DefaultProvider,
		Fields:   fields,
		typ:      t,
		byName:   make(map[string]int, len(fields)),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Name == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, op, "%s: empty schema name", t)
	}
	if s.Provider == "" {
		s.Provider = DefaultProvider
	}
	for i, f := range fields {
		if _, dup := s.byName[f.Name]; dup {
			return nil, aggregates.Errorf(aggregates.CodeSchema, op, "%s: duplicate field %q", s.Name, f.Name)
		}
		s.byName[f.Name] = i
	}
	for _, ob := range s.OrderBy {
		if !s.HasColumn(strings.TrimPrefix(ob, "-")) {
			return nil, aggregates.Errorf(aggregates.CodeSchema, op, "%s: unknown order field %q", s.Name, ob)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, aggregates.Errorf(aggregates.CodeSchema, op, "registry is frozen")
	}
	if _, dup := r.byType[t]; dup {
		return nil, aggregates.Errorf(aggregates.CodeSchema, op, "%s already registered", t)
	}
	if _, dup := r.byName[s.Name]; dup {
		return nil, aggregates.Errorf(aggregates.CodeSchema, op, "schema name %q already registered", s.Name)
	}
	r.byType[t] = s
	r.byName[s.Name] = s
	r.order = append(r.order, s)
	return s, nil
}

// MustRegister panics on registration errors; meant for package init wiring.
func (r *Registry) MustRegister(prototype aggregates.Aggregate, opts ...Option) *Schema {
	s, err := r.Register(prototype, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Freeze resolves references, computes dependency depth and makes the registry read-only.
// Calling it twice is a no-op.
func (r *Registry) Freeze() error {
	const op = "schema.freeze"
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil
	}
	for _, s := range r.order {
		for _, ref := range s.References() {
			if _, ok := r.byName[ref]; !ok {
				return aggregates.Errorf(aggregates.CodeSchema, op, "%s references unknown schema %q", s.Name, ref)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.order))
	var visit func(s *Schema, path []string) error
	visit = func(s *Schema, path []string) error {
		switch state[s.Name] {
		case done:
			return nil
		case visiting:
			return aggregates.Errorf(aggregates.CodeSchema, op, "reference cycle: %s", strings.Join(append(path, s.Name), " -> "))
		}
		state[s.Name] = visiting
		depth := 0
		for _, ref := range s.References() {
			// self references order by insertion, not by depth
			if ref == s.Name {
				continue
			}
			parent := r.byName[ref]
			if err := visit(parent, append(path, s.Name)); err != nil {
				return err
			}
			if parent.depth+1 > depth {
				depth = parent.depth + 1
			}
		}
		s.depth = depth
		state[s.Name] = done
		return nil
	}
	for _, s := range r.order {
		if err := visit(s, nil); err != nil {
			return err
		}
	}
	r.frozen = true
	return nil
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// ForType returns the schema of t, which may be the struct type or a pointer to it.
func (r *Registry) ForType(t reflect.Type) (*Schema, error) {
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.RLock()
	s, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "schema.lookup", "%v is not registered", t)
	}
	return s, nil
}

// Of returns the schema of an aggregate instance.
func (r *Registry) Of(a aggregates.Aggregate) (*Schema, error) {
	return r.ForType(reflect.TypeOf(a))
}

func (r *Registry) ByName(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Schemas returns every schema in registration order.
func (r *Registry) Schemas() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Schema(nil), r.order...)
}

// ForProvider returns the schemas bound to provider, parents first.
func (r *Registry) ForProvider(provider string) []*Schema {
	var out []*Schema
	for _, s := range r.Schemas() {
		if s.Provider == provider {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].depth < out[j].depth })
	return out
}

// Providers returns the distinct provider names referenced by registered schemas.
func (r *Registry) Providers() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range r.Schemas() {
		if !seen[s.Provider] {
			seen[s.Provider] = true
			out = append(out, s.Provider)
		}
	}
	return out
}

// For returns the schema registered for the aggregate pointer type T.
func For[T aggregates.Aggregate](r *Registry) (*Schema, error) {
	return r.ForType(reflect.TypeOf((*T)(nil)).Elem())
}
