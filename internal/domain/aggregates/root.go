package aggregates

// Aggregate is satisfied only by types embedding Root, so repositories can never be
// handed a sub-entity on its own.
type Aggregate interface {
	aggregateRoot() *Root
}

// Observer receives mutation and event signals from a bound root.
type Observer interface {
	Touched(r *Root, field string)
	Raised(r *Root, evt Event)
}

// Root is embedded by every aggregate root.
type Root struct {
	ID      string `persist:"-"`
	Version int64  `persist:"-"`

	observer Observer
	pending  []Event
}

func (r *Root) aggregateRoot() *Root { return r }

// RootOf returns the embedded root of an aggregate.
func RootOf(a Aggregate) *Root {
	if a == nil {
		return nil
	}
	return a.aggregateRoot()
}

// Touch records a field mutation. Setters call it after assigning the field.
func (r *Root) Touch(field string) {
	if r == nil || r.observer == nil {
		return
	}
	r.observer.Touched(r, field)
}

// Raise records a domain event. Events raised before the root is bound to a unit of
// work are held until Bind.
func (r *Root) Raise(evt Event) {
	if r == nil || evt == nil {
		return
	}
	if r.observer == nil {
		r.pending = append(r.pending, evt)
		return
	}
	r.observer.Raised(r, evt)
}

// Bind attaches the root to an observer and flushes events raised while unbound.
func (r *Root) Bind(o Observer) {
	if r == nil {
		return
	}
	r.observer = o
	if o == nil {
		return
	}
	pending := r.pending
	r.pending = nil
	for _, evt := range pending {
		o.Raised(r, evt)
	}
}

// Unbind detaches the root; later mutations are no longer tracked.
func (r *Root) Unbind() {
	if r == nil {
		return
	}
	r.observer = nil
}

// Bound reports whether o is the current observer.
func (r *Root) Bound(o Observer) bool {
	return r != nil && r.observer != nil && r.observer == o
}

// PendingEvents returns events raised while unbound.
func (r *Root) PendingEvents() []Event {
	if r == nil {
		return nil
	}
	out := make([]Event, len(r.pending))
	copy(out, r.pending)
	return out
}
