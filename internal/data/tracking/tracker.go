// Package tracking records the lifecycle tag of every aggregate a unit of work has seen
// and produces the ordered set of pending writes.
package tracking

import (
	"sort"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Pending is one instance that needs a write at flush.
type Pending struct {
	Instance aggregates.Aggregate
	Schema   *schema.Schema
	Tag      provider.Tag
	// Fields is the accumulated dirty field set, in the order first marked.
	Fields []string
}

type entry struct {
	inst     aggregates.Aggregate
	schema   *schema.Schema
	tag      provider.Tag
	fields   []string
	seen     map[string]bool
	snapshot schema.Record
	seq      int
}

// Tracker is owned by one unit of work and is not safe for concurrent use.
type Tracker struct {
	entries map[*aggregates.Root]*entry
	seq     int
}

func New() *Tracker {
	return &Tracker{entries: map[*aggregates.Root]*entry{}}
}

// TrackNew tags inst as new. Tracking an instance that is already new is a no-op.
func (t *Tracker) TrackNew(inst aggregates.Aggregate, s *schema.Schema) error {
	root := aggregates.RootOf(inst)
	if e, ok := t.entries[root]; ok {
		if e.tag == provider.TagNew {
			return nil
		}
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, "tracking.track_new", "%s:%s is already tracked as %s", s.Name, root.ID, e.tag)
	}
	t.put(inst, s, provider.TagNew, nil)
	return nil
}

// TrackLoaded tags inst as clean and keeps snapshot for later diffing.
func (t *Tracker) TrackLoaded(inst aggregates.Aggregate, s *schema.Schema, snapshot schema.Record) {
	root := aggregates.RootOf(inst)
	if e, ok := t.entries[root]; ok {
		e.tag = provider.TagClean
		e.snapshot = snapshot
		e.fields, e.seen = nil, nil
		return
	}
	t.put(inst, s, provider.TagClean, snapshot)
}

func (t *Tracker) put(inst aggregates.Aggregate, s *schema.Schema, tag provider.Tag, snapshot schema.Record) {
	t.seq++
	t.entries[aggregates.RootOf(inst)] = &entry{inst: inst, schema: s, tag: tag, snapshot: snapshot, seq: t.seq}
}

// MarkDirty adds field to the dirty set. Marking a new instance changes nothing
// because the whole record is inserted.
func (t *Tracker) MarkDirty(inst aggregates.Aggregate, field string) error {
	const op = "tracking.mark_dirty"
	e, err := t.lookup(op, inst)
	if err != nil {
		return err
	}
	if _, ok := e.schema.Field(field); !ok {
		return aggregates.Errorf(aggregates.CodeSchema, op, "%s has no field %q", e.schema.Name, field)
	}
	switch e.tag {
	case provider.TagRemoved:
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, op, "%s:%s is removed", e.schema.Name, aggregates.RootOf(inst).ID)
	case provider.TagNew:
		return nil
	}
	e.tag = provider.TagDirty
	if e.seen == nil {
		e.seen = map[string]bool{}
	}
	if !e.seen[field] {
		e.seen[field] = true
		e.fields = append(e.fields, field)
	}
	return nil
}

// MarkRemoved tags inst as removed. A new instance that was never flushed is
// dropped instead, so no store call is made for it.
func (t *Tracker) MarkRemoved(inst aggregates.Aggregate) error {
	const op = "tracking.mark_removed"
	e, err := t.lookup(op, inst)
	if err != nil {
		return err
	}
	switch e.tag {
	case provider.TagRemoved:
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, op, "%s:%s is already removed", e.schema.Name, aggregates.RootOf(inst).ID)
	case provider.TagNew:
		delete(t.entries, aggregates.RootOf(inst))
		return nil
	}
	e.tag = provider.TagRemoved
	e.fields, e.seen = nil, nil
	return nil
}

// Refresh marks every field whose value in current differs from the load snapshot.
// It returns the fields newly found dirty.
func (t *Tracker) Refresh(inst aggregates.Aggregate, current schema.Record) ([]string, error) {
	const op = "tracking.refresh"
	e, err := t.lookup(op, inst)
	if err != nil {
		return nil, err
	}
	if e.tag == provider.TagNew || e.tag == provider.TagRemoved {
		return nil, nil
	}
	changed := e.schema.Diff(e.snapshot, current)
	for _, f := range changed {
		if err := t.MarkDirty(inst, f); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (t *Tracker) lookup(op string, inst aggregates.Aggregate) (*entry, error) {
	root := aggregates.RootOf(inst)
	e, ok := t.entries[root]
	if !ok {
		id := ""
		if root != nil {
			id = root.ID
		}
		return nil, aggregates.Errorf(aggregates.CodeInvalidStateTransition, op, "instance %q is not tracked by this unit", id)
	}
	return e, nil
}

// Tag returns the current tag of inst.
func (t *Tracker) Tag(inst aggregates.Aggregate) (provider.Tag, bool) {
	e, ok := t.entries[aggregates.RootOf(inst)]
	if !ok {
		return provider.TagClean, false
	}
	return e.tag, true
}

// Snapshot returns the record inst was loaded or last flushed with.
func (t *Tracker) Snapshot(inst aggregates.Aggregate) schema.Record {
	if e, ok := t.entries[aggregates.RootOf(inst)]; ok {
		return e.snapshot
	}
	return nil
}

// MarkFlushed resets inst to clean after a durable write. Removed instances are forgotten.
func (t *Tracker) MarkFlushed(inst aggregates.Aggregate, snapshot schema.Record) {
	e, ok := t.entries[aggregates.RootOf(inst)]
	if !ok {
		return
	}
	if e.tag == provider.TagRemoved {
		t.Forget(inst)
		return
	}
	e.tag = provider.TagClean
	e.snapshot = snapshot
	e.fields, e.seen = nil, nil
}

func (t *Tracker) Forget(inst aggregates.Aggregate) {
	delete(t.entries, aggregates.RootOf(inst))
}

func (t *Tracker) Len() int { return len(t.entries) }

// PendingChanges returns every non-clean instance: new ones parents first, then dirty
// ones, then removed ones children first. Ties keep insertion order.
func (t *Tracker) PendingChanges() []Pending {
	var news, dirty, removed []*entry
	for _, e := range t.entries {
		switch e.tag {
		case provider.TagNew:
			news = append(news, e)
		case provider.TagDirty:
			dirty = append(dirty, e)
		case provider.TagRemoved:
			removed = append(removed, e)
		}
	}
	bySeq := func(es []*entry) {
		sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
	}
	bySeq(news)
	bySeq(dirty)
	bySeq(removed)
	sort.SliceStable(news, func(i, j int) bool { return news[i].schema.Depth() < news[j].schema.Depth() })
	sort.SliceStable(removed, func(i, j int) bool { return removed[i].schema.Depth() > removed[j].schema.Depth() })

	out := make([]Pending, 0, len(news)+len(dirty)+len(removed))
	for _, group := range [][]*entry{news, dirty, removed} {
		for _, e := range group {
			out = append(out, Pending{
				Instance: e.inst,
				Schema:   e.schema,
				Tag:      e.tag,
				Fields:   append([]string(nil), e.fields...),
			})
		}
	}
	return out
}
