package tracking

import (
	"testing"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

type parent struct {
	aggregates.Root
	Name string `persist:"name"`
	Size int    `persist:"size"`
}

type child struct {
	aggregates.Root
	ParentID string `persist:"parent_id,ref=parent"`
}

func schemas(t *testing.T) (*schema.Schema, *schema.Schema) {
	t.Helper()
	r := schema.NewRegistry()
	c := r.MustRegister(&child{})
	p := r.MustRegister(&parent{})
	if err := r.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	return p, c
}

func loaded(t *testing.T, tr *Tracker, s *schema.Schema, p *parent) {
	t.Helper()
	rec, err := s.Record(p)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	snap, _ := s.Snapshot(rec)
	tr.TrackLoaded(p, s, snap)
}

func TestPendingChangesOrdersParentsBeforeChildren(t *testing.T) {
	ps, cs := schemas(t)
	tr := New()
	kid := &child{Root: aggregates.Root{ID: "c1"}, ParentID: "p1"}
	mom := &parent{Root: aggregates.Root{ID: "p1"}}
	if err := tr.TrackNew(kid, cs); err != nil {
		t.Fatalf("track child: %v", err)
	}
	if err := tr.TrackNew(mom, ps); err != nil {
		t.Fatalf("track parent: %v", err)
	}
	pending := tr.PendingChanges()
	if len(pending) != 2 {
		t.Fatalf("pending: want=2 got=%d", len(pending))
	}
	if pending[0].Instance != mom || pending[1].Instance != kid {
		t.Fatalf("insert order: want parent then child")
	}

	// removal runs the other way
	tr2 := New()
	oldKid := &child{Root: aggregates.Root{ID: "c2", Version: 1}}
	oldMom := &parent{Root: aggregates.Root{ID: "p2", Version: 1}}
	loaded(t, tr2, ps, oldMom)
	tr2.TrackLoaded(oldKid, cs, schema.Record{"parent_id": ""})
	if err := tr2.MarkRemoved(oldMom); err != nil {
		t.Fatalf("remove parent: %v", err)
	}
	if err := tr2.MarkRemoved(oldKid); err != nil {
		t.Fatalf("remove child: %v", err)
	}
	pending = tr2.PendingChanges()
	if pending[0].Instance != oldKid || pending[1].Instance != oldMom {
		t.Fatalf("delete order: want child then parent")
	}
}

func TestPendingChangesGroupsByTag(t *testing.T) {
	ps, _ := schemas(t)
	tr := New()
	a := &parent{Root: aggregates.Root{ID: "a", Version: 1}}
	b := &parent{Root: aggregates.Root{ID: "b", Version: 1}}
	c := &parent{Root: aggregates.Root{ID: "c", Version: 1}}
	n := &parent{Root: aggregates.Root{ID: "n"}}
	loaded(t, tr, ps, a)
	loaded(t, tr, ps, b)
	loaded(t, tr, ps, c)
	if err := tr.MarkRemoved(a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := tr.MarkDirty(c, "name"); err != nil {
		t.Fatalf("dirty c: %v", err)
	}
	if err := tr.MarkDirty(b, "size"); err != nil {
		t.Fatalf("dirty b: %v", err)
	}
	if err := tr.TrackNew(n, ps); err != nil {
		t.Fatalf("new: %v", err)
	}
	got := tr.PendingChanges()
	want := []struct {
		id  string
		tag provider.Tag
	}{{"n", provider.TagNew}, {"b", provider.TagDirty}, {"c", provider.TagDirty}, {"a", provider.TagRemoved}}
	if len(got) != len(want) {
		t.Fatalf("pending: want=%d got=%d", len(want), len(got))
	}
	for i, w := range want {
		if aggregates.RootOf(got[i].Instance).ID != w.id || got[i].Tag != w.tag {
			t.Fatalf("pending[%d]: want=%s/%s got=%s/%s", i, w.id, w.tag, aggregates.RootOf(got[i].Instance).ID, got[i].Tag)
		}
	}
}

func TestMarkDirtyAccumulatesAndIsIdempotent(t *testing.T) {
	ps, _ := schemas(t)
	tr := New()
	p := &parent{Root: aggregates.Root{ID: "p", Version: 1}}
	loaded(t, tr, ps, p)
	for _, f := range []string{"name", "size", "name"} {
		if err := tr.MarkDirty(p, f); err != nil {
			t.Fatalf("mark %s: %v", f, err)
		}
	}
	pending := tr.PendingChanges()
	if len(pending) != 1 || len(pending[0].Fields) != 2 || pending[0].Fields[0] != "name" || pending[0].Fields[1] != "size" {
		t.Fatalf("fields: want=[name size] got=%v", pending[0].Fields)
	}
	if err := tr.MarkDirty(p, "nope"); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("unknown field: want=schema got=%v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	ps, _ := schemas(t)
	tr := New()
	p := &parent{Root: aggregates.Root{ID: "p", Version: 1}}
	if err := tr.MarkDirty(p, "name"); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("untracked dirty: want=invalid_state_transition got=%v", err)
	}
	loaded(t, tr, ps, p)
	if err := tr.MarkRemoved(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := tr.MarkRemoved(p); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("double remove: want=invalid_state_transition got=%v", err)
	}
	if err := tr.MarkDirty(p, "name"); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("dirty after remove: want=invalid_state_transition got=%v", err)
	}
	if err := tr.TrackNew(p, ps); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("re-add removed: want=invalid_state_transition got=%v", err)
	}
}

func TestRemovingNewInstanceDropsIt(t *testing.T) {
	ps, _ := schemas(t)
	tr := New()
	p := &parent{Root: aggregates.Root{ID: "p"}}
	if err := tr.TrackNew(p, ps); err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.MarkRemoved(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := tr.Tag(p); ok {
		t.Fatalf("new instance still tracked after remove")
	}
	if n := len(tr.PendingChanges()); n != 0 {
		t.Fatalf("pending: want=0 got=%d", n)
	}
}

func TestCleanInstancesAreNeverPending(t *testing.T) {
	ps, _ := schemas(t)
	tr := New()
	p := &parent{Root: aggregates.Root{ID: "p", Version: 1}, Name: "x"}
	loaded(t, tr, ps, p)
	if n := len(tr.PendingChanges()); n != 0 {
		t.Fatalf("clean pending: want=0 got=%d", n)
	}

	p.Size = 4
	rec, _ := ps.Record(p)
	changed, err := tr.Refresh(p, rec)
	if err != nil || len(changed) != 1 || changed[0] != "size" {
		t.Fatalf("refresh: want=[size] got=%v err=%v", changed, err)
	}
	snap, _ := ps.Snapshot(rec)
	tr.MarkFlushed(p, snap)
	if tag, _ := tr.Tag(p); tag != provider.TagClean {
		t.Fatalf("after flush: want=clean got=%s", tag)
	}
	if changed, _ := tr.Refresh(p, rec); len(changed) != 0 {
		t.Fatalf("refresh after flush: want none got=%v", changed)
	}
}
