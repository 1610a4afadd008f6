package identity

import (
	"testing"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

type order struct {
	aggregates.Root
	Total int
}

func TestRegisterLookupRemove(t *testing.T) {
	m := New()
	a := &order{Total: 10}
	key := Key{Type: "order", ID: "1"}
	if err := m.Register(key, a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(key, a); err != nil {
		t.Fatalf("re-register same instance: want=nil got=%v", err)
	}
	got, ok := m.Lookup(key)
	if !ok || got != a {
		t.Fatalf("lookup: want same instance got=%v ok=%v", got, ok)
	}
	if err := m.Register(key, &order{Total: 10}); !aggregates.IsCode(err, aggregates.CodeIdentityConflict) {
		t.Fatalf("second instance: want=identity_conflict got=%v", err)
	}
	if _, ok := m.Lookup(Key{Type: "line", ID: "1"}); ok {
		t.Fatalf("same id under another type must not collide")
	}
	m.Remove(key)
	if m.Len() != 0 {
		t.Fatalf("len after remove: want=0 got=%d", m.Len())
	}
	if err := m.Register(key, &order{}); err != nil {
		t.Fatalf("register after remove: %v", err)
	}
}

func TestKeysKeepRegistrationOrder(t *testing.T) {
	m := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := m.Register(Key{Type: "order", ID: id}, &order{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	m.Remove(Key{Type: "order", ID: "a"})
	keys := m.Keys()
	if len(keys) != 2 || keys[0].ID != "c" || keys[1].ID != "b" {
		t.Fatalf("keys: want=[c b] got=%v", keys)
	}
	if keys[0].String() != "order:c" {
		t.Fatalf("String: want=order:c got=%s", keys[0])
	}
}
