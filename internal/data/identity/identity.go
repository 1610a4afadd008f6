// Package identity guarantees at most one in-memory instance per stored aggregate
// within a unit of work. A Map is owned by one unit and is not safe for concurrent use.
package identity

import (
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Key identifies a stored aggregate: schema name plus primary key.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string { return k.Type + ":" + k.ID }

type Map struct {
	entries map[Key]aggregates.Aggregate
	order   []Key
}

func New() *Map {
	return &Map{entries: map[Key]aggregates.Aggregate{}}
}

// Register binds key to inst. Registering the same instance twice is a no-op;
// a different instance under an occupied key is an identity conflict.
func (m *Map) Register(key Key, inst aggregates.Aggregate) error {
	if existing, ok := m.entries[key]; ok {
		if existing == inst {
			return nil
		}
		return aggregates.Errorf(aggregates.CodeIdentityConflict, "identity.register", "%s is already mapped to another instance", key)
	}
	m.entries[key] = inst
	m.order = append(m.order, key)
	return nil
}

func (m *Map) Lookup(key Key) (aggregates.Aggregate, bool) {
	inst, ok := m.entries[key]
	return inst, ok
}

func (m *Map) Remove(key Key) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Map) Len() int { return len(m.entries) }

// Keys returns registered keys in registration order.
func (m *Map) Keys() []Key {
	return append([]Key(nil), m.order...)
}
