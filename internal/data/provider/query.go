package provider

import (
	"strings"

	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Op is a comparison operator of a query condition.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpContains   Op = "contains"
	OpStartsWith Op = "startswith"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true,
	OpLte: true, OpIn: true, OpContains: true, OpStartsWith: true,
}

// Condition compares one field against a value.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Query is a storage-neutral predicate with ordering and paging.
// Conditions are ANDed; a row matching any Exclude is dropped.
type Query struct {
	Conditions []Condition
	Excludes   []Condition
	OrderBy    []string
	Limit      int
	Offset     int
}

// NewQuery starts an empty query matching every row.
func NewQuery() Query { return Query{} }

// ParseLookup splits "age__gte" into ("age", OpGte). A bare field name means equality.
func ParseLookup(lookup string) (string, Op, error) {
	lookup = strings.TrimSpace(lookup)
	field, op := lookup, OpEq
	if i := strings.LastIndex(lookup, "__"); i >= 0 {
		field, op = lookup[:i], Op(lookup[i+2:])
	}
	if field == "" {
		return "", "", aggregates.Errorf(aggregates.CodeSchema, "query.lookup", "empty field in lookup %q", lookup)
	}
	if !knownOps[op] {
		return "", "", aggregates.Errorf(aggregates.CodeSchema, "query.lookup", "unknown operator %q in lookup %q", op, lookup)
	}
	return field, op, nil
}

// Filter appends a condition from a lookup. Invalid lookups panic at query
// construction; use Where for runtime input.
func (q Query) Filter(lookup string, value any) Query {
	field, op, err := ParseLookup(lookup)
	if err != nil {
		panic(err)
	}
	return q.Where(field, op, value)
}

// Exclude appends a negated condition from a lookup.
func (q Query) Exclude(lookup string, value any) Query {
	field, op, err := ParseLookup(lookup)
	if err != nil {
		panic(err)
	}
	q.Excludes = append(append([]Condition(nil), q.Excludes...), Condition{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Conditions = append(append([]Condition(nil), q.Conditions...), Condition{Field: field, Op: op, Value: value})
	return q
}

// Order sets ordering fields; "-field" sorts descending.
func (q Query) Order(fields ...string) Query {
	q.OrderBy = append([]string(nil), fields...)
	return q
}

func (q Query) Take(limit int) Query {
	q.Limit = limit
	return q
}

func (q Query) Skip(offset int) Query {
	q.Offset = offset
	return q
}

// Page selects a 1-based page of perPage rows.
func (q Query) Page(page, perPage int) Query {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	q.Limit = perPage
	q.Offset = (page - 1) * perPage
	return q
}

// WithDefaults applies the schema's default ordering when the query has none.
func (q Query) WithDefaults(s *schema.Schema) Query {
	if len(q.OrderBy) == 0 && len(s.OrderBy) > 0 {
		q.OrderBy = append([]string(nil), s.OrderBy...)
	}
	return q
}

// Validate rejects unknown fields, unknown operators and negative paging.
func (q Query) Validate(s *schema.Schema) error {
	const op = "query.validate"
	check := func(c Condition) error {
		if !s.HasColumn(c.Field) {
			return aggregates.Errorf(aggregates.CodeSchema, op, "%s has no field %q", s.Name, c.Field)
		}
		if !knownOps[c.Op] {
			return aggregates.Errorf(aggregates.CodeSchema, op, "unknown operator %q", c.Op)
		}
		if c.Op == OpIn {
			if _, ok := asList(c.Value); !ok {
				return aggregates.Errorf(aggregates.CodeSchema, op, "%s__in needs a slice value", c.Field)
			}
		}
		return nil
	}
	for _, c := range q.Conditions {
		if err := check(c); err != nil {
			return err
		}
	}
	for _, c := range q.Excludes {
		if err := check(c); err != nil {
			return err
		}
	}
	for _, ob := range q.OrderBy {
		if !s.HasColumn(OrderField(ob)) {
			return aggregates.Errorf(aggregates.CodeSchema, op, "%s has no field %q", s.Name, OrderField(ob))
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return aggregates.Errorf(aggregates.CodeSchema, op, "negative limit or offset")
	}
	return nil
}

// OrderField strips the descending marker.
func OrderField(ob string) string { return strings.TrimPrefix(strings.TrimSpace(ob), "-") }

// Descending reports whether ob sorts descending.
func Descending(ob string) bool { return strings.HasPrefix(strings.TrimSpace(ob), "-") }
