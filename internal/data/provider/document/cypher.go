package document

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
)

// versionProp stores the optimistic version on each node.
const versionProp = "_version"

// statement is a rendered Cypher query. residual holds the part of the query Cypher
// cannot express; it is applied in memory to the streamed rows, paging included.
type statement struct {
	text     string
	params   map[string]any
	residual *provider.Query
}

func ident(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func label(s *schema.Schema) string { return ident(s.Name) }

func prop(field string) string {
	switch field {
	case schema.IDField:
		return "n.id"
	case schema.VersionField:
		return "n." + versionProp
	}
	return "n." + ident(field)
}

type binder struct{ params map[string]any }

func (b *binder) bind(v any) string {
	name := fmt.Sprintf("p%d", len(b.params))
	b.params[name] = param(v)
	return "$" + name
}

// matchStatement renders q as MATCH ... WHERE ... RETURN n with ordering and paging.
// Ties break on id.
func matchStatement(sc *schema.Schema, q provider.Query) statement {
	match, b, residual := matchClause(sc, q)
	var sb strings.Builder
	sb.WriteString(match)
	sb.WriteString(" RETURN n ORDER BY ")

	out := statement{params: b.params}
	if len(residual.Conditions)+len(residual.Excludes) > 0 {
		sb.WriteString("n.id")
		residual.OrderBy = q.OrderBy
		residual.Limit, residual.Offset = q.Limit, q.Offset
		out.residual = &residual
		out.text = sb.String()
		return out
	}
	for _, ob := range q.OrderBy {
		sb.WriteString(prop(provider.OrderField(ob)))
		if provider.Descending(ob) {
			sb.WriteString(" DESC")
		}
		sb.WriteString(", ")
	}
	sb.WriteString("n.id")
	if q.Offset > 0 {
		sb.WriteString(" SKIP $skip")
		out.params["skip"] = int64(q.Offset)
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT $limit")
		out.params["limit"] = int64(q.Limit)
	}
	out.text = sb.String()
	return out
}

// countStatement renders q as MATCH ... RETURN count(n) AS total. With a residual the
// nodes are returned instead and counted in memory.
func countStatement(sc *schema.Schema, q provider.Query) statement {
	match, b, residual := matchClause(sc, q)
	out := statement{params: b.params}
	if len(residual.Conditions)+len(residual.Excludes) > 0 {
		out.residual = &residual
		out.text = match + " RETURN n"
		return out
	}
	out.text = match + " RETURN count(n) AS total"
	return out
}

// matchClause renders MATCH ... WHERE for the conditions Cypher can express and returns
// the rest as a residual query.
func matchClause(sc *schema.Schema, q provider.Query) (string, *binder, provider.Query) {
	b := &binder{params: map[string]any{}}
	var (
		where    []string
		residual provider.Query
	)
	for _, c := range q.Conditions {
		if expr, ok := condition(sc, c, b); ok {
			where = append(where, expr)
		} else {
			residual.Conditions = append(residual.Conditions, c)
		}
	}
	for _, c := range q.Excludes {
		if expr, ok := condition(sc, c, b); ok {
			where = append(where, "NOT coalesce(("+expr+"), false)")
		} else {
			residual.Excludes = append(residual.Excludes, c)
		}
	}

	match := fmt.Sprintf("MATCH (n:%s)", label(sc))
	if len(where) > 0 {
		match += " WHERE " + strings.Join(where, " AND ")
	}
	return match, b, residual
}

// condition renders one lookup; ok is false when Cypher has no equivalent.
// Nulls follow the in-memory matcher.
func condition(sc *schema.Schema, c provider.Condition, b *binder) (string, bool) {
	p := prop(c.Field)
	kind := schema.KindString
	if f, ok := sc.Field(c.Field); ok {
		kind = f.Kind
	}
	if kind == schema.KindJSON && c.Op != provider.OpEq && c.Op != provider.OpNe {
		return "", false
	}
	switch c.Op {
	case provider.OpEq:
		if c.Value == nil {
			return p + " IS NULL", true
		}
		if kind == schema.KindJSON {
			return "", false
		}
		return p + " = " + b.bind(c.Value), true
	case provider.OpNe:
		if c.Value == nil {
			return p + " IS NOT NULL", true
		}
		if kind == schema.KindJSON {
			return "", false
		}
		return "(" + p + " <> " + b.bind(c.Value) + " OR " + p + " IS NULL)", true
	case provider.OpGt:
		return p + " > " + b.bind(c.Value), true
	case provider.OpGte:
		return p + " >= " + b.bind(c.Value), true
	case provider.OpLt:
		return p + " < " + b.bind(c.Value), true
	case provider.OpLte:
		return p + " <= " + b.bind(c.Value), true
	case provider.OpIn:
		return p + " IN " + b.bind(c.Value), true
	case provider.OpContains:
		if kind != schema.KindString {
			return "false", true
		}
		return p + " CONTAINS " + b.bind(c.Value), true
	case provider.OpStartsWith:
		if kind != schema.KindString {
			return "false", true
		}
		return p + " STARTS WITH " + b.bind(c.Value), true
	}
	return "false", true
}

// param converts query values into types the driver accepts.
func param(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int64, float64:
		return v
	case time.Time:
		return t.UTC()
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = param(rv.Index(i).Interface())
		}
		return out
	}
	return v
}
