package embedded

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
)

// column is the SQL expression that reads a field out of the row.
func column(field string) string {
	switch field {
	case schema.IDField, schema.VersionField:
		return field
	}
	return "json_extract(doc, " + path(field) + ")"
}

// whereSQL renders the conditions and excludes of q, empty when there are none.
func whereSQL(sc *schema.Schema, q provider.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	for _, c := range q.Conditions {
		expr, a := condition(sc, c)
		where = append(where, expr)
		args = append(args, a...)
	}
	for _, c := range q.Excludes {
		expr, a := condition(sc, c)
		where = append(where, "("+expr+") IS NOT TRUE")
		args = append(args, a...)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func countSQL(sc *schema.Schema, q provider.Query) (string, []any) {
	where, args := whereSQL(sc, q)
	return "SELECT count(*) FROM " + quote(sc.Name) + where, args
}

// selectSQL renders q against the schema table. Ties always break on id.
func selectSQL(sc *schema.Schema, q provider.Query) (string, []any) {
	where, args := whereSQL(sc, q)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, version, doc FROM %s", quote(sc.Name))
	b.WriteString(where)
	b.WriteString(" ORDER BY ")
	for _, ob := range q.OrderBy {
		b.WriteString(column(provider.OrderField(ob)))
		if provider.Descending(ob) {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	b.WriteString("id")
	switch {
	case q.Limit > 0:
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	case q.Offset > 0:
		b.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(q.Offset))
	}
	return b.String(), args
}

// condition renders one lookup. Nulls follow the in-memory matcher.
func condition(sc *schema.Schema, c provider.Condition) (string, []any) {
	col := column(c.Field)
	kind := schema.KindString
	if f, ok := sc.Field(c.Field); ok {
		kind = f.Kind
	}
	switch c.Op {
	case provider.OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = ?", []any{arg(c.Value)}
	case provider.OpNe:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return "(" + col + " <> ? OR " + col + " IS NULL)", []any{arg(c.Value)}
	case provider.OpGt:
		return col + " > ?", []any{arg(c.Value)}
	case provider.OpGte:
		return col + " >= ?", []any{arg(c.Value)}
	case provider.OpLt:
		return col + " < ?", []any{arg(c.Value)}
	case provider.OpLte:
		return col + " <= ?", []any{arg(c.Value)}
	case provider.OpIn:
		values := list(c.Value)
		if len(values) == 0 {
			return "1 = 0", nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return col + " IN (" + marks + ")", values
	case provider.OpContains:
		switch kind {
		case schema.KindJSON:
			return "EXISTS (SELECT 1 FROM json_each(doc, " + path(c.Field) + ") WHERE json_each.value = ?)", []any{arg(c.Value)}
		case schema.KindString:
			return "instr(" + col + ", ?) > 0", []any{c.Value}
		}
	case provider.OpStartsWith:
		if kind == schema.KindString {
			return "substr(" + col + ", 1, length(?)) = ?", []any{c.Value, c.Value}
		}
	}
	return "1 = 0", nil
}

func list(v any) []any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = arg(rv.Index(i).Interface())
	}
	return out
}
