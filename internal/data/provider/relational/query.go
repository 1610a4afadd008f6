package relational

import (
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
)

// applyQuery adds WHERE, ORDER BY and paging for q. Ties always break on id.
func applyQuery(db *gorm.DB, d Dialect, sc *schema.Schema, q provider.Query) *gorm.DB {
	db = applyFilter(db, d, sc, q)
	for _, ob := range q.OrderBy {
		db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: provider.OrderField(ob)}, Desc: provider.Descending(ob)})
	}
	db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: schema.IDField}})
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}
	return db
}

// applyFilter adds the WHERE part of q only.
func applyFilter(db *gorm.DB, d Dialect, sc *schema.Schema, q provider.Query) *gorm.DB {
	for _, c := range q.Conditions {
		expr, args := condition(d, sc, c)
		db = db.Where(expr, args...)
	}
	for _, c := range q.Excludes {
		expr, args := condition(d, sc, c)
		db = db.Where("("+expr+") IS NOT TRUE", args...)
	}
	return db
}

// condition renders one lookup as a SQL predicate. Nulls follow the in-memory
// matcher: ne matches null, ordering operators never do.
func condition(d Dialect, sc *schema.Schema, c provider.Condition) (string, []any) {
	col := quote(c.Field)
	kind := schema.KindString
	if f, ok := sc.Field(c.Field); ok {
		kind = f.Kind
	}
	switch c.Op {
	case provider.OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = ?", []any{c.Value}
	case provider.OpNe:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return "(" + col + " <> ? OR " + col + " IS NULL)", []any{c.Value}
	case provider.OpGt:
		return col + " > ?", []any{c.Value}
	case provider.OpGte:
		return col + " >= ?", []any{c.Value}
	case provider.OpLt:
		return col + " < ?", []any{c.Value}
	case provider.OpLte:
		return col + " <= ?", []any{c.Value}
	case provider.OpIn:
		return col + " IN ?", []any{c.Value}
	case provider.OpContains:
		switch kind {
		case schema.KindJSON:
			if d == DialectPostgres {
				raw, _ := json.Marshal([]any{c.Value})
				return col + " @> ?::jsonb", []any{string(raw)}
			}
			return "EXISTS (SELECT 1 FROM json_each(" + col + ") WHERE json_each.value = ?)", []any{c.Value}
		case schema.KindString:
			if d == DialectPostgres {
				return "strpos(" + col + ", ?) > 0", []any{c.Value}
			}
			return "instr(" + col + ", ?) > 0", []any{c.Value}
		}
	case provider.OpStartsWith:
		if kind == schema.KindString {
			if d == DialectPostgres {
				return "starts_with(" + col + ", ?)", []any{c.Value}
			}
			return "substr(" + col + ", 1, length(?)) = ?", []any{c.Value, c.Value}
		}
	}
	return "1 = 0", nil
}
