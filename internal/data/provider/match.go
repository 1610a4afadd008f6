package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Value returns the value of field for row, including the reserved id and version columns.
func Value(row Row, field string) any {
	switch field {
	case "id":
		return row.ID
	case "version":
		return row.Version
	}
	return row.Record[field]
}

// Match evaluates q's conditions and excludes against row in memory.
func Match(row Row, q Query) bool {
	for _, c := range q.Conditions {
		if !eval(Value(row, c.Field), c) {
			return false
		}
	}
	for _, c := range q.Excludes {
		if eval(Value(row, c.Field), c) {
			return false
		}
	}
	return true
}

// Apply filters, orders and pages rows; the input slice is not modified.
func Apply(rows []Row, q Query) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if Match(r, q) {
			out = append(out, r)
		}
	}
	SortRows(out, q.OrderBy)
	return Window(out, q.Offset, q.Limit)
}

// CountMatches drains cur and counts the rows matching q's conditions. cur is closed.
func CountMatches(ctx context.Context, cur Cursor, q Query) (int, error) {
	defer cur.Close()
	n := 0
	for {
		row, err := cur.Next(ctx)
		if errors.Is(err, Done) {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		if Match(row, q) {
			n++
		}
	}
}

// Window applies offset and limit (limit 0 means unbounded).
func Window(rows []Row, offset, limit int) []Row {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// SortRows orders rows by the given fields; "-field" sorts descending. Ties keep their input order.
func SortRows(rows []Row, orderBy []string) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ob := range orderBy {
			f := OrderField(ob)
			c := Compare(Value(rows[i], f), Value(rows[j], f))
			if c == 0 {
				continue
			}
			if Descending(ob) {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func eval(v any, c Condition) bool {
	switch c.Op {
	case OpEq:
		return Compare(v, c.Value) == 0
	case OpNe:
		return Compare(v, c.Value) != 0
	case OpGt:
		return v != nil && Compare(v, c.Value) > 0
	case OpGte:
		return v != nil && Compare(v, c.Value) >= 0
	case OpLt:
		return v != nil && Compare(v, c.Value) < 0
	case OpLte:
		return v != nil && Compare(v, c.Value) <= 0
	case OpIn:
		list, _ := asList(c.Value)
		for _, item := range list {
			if Compare(v, item) == 0 {
				return true
			}
		}
		return false
	case OpContains:
		if s, ok := v.(string); ok {
			return strings.Contains(s, fmt.Sprint(c.Value))
		}
		list, ok := asList(decodeJSON(v))
		if !ok {
			return false
		}
		for _, item := range list {
			if Compare(item, c.Value) == 0 {
				return true
			}
		}
		return false
	case OpStartsWith:
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, fmt.Sprint(c.Value))
	}
	return false
}

// Compare orders nil first, then numbers, times and bools naturally, anything else by its text.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	}
	return time.Time{}, false
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func decodeJSON(v any) any {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// SliceCursor iterates a materialized slice of rows.
type SliceCursor struct {
	rows   []Row
	pos    int
	closed bool
}

func NewSliceCursor(rows []Row) *SliceCursor { return &SliceCursor{rows: rows} }

func (c *SliceCursor) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if c.closed || c.pos >= len(c.rows) {
		return Row{}, Done
	}
	r := c.rows[c.pos]
	c.pos++
	return r, nil
}

func (c *SliceCursor) Close() error {
	c.closed = true
	c.rows = nil
	return nil
}
