package schema

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// DefaultProvider is the provider name used when a schema does not bind one.
const DefaultProvider = "default"

// Record is the storage-neutral form of an aggregate: field name -> value.
// Scalars are normalized to string, int64, float64, bool and UTC time.Time; json fields
// hold the Go value (or json.RawMessage once snapshotted).
type Record map[string]any

// Schema describes how one aggregate type maps onto storage.
type Schema struct {
	Name     string
	Provider string
	OrderBy  []string
	Fields   []Field

	typ    reflect.Type
	byName map[string]int
	depth  int
}

// Type returns the aggregate struct type.
func (s *Schema) Type() reflect.Type { return s.typ }

// Depth is the length of the longest reference chain above this schema.
// Parents have a lower depth than the schemas referencing them.
func (s *Schema) Depth() int { return s.depth }

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// HasColumn reports whether name is a declared field or a reserved column.
func (s *Schema) HasColumn(name string) bool {
	if name == IDField || name == VersionField {
		return true
	}
	_, ok := s.byName[name]
	return ok
}

// FieldNames returns declared field names in declaration order.
func (s *Schema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Name)
	}
	return out
}

// UniqueFields returns the fields carrying a unique constraint.
func (s *Schema) UniqueFields() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Unique {
			out = append(out, f)
		}
	}
	return out
}

// References returns the distinct parent schema names.
func (s *Schema) References() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range s.Fields {
		if f.Ref != "" && !seen[f.Ref] {
			seen[f.Ref] = true
			out = append(out, f.Ref)
		}
	}
	return out
}

// New allocates a fresh instance of the aggregate type.
func (s *Schema) New() aggregates.Aggregate {
	return reflect.New(s.typ).Interface().(aggregates.Aggregate)
}

// Owns reports whether a is an instance of this schema's type.
func (s *Schema) Owns(a aggregates.Aggregate) bool {
	if a == nil {
		return false
	}
	t := reflect.TypeOf(a)
	return t.Kind() == reflect.Ptr && t.Elem() == s.typ
}

// Record extracts the field values of a.
func (s *Schema) Record(a aggregates.Aggregate) (Record, error) {
	v, err := s.structValue("schema.record", a)
	if err != nil {
		return nil, err
	}
	rec := make(Record, len(s.Fields))
	for _, f := range s.Fields {
		val, err := normalize(f.Kind, v.FieldByIndex(f.index))
		if err != nil {
			return nil, aggregates.NewError(aggregates.CodeValidation, "schema.record", s.Name+"."+f.Name, err)
		}
		rec[f.Name] = val
	}
	return rec, nil
}

// Load assigns rec onto a. Values may come in any shape a provider produces
// (int64 or float64 numbers, RFC3339 strings, JSON bytes).
func (s *Schema) Load(a aggregates.Aggregate, rec Record) error {
	v, err := s.structValue("schema.load", a)
	if err != nil {
		return err
	}
	for _, f := range s.Fields {
		raw, ok := rec[f.Name]
		if !ok {
			continue
		}
		if err := assign(v.FieldByIndex(f.index), f.Kind, raw); err != nil {
			return aggregates.NewError(aggregates.CodeSchema, "schema.load", s.Name+"."+f.Name+": "+err.Error(), err)
		}
	}
	return nil
}

// Hydrate builds a new instance from a stored row.
func (s *Schema) Hydrate(id string, version int64, rec Record) (aggregates.Aggregate, error) {
	inst := s.New()
	if err := s.Load(inst, rec); err != nil {
		return nil, err
	}
	root := aggregates.RootOf(inst)
	root.ID = id
	root.Version = version
	return inst, nil
}

// Snapshot deep-copies rec; json fields are frozen as json.RawMessage.
func (s *Schema) Snapshot(rec Record) (Record, error) {
	out := make(Record, len(rec))
	for k, v := range rec {
		f, ok := s.Field(k)
		if ok && f.Kind == KindJSON {
			raw, err := EncodeJSON(v)
			if err != nil {
				return nil, aggregates.NewError(aggregates.CodeSchema, "schema.snapshot", s.Name+"."+k+": "+err.Error(), err)
			}
			if raw == nil {
				out[k] = nil
			} else {
				out[k] = json.RawMessage(raw)
			}
			continue
		}
		out[k] = v
	}
	return out, nil
}

// Diff returns the names of fields whose values differ between a and b,
// in declaration order.
func (s *Schema) Diff(a, b Record) []string {
	var out []string
	for _, f := range s.Fields {
		if !equalValue(f.Kind, a[f.Name], b[f.Name]) {
			out = append(out, f.Name)
		}
	}
	return out
}

// Validate enforces required and max-length rules.
func (s *Schema) Validate(rec Record) error {
	for _, f := range s.Fields {
		v := rec[f.Name]
		if f.Required && isEmpty(v) {
			return aggregates.Errorf(aggregates.CodeValidation, "schema.validate", "%s.%s is required", s.Name, f.Name)
		}
		if f.MaxLength > 0 {
			if str, ok := v.(string); ok && utf8.RuneCountInString(str) > f.MaxLength {
				return aggregates.Errorf(aggregates.CodeValidation, "schema.validate", "%s.%s exceeds %d characters", s.Name, f.Name, f.MaxLength)
			}
		}
	}
	return nil
}

func (s *Schema) structValue(op string, a aggregates.Aggregate) (reflect.Value, error) {
	if !s.Owns(a) {
		return reflect.Value{}, aggregates.Errorf(aggregates.CodeSchema, op, "%T is not a %s aggregate", a, s.Name)
	}
	v := reflect.ValueOf(a)
	if v.IsNil() {
		return reflect.Value{}, aggregates.Errorf(aggregates.CodeValidation, op, "nil %s aggregate", s.Name)
	}
	return v.Elem(), nil
}

// EncodeJSON marshals a json field value; nil stays nil and raw JSON passes through.
func EncodeJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append([]byte(nil), t...), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case time.Time:
		return t.IsZero()
	case json.RawMessage:
		return len(t) == 0 || string(t) == "null"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.IsNil() || rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func equalValue(kind Kind, a, b any) bool {
	if kind == KindJSON {
		ra, errA := EncodeJSON(a)
		rb, errB := EncodeJSON(b)
		if errA != nil || errB != nil {
			return false
		}
		return bytes.Equal(ra, rb)
	}
	if kind == KindTime {
		ta, okA := a.(time.Time)
		tb, okB := b.(time.Time)
		if okA && okB {
			return ta.Equal(tb)
		}
	}
	return a == b
}
