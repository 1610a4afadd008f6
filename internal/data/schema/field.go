package schema

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Kind is the storage-level type of a field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
	KindJSON   Kind = "json"
)

// Reserved column names every provider stores next to the declared fields.
const (
	IDField      = "id"
	VersionField = "version"
)

// Field is the declarative mapping of one aggregate attribute.
type Field struct {
	Name      string
	Kind      Kind
	Required  bool
	Unique    bool
	MaxLength int
	// Ref names the parent schema this field points at.
	Ref string

	index  []int
	goType reflect.Type
}

var (
	timeType = reflect.TypeOf(time.Time{})
	rootType = reflect.TypeOf(aggregates.Root{})
)

// parseFields walks the exported fields of t, flattening embedded structs other than Root.
func parseFields(op string, t reflect.Type, prefix []int) ([]Field, error) {
	var out []Field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		idx := append(append([]int{}, prefix...), i)
		if sf.Anonymous {
			ft := sf.Type
			if ft == rootType || !sf.IsExported() {
				continue
			}
			if ft.Kind() == reflect.Struct && sf.Tag.Get("persist") == "" {
				nested, err := parseFields(op, ft, idx)
				if err != nil {
					return nil, err
				}
				out = append(out, nested...)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		tag := strings.TrimSpace(sf.Tag.Get("persist"))
		if tag == "-" {
			continue
		}
		f, err := parseTag(op, sf, tag)
		if err != nil {
			return nil, err
		}
		f.index = idx
		f.goType = sf.Type
		out = append(out, f)
	}
	return out, nil
}

func parseTag(op string, sf reflect.StructField, tag string) (Field, error) {
	parts := strings.Split(tag, ",")
	f := Field{Name: strings.TrimSpace(parts[0])}
	if f.Name == "" {
		f.Name = SnakeCase(sf.Name)
	}
	if f.Name == IDField || f.Name == VersionField {
		return Field{}, aggregates.Errorf(aggregates.CodeSchema, op, "field %s uses reserved name %q", sf.Name, f.Name)
	}
	f.Kind = kindOf(sf.Type)
	for _, raw := range parts[1:] {
		opt := strings.TrimSpace(raw)
		switch {
		case opt == "":
		case opt == "required":
			f.Required = true
		case opt == "unique":
			f.Unique = true
		case strings.HasPrefix(opt, "max="):
			n, err := strconv.Atoi(strings.TrimPrefix(opt, "max="))
			if err != nil || n <= 0 {
				return Field{}, aggregates.Errorf(aggregates.CodeSchema, op, "field %s: invalid max %q", sf.Name, opt)
			}
			f.MaxLength = n
		case strings.HasPrefix(opt, "ref="):
			f.Ref = strings.TrimSpace(strings.TrimPrefix(opt, "ref="))
		default:
			return Field{}, aggregates.Errorf(aggregates.CodeSchema, op, "field %s: unknown option %q", sf.Name, opt)
		}
	}
	return f, nil
}

func kindOf(t reflect.Type) Kind {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == timeType {
		return KindTime
	}
	switch t.Kind() {
	case reflect.String:
		return KindString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindInt
	case reflect.Float32, reflect.Float64:
		return KindFloat
	case reflect.Bool:
		return KindBool
	default:
		return KindJSON
	}
}

// SnakeCase converts Go identifiers to storage names: OrderID -> order_id.
func SnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
