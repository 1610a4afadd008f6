package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are the textual forms drivers hand back for timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func normalize(kind Kind, v reflect.Value) (any, error) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	switch kind {
	case KindString:
		return v.String(), nil
	case KindInt:
		switch v.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := v.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("%d overflows int64", u)
			}
			return int64(u), nil
		}
		return v.Int(), nil
	case KindFloat:
		return v.Float(), nil
	case KindBool:
		return v.Bool(), nil
	case KindTime:
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return time.Time{}, nil
		}
		return t.UTC(), nil
	default:
		switch v.Kind() {
		case reflect.Map, reflect.Slice, reflect.Interface:
			if v.IsNil() {
				return nil, nil
			}
		}
		return v.Interface(), nil
	}
}

func assign(dst reflect.Value, kind Kind, raw any) error {
	if raw == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.Kind() == reflect.Ptr {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), kind, raw); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	switch kind {
	case KindString:
		s, err := toString(raw)
		if err != nil {
			return err
		}
		dst.SetString(s)
	case KindInt:
		n, err := toInt(raw)
		if err != nil {
			return err
		}
		switch dst.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if n < 0 {
				return fmt.Errorf("negative value %d for unsigned field", n)
			}
			dst.SetUint(uint64(n))
		default:
			dst.SetInt(n)
		}
	case KindFloat:
		f, err := toFloat(raw)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
	case KindBool:
		b, err := toBool(raw)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	case KindTime:
		t, err := toTime(raw)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
	default:
		return assignJSON(dst, raw)
	}
	return nil
}

func toString(raw any) (string, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("cannot use %T as string", raw)
}

func toInt(raw any) (int64, error) {
	switch t := raw.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", t)
		}
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("non-integral value %v", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as int", raw)
}

func toFloat(raw any) (float64, error) {
	switch t := raw.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
	}
	return 0, fmt.Errorf("cannot use %T as float", raw)
}

func toBool(raw any) (bool, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(t)))
	}
	return false, fmt.Errorf("cannot use %T as bool", raw)
}

func toTime(raw any) (time.Time, error) {
	switch t := raw.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, nil
		}
		return t.UTC(), nil
	case int64:
		return time.Unix(0, t).UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	}
	return time.Time{}, fmt.Errorf("cannot use %T as time", raw)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func assignJSON(dst reflect.Value, raw any) error {
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	var data []byte
	switch {
	case rv.Kind() == reflect.String:
		data = []byte(rv.String())
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
		data = rv.Bytes()
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		data = b
	}
	if len(data) == 0 || string(data) == "null" {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	target := reflect.New(dst.Type())
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return err
	}
	dst.Set(target.Elem())
	return nil
}
