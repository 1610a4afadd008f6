package cache

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

type document struct {
	ID      string                     `json:"id"`
	Version int64                      `json:"version"`
	Record  map[string]json.RawMessage `json:"record"`
}

func encode(s *schema.Schema, id string, version int64, rec schema.Record) ([]byte, error) {
	doc := document{ID: id, Version: version, Record: make(map[string]json.RawMessage, len(s.Fields))}
	for _, f := range s.Fields {
		raw, err := encodeValue(f, rec[f.Name])
		if err != nil {
			return nil, aggregates.NewError(aggregates.CodeSchema, "cache.encode", s.Name+"."+f.Name+": "+err.Error(), err)
		}
		doc.Record[f.Name] = raw
	}
	return json.Marshal(doc)
}

func encodeValue(f schema.Field, v any) (json.RawMessage, error) {
	if f.Kind == schema.KindJSON {
		raw, err := schema.EncodeJSON(v)
		if err != nil || raw == nil {
			return json.RawMessage("null"), err
		}
		return raw, nil
	}
	if t, ok := v.(time.Time); ok && t.IsZero() {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

// decode restores record values to the kinds the schema declares; json fields stay raw.
func decode(s *schema.Schema, data []byte) (provider.Row, error) {
	const op = "cache.decode"
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return provider.Row{}, aggregates.NewError(aggregates.CodeSchema, op, s.Name+": "+err.Error(), err)
	}
	rec := make(schema.Record, len(s.Fields))
	for _, f := range s.Fields {
		raw, ok := doc.Record[f.Name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			rec[f.Name] = nil
			continue
		}
		v, err := decodeValue(f.Kind, raw)
		if err != nil {
			return provider.Row{}, aggregates.NewError(aggregates.CodeSchema, op, s.Name+"."+f.Name+": "+err.Error(), err)
		}
		rec[f.Name] = v
	}
	return provider.Row{ID: doc.ID, Version: doc.Version, Record: rec}, nil
}

func decodeValue(kind schema.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case schema.KindString:
		var v string
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindInt:
		var v int64
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindFloat:
		var v float64
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindBool:
		var v bool
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindTime:
		var v time.Time
		err := json.Unmarshal(raw, &v)
		return v.UTC(), err
	}
	return append(json.RawMessage(nil), raw...), nil
}
