package document

import (
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// properties converts record values into node properties. Json fields are stored as
// text; empty values become null so the property is absent.
func properties(s *schema.Schema, rec schema.Record, fields []string) (map[string]any, error) {
	names := fields
	if len(names) == 0 {
		names = s.FieldNames()
	}
	out := make(map[string]any, len(names)+2)
	for _, name := range names {
		f, ok := s.Field(name)
		if !ok {
			return nil, aggregates.Errorf(aggregates.CodeSchema, "document.persist", "%s has no field %q", s.Name, name)
		}
		v := rec[name]
		switch f.Kind {
		case schema.KindJSON:
			raw, err := schema.EncodeJSON(v)
			if err != nil {
				return nil, aggregates.NewError(aggregates.CodeSchema, "document.persist", s.Name+"."+name+": "+err.Error(), err)
			}
			if raw == nil {
				out[name] = nil
			} else {
				out[name] = string(raw)
			}
		case schema.KindTime:
			if t, ok := v.(time.Time); ok && !t.IsZero() {
				out[name] = t.UTC()
			} else {
				out[name] = nil
			}
		default:
			out[name] = param(v)
		}
	}
	return out, nil
}

func rowOf(s *schema.Schema, node neo4j.Node) (provider.Row, error) {
	const op = "document.decode"
	props := node.Props
	id, _ := props["id"].(string)
	if id == "" {
		return provider.Row{}, aggregates.Errorf(aggregates.CodeSchema, op, "%s node %s has no id", s.Name, node.ElementId)
	}
	version, _ := props[versionProp].(int64)
	rec := make(schema.Record, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := props[f.Name]
		if !ok || v == nil {
			rec[f.Name] = nil
			continue
		}
		if f.Kind == schema.KindJSON {
			if text, ok := v.(string); ok {
				v = json.RawMessage(text)
			}
		}
		rec[f.Name] = v
	}
	return provider.Row{ID: id, Version: version, Record: rec}, nil
}
