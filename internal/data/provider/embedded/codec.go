package embedded

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// docValue converts a record value into its document form.
func docValue(v any) any {
	if t, ok := v.(time.Time); ok {
		if t.IsZero() {
			return nil
		}
		return t.UTC().Format(timeLayout)
	}
	return v
}

// arg converts a query value into what json_extract yields for the same field.
func arg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(timeLayout)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func encodeDoc(s *schema.Schema, rec schema.Record) (string, error) {
	doc := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		doc[f.Name] = docValue(rec[f.Name])
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", aggregates.NewError(aggregates.CodeSchema, "embedded.encode", s.Name+": "+err.Error(), err)
	}
	return string(raw), nil
}

func encodeValue(field string, v any) (string, error) {
	raw, err := json.Marshal(docValue(v))
	if err != nil {
		return "", aggregates.NewError(aggregates.CodeSchema, "embedded.encode", field+": "+err.Error(), err)
	}
	return string(raw), nil
}

// decodeDoc keeps numbers as json.Number so int64 fields survive intact.
func decodeDoc(doc string) (schema.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()
	var rec schema.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, aggregates.NewError(aggregates.CodeSchema, "embedded.decode", err.Error(), err)
	}
	return rec, nil
}
