package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// checkUnique enforces unique fields for a provider that cannot. Values are compared
// within the batch and against stored rows before anything is written. Another unit
// committing the same value between this read and the write is not detected.
func (u *Unit) checkUnique(ctx context.Context, b *batch) error {
	const op = "uow.unique"
	type valueKey struct{ schema, field, value string }
	seen := map[valueKey]string{}
	// rows leaving the batch free their old value; rows changing it free it too
	released := map[string]map[string]bool{}
	for _, c := range b.changes {
		if c.Tag == provider.TagRemoved {
			released[c.Key()] = nil
			continue
		}
		if c.Tag == provider.TagDirty {
			m := released[c.Key()]
			if m == nil {
				m = map[string]bool{}
			}
			for _, f := range c.Fields {
				m[f] = true
			}
			released[c.Key()] = m
		}
	}
	isReleased := func(key, field string) bool {
		m, ok := released[key]
		return ok && (m == nil || m[field])
	}

	for _, c := range b.changes {
		if c.Tag != provider.TagNew && c.Tag != provider.TagDirty {
			continue
		}
		for _, f := range c.Schema.UniqueFields() {
			if c.Tag == provider.TagDirty && !contains(c.Fields, f.Name) {
				continue
			}
			v := c.Record[f.Name]
			if v == nil {
				continue
			}
			k := valueKey{c.Schema.Name, f.Name, fmt.Sprint(v)}
			if other, ok := seen[k]; ok && other != c.ID {
				return aggregates.Errorf(aggregates.CodeConflict, op, "%s.%s=%v is used by %s and %s", c.Schema.Name, f.Name, v, other, c.ID)
			}
			seen[k] = c.ID

			taken, err := u.storedOwner(ctx, b.session, c.Schema, f.Name, v, c.ID, isReleased)
			if err != nil {
				return err
			}
			if taken != "" {
				return aggregates.Errorf(aggregates.CodeConflict, op, "%s.%s=%v already belongs to %s", c.Schema.Name, f.Name, v, taken)
			}
		}
	}
	return nil
}

// storedOwner returns the id of a stored row other than id holding value in field,
// skipping rows whose value the batch releases.
func (u *Unit) storedOwner(ctx context.Context, sess provider.Session, s *schema.Schema, field string, value any, id string, isReleased func(key, field string) bool) (string, error) {
	q := provider.NewQuery().Where(field, provider.OpEq, value).Where(schema.IDField, provider.OpNe, id)
	cur, err := sess.FetchMany(ctx, s, q)
	if err != nil {
		return "", classify("uow.unique", err)
	}
	defer cur.Close()
	for {
		row, err := cur.Next(ctx)
		if errors.Is(err, provider.Done) {
			return "", nil
		}
		if err != nil {
			return "", classify("uow.unique", err)
		}
		if isReleased(s.Name+":"+row.ID, field) {
			continue
		}
		return row.ID, nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
