package cache

import (
	"context"
	"errors"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// mgetBatch bounds the keys fetched per MGET.
const mgetBatch = 256

type session struct {
	p *Provider
}

func (s *session) FetchOne(ctx context.Context, sc *schema.Schema, id string) (provider.Row, bool, error) {
	const op = "cache.fetch_one"
	data, err := s.p.rdb.Get(ctx, s.p.docKey(sc, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return provider.Row{}, false, nil
	}
	if err != nil {
		return provider.Row{}, false, mapError(op, err)
	}
	row, err := decode(sc, data)
	if err != nil {
		return provider.Row{}, false, err
	}
	return row, true, nil
}

// FetchMany scans the id set and filters documents in memory.
func (s *session) FetchMany(ctx context.Context, sc *schema.Schema, q provider.Query) (provider.Cursor, error) {
	if err := q.Validate(sc); err != nil {
		return nil, err
	}
	rows, err := s.scan(ctx, sc)
	if err != nil {
		return nil, err
	}
	return provider.NewSliceCursor(provider.Apply(rows, q)), nil
}

func (s *session) Count(ctx context.Context, sc *schema.Schema, q provider.Query) (int, error) {
	if err := q.Validate(sc); err != nil {
		return 0, err
	}
	rows, err := s.scan(ctx, sc)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if provider.Match(r, q) {
			n++
		}
	}
	return n, nil
}

// Raw filters the schema's documents with an expr-lang predicate.
func (s *session) Raw(ctx context.Context, sc *schema.Schema, statement string, args ...any) (provider.Cursor, error) {
	pred, err := provider.CompilePredicate(statement, args...)
	if err != nil {
		return nil, err
	}
	rows, err := s.scan(ctx, sc)
	if err != nil {
		return nil, err
	}
	rows, err = pred.Filter(rows)
	if err != nil {
		return nil, err
	}
	provider.SortRows(rows, sc.OrderBy)
	return provider.NewSliceCursor(rows), nil
}

// scan loads every live document of sc sorted by id. Ids whose document expired are
// pruned from the set.
func (s *session) scan(ctx context.Context, sc *schema.Schema) ([]provider.Row, error) {
	const op = "cache.scan"
	setKey := s.p.setKey(sc)
	var (
		ids    []string
		cursor uint64
	)
	for {
		page, next, err := s.p.rdb.SScan(ctx, setKey, cursor, "", s.p.scanCount).Result()
		if err != nil {
			return nil, mapError(op, err)
		}
		ids = append(ids, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	ids = dedupe(ids)

	rows := make([]provider.Row, 0, len(ids))
	var stale []any
	for start := 0; start < len(ids); start += mgetBatch {
		end := min(start+mgetBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.p.docKey(sc, id))
		}
		vals, err := s.p.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, mapError(op, err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				stale = append(stale, ids[start+i])
				continue
			}
			row, err := decode(sc, []byte(str))
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	if len(stale) > 0 {
		if err := s.p.rdb.SRem(ctx, setKey, stale...).Err(); err != nil {
			s.p.log.Warn("prune expired ids failed", "schema", sc.Name, "count", len(stale), "error", err)
		}
	}
	return rows, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *session) Persist(ctx context.Context, changes []provider.Change) error {
	for i, c := range changes {
		if err := s.write(ctx, c); err != nil {
			return &provider.AppliedError{Applied: i, Err: err}
		}
	}
	return nil
}

func (s *session) write(ctx context.Context, c provider.Change) error {
	switch c.Tag {
	case provider.TagNew:
		return s.insert(ctx, c)
	case provider.TagDirty, provider.TagRemoved:
		return s.compareAndSet(ctx, c)
	}
	return nil
}

func (s *session) insert(ctx context.Context, c provider.Change) error {
	const op = "cache.persist"
	data, err := encode(c.Schema, c.ID, c.NextVersion, c.Record)
	if err != nil {
		return err
	}
	var created *goredis.BoolCmd
	_, err = s.p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.p.docKey(c.Schema, c.ID), data, s.p.ttl)
		pipe.SAdd(ctx, s.p.setKey(c.Schema), c.ID)
		return nil
	})
	if err != nil {
		return mapError(op, err)
	}
	if !created.Val() {
		return aggregates.Errorf(aggregates.CodeConflict, op, "%s already exists", c.Key())
	}
	return nil
}

// compareAndSet applies an update or delete only while the stored version still matches.
func (s *session) compareAndSet(ctx context.Context, c provider.Change) error {
	const op = "cache.persist"
	key := s.p.docKey(c.Schema, c.ID)
	err := s.p.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return aggregates.Errorf(aggregates.CodeConflict, op, "%s was deleted concurrently", c.Key())
		}
		if err != nil {
			return err
		}
		stored, err := decode(c.Schema, data)
		if err != nil {
			return err
		}
		if stored.Version != c.Version {
			return aggregates.Errorf(aggregates.CodeConflict, op, "%s version mismatch: stored=%d expected=%d", c.Key(), stored.Version, c.Version)
		}
		if c.Tag == provider.TagRemoved {
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.p.setKey(c.Schema), c.ID)
				return nil
			})
			return err
		}
		rec := stored.Record
		if len(c.Fields) == 0 {
			rec = c.Record
		}
		for _, name := range c.Fields {
			rec[name] = c.Record[name]
		}
		next, err := encode(c.Schema, c.ID, c.NextVersion, rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.p.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapError(op, err)
	}
	return nil
}

func (s *session) Begin(ctx context.Context) error    { return nil }
func (s *session) Commit(ctx context.Context) error   { return nil }
func (s *session) Rollback(ctx context.Context) error { return nil }
func (s *session) Close() error                       { return nil }
