package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// session opens its neo4j session lazily and keeps at most one explicit transaction.
type session struct {
	p    *Provider
	sess neo4j.SessionWithContext
	tx   neo4j.ExplicitTransaction
}

func (s *session) neo(ctx context.Context) neo4j.SessionWithContext {
	if s.sess == nil {
		s.sess = s.p.newSession(ctx)
	}
	return s.sess
}

func (s *session) run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error) {
	if s.tx != nil {
		return s.tx.Run(ctx, cypher, params)
	}
	return s.neo(ctx).Run(ctx, cypher, params)
}

func (s *session) FetchOne(ctx context.Context, sc *schema.Schema, id string) (provider.Row, bool, error) {
	const op = "document.fetch_one"
	res, err := s.run(ctx, fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n LIMIT 1", label(sc)), map[string]any{"id": id})
	if err != nil {
		return provider.Row{}, false, mapError(op, err)
	}
	cur := &cursor{res: res, schema: sc}
	defer cur.Close()
	row, err := cur.Next(ctx)
	if err == provider.Done {
		return provider.Row{}, false, nil
	}
	if err != nil {
		return provider.Row{}, false, err
	}
	return row, true, nil
}

func (s *session) FetchMany(ctx context.Context, sc *schema.Schema, q provider.Query) (provider.Cursor, error) {
	const op = "document.fetch_many"
	if err := q.Validate(sc); err != nil {
		return nil, err
	}
	stmt := matchStatement(sc, q)
	res, err := s.run(ctx, stmt.text, stmt.params)
	if err != nil {
		return nil, mapError(op, err)
	}
	cur := &cursor{res: res, schema: sc}
	if stmt.residual == nil {
		return cur, nil
	}
	var rows []provider.Row
	for {
		row, err := cur.Next(ctx)
		if err == provider.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return provider.NewSliceCursor(provider.Apply(rows, *stmt.residual)), nil
}

func (s *session) Count(ctx context.Context, sc *schema.Schema, q provider.Query) (int, error) {
	const op = "document.count"
	if err := q.Validate(sc); err != nil {
		return 0, err
	}
	stmt := countStatement(sc, q)
	res, err := s.run(ctx, stmt.text, stmt.params)
	if err != nil {
		return 0, mapError(op, err)
	}
	if stmt.residual != nil {
		return provider.CountMatches(ctx, &cursor{res: res, schema: sc}, *stmt.residual)
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, mapError(op, err)
	}
	n, _, err := neo4j.GetRecordValue[int64](rec, "total")
	if err != nil {
		return 0, mapError(op, err)
	}
	return int(n), nil
}

// Raw runs Cypher that returns nodes as n. A single map argument is used as the
// parameter map; otherwise arguments bind positionally as $p0, $p1 and so on.
func (s *session) Raw(ctx context.Context, sc *schema.Schema, statement string, args ...any) (provider.Cursor, error) {
	const op = "document.raw"
	if strings.TrimSpace(statement) == "" {
		return nil, aggregates.Errorf(aggregates.CodeValidation, op, "empty statement")
	}
	params := map[string]any{}
	if m, ok := singleMap(args); ok {
		params = m
	} else {
		for i, a := range args {
			params[fmt.Sprintf("p%d", i)] = param(a)
		}
	}
	res, err := s.run(ctx, statement, params)
	if err != nil {
		return nil, mapError(op, err)
	}
	return &cursor{res: res, schema: sc}, nil
}

func singleMap(args []any) (map[string]any, bool) {
	if len(args) != 1 {
		return nil, false
	}
	m, ok := args[0].(map[string]any)
	return m, ok
}

func (s *session) Persist(ctx context.Context, changes []provider.Change) error {
	for i, c := range changes {
		if err := s.write(ctx, c); err != nil {
			if s.tx == nil {
				return &provider.AppliedError{Applied: i, Err: err}
			}
			return err
		}
	}
	return nil
}

func (s *session) write(ctx context.Context, c provider.Change) error {
	const op = "document.persist"
	l := label(c.Schema)
	var (
		cypher string
		params map[string]any
	)
	switch c.Tag {
	case provider.TagNew:
		props, err := properties(c.Schema, c.Record, nil)
		if err != nil {
			return err
		}
		props["id"] = c.ID
		props[versionProp] = c.NextVersion
		cypher = fmt.Sprintf("CREATE (n:%s) SET n = $props", l)
		params = map[string]any{"props": props}
	case provider.TagDirty:
		props, err := properties(c.Schema, c.Record, c.Fields)
		if err != nil {
			return err
		}
		cypher = fmt.Sprintf("MATCH (n:%s {id: $id}) WHERE n.%s = $version SET n += $props, n.%s = $next", l, versionProp, versionProp)
		params = map[string]any{"id": c.ID, "version": c.Version, "next": c.NextVersion, "props": props}
	case provider.TagRemoved:
		cypher = fmt.Sprintf("MATCH (n:%s {id: $id}) WHERE n.%s = $version DETACH DELETE n", l, versionProp)
		params = map[string]any{"id": c.ID, "version": c.Version}
	default:
		return nil
	}

	res, err := s.run(ctx, cypher, params)
	if err != nil {
		return mapError(op, fmt.Errorf("%s %s: %w", c.Tag, c.Key(), err))
	}
	summary, err := res.Consume(ctx)
	if err != nil {
		return mapError(op, fmt.Errorf("%s %s: %w", c.Tag, c.Key(), err))
	}
	counters := summary.Counters()
	switch {
	case c.Tag == provider.TagNew && counters.NodesCreated() == 0,
		c.Tag == provider.TagDirty && counters.PropertiesSet() == 0,
		c.Tag == provider.TagRemoved && counters.NodesDeleted() == 0:
		return aggregates.Errorf(aggregates.CodeConflict, op, "%s changed or deleted since version %d", c.Key(), c.Version)
	}
	return nil
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, "document.begin", "transaction already open")
	}
	tx, err := s.neo(ctx).BeginTransaction(ctx)
	if err != nil {
		return mapError("document.begin", err)
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	defer tx.Close(ctx)
	if err := tx.Commit(ctx); err != nil {
		return mapError("document.commit", err)
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	defer tx.Close(ctx)
	if err := tx.Rollback(ctx); err != nil {
		return mapError("document.rollback", err)
	}
	return nil
}

func (s *session) Close() error {
	ctx := context.Background()
	err := s.Rollback(ctx)
	if s.sess != nil {
		if cerr := s.sess.Close(ctx); err == nil {
			err = mapError("document.close", cerr)
		}
		s.sess = nil
	}
	return err
}

// cursor streams result records, decoding the node bound to n.
type cursor struct {
	res    neo4j.ResultWithContext
	schema *schema.Schema
	closed bool
}

func (c *cursor) Next(ctx context.Context) (provider.Row, error) {
	const op = "document.cursor"
	if c.closed {
		return provider.Row{}, provider.Done
	}
	if !c.res.Next(ctx) {
		err := c.res.Err()
		c.closed = true
		if err != nil {
			return provider.Row{}, mapError(op, err)
		}
		return provider.Row{}, provider.Done
	}
	node, isNil, err := neo4j.GetRecordValue[neo4j.Node](c.res.Record(), "n")
	if err != nil || isNil {
		_ = c.Close()
		return provider.Row{}, aggregates.Errorf(aggregates.CodeSchema, op, "results must return the matched node as n")
	}
	return rowOf(c.schema, node)
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := c.res.Consume(context.Background())
	return mapError("document.cursor", err)
}
