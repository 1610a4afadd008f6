package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type session struct {
	p  *Provider
	tx *sql.Tx
}

func (s *session) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.p.db
}

func (s *session) FetchOne(ctx context.Context, sc *schema.Schema, id string) (provider.Row, bool, error) {
	const op = "embedded.fetch_one"
	rows, err := s.q().QueryContext(ctx, fmt.Sprintf("SELECT id, version, doc FROM %s WHERE id = ?", quote(sc.Name)), id)
	if err != nil {
		return provider.Row{}, false, mapError(op, err)
	}
	cur := &cursor{rows: rows}
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
	if err := q.Validate(sc); err != nil {
		return nil, err
	}
	stmt, args := selectSQL(sc, q)
	rows, err := s.q().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapError("embedded.fetch_many", err)
	}
	return &cursor{rows: rows}, nil
}

func (s *session) Count(ctx context.Context, sc *schema.Schema, q provider.Query) (int, error) {
	if err := q.Validate(sc); err != nil {
		return 0, err
	}
	stmt, args := countSQL(sc, q)
	var n int
	if err := s.q().QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, mapError("embedded.count", err)
	}
	return n, nil
}

// Raw treats statement as a WHERE clause over the schema table; json_extract(doc, '$.field')
// reads a field.
func (s *session) Raw(ctx context.Context, sc *schema.Schema, statement string, args ...any) (provider.Cursor, error) {
	const op = "embedded.raw"
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return nil, aggregates.Errorf(aggregates.CodeValidation, op, "empty statement")
	}
	stmt := fmt.Sprintf("SELECT id, version, doc FROM %s WHERE %s ORDER BY id", quote(sc.Name), statement)
	rows, err := s.q().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	return &cursor{rows: rows}, nil
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
	const op = "embedded.persist"
	table := quote(c.Schema.Name)
	var (
		res sql.Result
		err error
	)
	switch c.Tag {
	case provider.TagNew:
		doc, encErr := encodeDoc(c.Schema, c.Record)
		if encErr != nil {
			return encErr
		}
		_, err = s.q().ExecContext(ctx, "INSERT INTO "+table+" (id, version, doc) VALUES (?, ?, ?)", c.ID, c.NextVersion, doc)
		if err != nil {
			return mapError(op, fmt.Errorf("insert %s: %w", c.Key(), err))
		}
		return nil
	case provider.TagDirty:
		// only dirty fields are rewritten inside the stored document
		set := "doc"
		args := []any{c.NextVersion}
		for _, name := range c.Fields {
			raw, encErr := encodeValue(name, c.Record[name])
			if encErr != nil {
				return encErr
			}
			set = "json_set(" + set + ", " + path(name) + ", json(?))"
			args = append(args, raw)
		}
		args = append(args, c.ID, c.Version)
		res, err = s.q().ExecContext(ctx, "UPDATE "+table+" SET version = ?, doc = "+set+" WHERE id = ? AND version = ?", args...)
		if err != nil {
			return mapError(op, fmt.Errorf("update %s: %w", c.Key(), err))
		}
	case provider.TagRemoved:
		res, err = s.q().ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ? AND version = ?", c.ID, c.Version)
		if err != nil {
			return mapError(op, fmt.Errorf("delete %s: %w", c.Key(), err))
		}
	default:
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return aggregates.Errorf(aggregates.CodeConflict, op, "%s changed or deleted since version %d", c.Key(), c.Version)
	}
	return nil
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, "embedded.begin", "transaction already open")
	}
	tx, err := s.p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("embedded.begin", err)
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
	if err := tx.Commit(); err != nil {
		return mapError("embedded.commit", err)
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return mapError("embedded.rollback", err)
	}
	return nil
}

func (s *session) Close() error {
	return s.Rollback(context.Background())
}

type cursor struct {
	rows   *sql.Rows
	closed bool
}

func (c *cursor) Next(ctx context.Context) (provider.Row, error) {
	const op = "embedded.cursor"
	if c.closed {
		return provider.Row{}, provider.Done
	}
	if err := ctx.Err(); err != nil {
		_ = c.Close()
		return provider.Row{}, mapError(op, err)
	}
	if !c.rows.Next() {
		err := c.rows.Err()
		_ = c.Close()
		if err != nil {
			return provider.Row{}, mapError(op, err)
		}
		return provider.Row{}, provider.Done
	}
	var (
		row provider.Row
		doc string
	)
	if err := c.rows.Scan(&row.ID, &row.Version, &doc); err != nil {
		_ = c.Close()
		return provider.Row{}, mapError(op, err)
	}
	rec, err := decodeDoc(doc)
	if err != nil {
		_ = c.Close()
		return provider.Row{}, err
	}
	row.Record = rec
	return row, nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}
