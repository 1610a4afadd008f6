package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/dbctx"
)

type session struct {
	p  *Provider
	tx *gorm.DB
}

func (s *session) db(ctx context.Context) *gorm.DB {
	return dbctx.Context{Ctx: ctx, Tx: s.tx}.DB(s.p.db)
}

var idWhere = quote(schema.IDField) + " = ?"
var casWhere = quote(schema.IDField) + " = ? AND " + quote(schema.VersionField) + " = ?"

func (s *session) FetchOne(ctx context.Context, sc *schema.Schema, id string) (provider.Row, bool, error) {
	const op = "relational.fetch_one"
	rows, err := s.db(ctx).Table(sc.Name).Where(idWhere, id).Limit(1).Rows()
	if err != nil {
		return provider.Row{}, false, mapError(op, err)
	}
	cur, err := newCursor(rows)
	if err != nil {
		return provider.Row{}, false, err
	}
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
	const op = "relational.fetch_many"
	if err := q.Validate(sc); err != nil {
		return nil, err
	}
	db := applyQuery(s.db(ctx).Table(sc.Name), s.p.dialect, sc, q)
	rows, err := db.Rows()
	if err != nil {
		return nil, mapError(op, err)
	}
	return newCursor(rows)
}

func (s *session) Count(ctx context.Context, sc *schema.Schema, q provider.Query) (int, error) {
	if err := q.Validate(sc); err != nil {
		return 0, err
	}
	var n int64
	if err := applyFilter(s.db(ctx).Table(sc.Name), s.p.dialect, sc, q).Count(&n).Error; err != nil {
		return 0, mapError("relational.count", err)
	}
	return int(n), nil
}

// Raw runs a SELECT that must return the id and version columns.
func (s *session) Raw(ctx context.Context, sc *schema.Schema, statement string, args ...any) (provider.Cursor, error) {
	rows, err := s.db(ctx).Raw(statement, args...).Rows()
	if err != nil {
		return nil, mapError("relational.raw", err)
	}
	return newCursor(rows)
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
	const op = "relational.persist"
	db := s.db(ctx)
	switch c.Tag {
	case provider.TagNew:
		values, err := columns(c.Schema, c.Record, nil)
		if err != nil {
			return err
		}
		values[schema.IDField] = c.ID
		values[schema.VersionField] = c.NextVersion
		if err := db.Table(c.Schema.Name).Create(values).Error; err != nil {
			return mapError(op, fmt.Errorf("insert %s: %w", c.Key(), err))
		}
	case provider.TagDirty:
		values, err := columns(c.Schema, c.Record, c.Fields)
		if err != nil {
			return err
		}
		values[schema.VersionField] = c.NextVersion
		res := db.Table(c.Schema.Name).Where(casWhere, c.ID, c.Version).Updates(values)
		if res.Error != nil {
			return mapError(op, fmt.Errorf("update %s: %w", c.Key(), res.Error))
		}
		if res.RowsAffected == 0 {
			return aggregates.Errorf(aggregates.CodeConflict, op, "%s changed or deleted since version %d", c.Key(), c.Version)
		}
	case provider.TagRemoved:
		res := db.Exec("DELETE FROM ? WHERE "+casWhere, clause.Table{Name: c.Schema.Name}, c.ID, c.Version)
		if res.Error != nil {
			return mapError(op, fmt.Errorf("delete %s: %w", c.Key(), res.Error))
		}
		if res.RowsAffected == 0 {
			return aggregates.Errorf(aggregates.CodeConflict, op, "%s changed or deleted since version %d", c.Key(), c.Version)
		}
	}
	return nil
}

// columns converts record values to driver values. Only fields are kept when given.
func columns(s *schema.Schema, rec schema.Record, fields []string) (map[string]any, error) {
	names := fields
	if len(names) == 0 {
		names = s.FieldNames()
	}
	out := make(map[string]any, len(names)+2)
	for _, name := range names {
		f, ok := s.Field(name)
		if !ok {
			return nil, aggregates.Errorf(aggregates.CodeSchema, "relational.persist", "%s has no field %q", s.Name, name)
		}
		v := rec[name]
		if f.Kind == schema.KindJSON {
			raw, err := schema.EncodeJSON(v)
			if err != nil {
				return nil, aggregates.NewError(aggregates.CodeSchema, "relational.persist", s.Name+"."+name+": "+err.Error(), err)
			}
			if raw == nil {
				out[name] = nil
			} else {
				out[name] = datatypes.JSON(raw)
			}
			continue
		}
		out[name] = v
	}
	return out, nil
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return aggregates.Errorf(aggregates.CodeInvalidStateTransition, "relational.begin", "transaction already open")
	}
	tx := s.p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return mapError("relational.begin", tx.Error)
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
	if err := tx.Commit().Error; err != nil {
		return mapError("relational.commit", err)
	}
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback().Error; err != nil && err != sql.ErrTxDone {
		return mapError("relational.rollback", err)
	}
	return nil
}

func (s *session) Close() error {
	return s.Rollback(context.Background())
}

// cursor streams *sql.Rows one row at a time.
type cursor struct {
	rows   *sql.Rows
	cols   []string
	closed bool
}

func newCursor(rows *sql.Rows) (*cursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, mapError("relational.cursor", err)
	}
	return &cursor{rows: rows, cols: cols}, nil
}

func (c *cursor) Next(ctx context.Context) (provider.Row, error) {
	const op = "relational.cursor"
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
	row, err := c.scan()
	if err != nil {
		// a failed row ends the cursor so the connection goes back to the pool
		_ = c.Close()
		return provider.Row{}, err
	}
	return row, nil
}

func (c *cursor) scan() (provider.Row, error) {
	const op = "relational.cursor"
	vals := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return provider.Row{}, mapError(op, err)
	}
	row := provider.Row{Record: make(schema.Record, len(c.cols))}
	for i, col := range c.cols {
		switch col {
		case schema.IDField:
			row.ID = text(vals[i])
		case schema.VersionField:
			v, err := version(vals[i])
			if err != nil {
				return provider.Row{}, aggregates.NewError(aggregates.CodeSchema, op, "bad version column", err)
			}
			row.Version = v
		default:
			row.Record[col] = vals[i]
		}
	}
	if row.ID == "" {
		return provider.Row{}, aggregates.Errorf(aggregates.CodeSchema, op, "result rows must include the %q column", schema.IDField)
	}
	return row, nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func version(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case []byte:
		return strconv.ParseInt(string(t), 10, 64)
	case string:
		return strconv.ParseInt(t, 10, 64)
	case json.Number:
		return t.Int64()
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
