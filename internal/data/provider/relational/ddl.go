package relational

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/protean/internal/data/schema"
)

func (p *Provider) columnType(k schema.Kind) string {
	pg := p.dialect == DialectPostgres
	switch k {
	case schema.KindString:
		return "TEXT"
	case schema.KindInt:
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	case schema.KindFloat:
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindTime:
		if pg {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	default:
		if pg {
			return "JSONB"
		}
		return "TEXT"
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// createTableSQL renders the table of s. References become foreign keys only when
// the parent table is migrated by this provider too.
func (p *Provider) createTableSQL(s *schema.Schema, local map[string]bool) string {
	cols := []string{
		quote(schema.IDField) + " TEXT PRIMARY KEY",
		quote(schema.VersionField) + " BIGINT NOT NULL",
	}
	for _, f := range s.Fields {
		col := quote(f.Name) + " " + p.columnType(f.Kind)
		if f.Ref != "" && local[f.Ref] {
			col += " REFERENCES " + quote(f.Ref) + "(" + quote(schema.IDField) + ")"
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(s.Name), strings.Join(cols, ",\n\t"))
}

func uniqueIndexSQL(s *schema.Schema, f schema.Field) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote("uq_"+s.Name+"_"+f.Name), quote(s.Name), quote(f.Name))
}

func refIndexSQL(s *schema.Schema, f schema.Field) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote("idx_"+s.Name+"_"+f.Name), quote(s.Name), quote(f.Name))
}

// Migrate creates tables and indexes. Schemas arrive parents first.
func (p *Provider) Migrate(ctx context.Context, schemas []*schema.Schema) error {
	const op = "relational.migrate"
	local := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		local[s.Name] = true
	}
	db := p.db.WithContext(ctx)
	for _, s := range schemas {
		if err := db.Exec(p.createTableSQL(s, local)).Error; err != nil {
			return mapError(op, fmt.Errorf("create table %s: %w", s.Name, err))
		}
		for _, f := range s.Fields {
			var stmt string
			switch {
			case f.Unique:
				stmt = uniqueIndexSQL(s, f)
			case f.Ref != "":
				stmt = refIndexSQL(s, f)
			default:
				continue
			}
			if err := db.Exec(stmt).Error; err != nil {
				return mapError(op, fmt.Errorf("create index %s.%s: %w", s.Name, f.Name, err))
			}
		}
		p.log.Debug("table migrated", "table", s.Name, "fields", len(s.Fields))
	}
	return nil
}
