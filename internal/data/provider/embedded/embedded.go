// Package embedded keeps aggregates as JSON documents in a local SQLite file, one
// table per schema, using the pure Go modernc driver.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/envutil"
	"github.com/yungbote/protean/internal/platform/logger"
)

type Config struct {
	Name        string
	Path        string
	BusyTimeout time.Duration
}

type Provider struct {
	name string
	db   *sql.DB
	log  *logger.Logger
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (or creates) the database file at cfg.Path.
func Open(cfg Config, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "embedded.open", "provider name required")
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" || strings.Contains(path, ":memory:") {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "embedded.open", "%s: a database file path is required", cfg.Name)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = envutil.Duration("EMBEDDED_BUSY_TIMEOUT", 5*time.Second)
	}
	db, err := sql.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, mapError("embedded.open", fmt.Errorf("failed to open database: %w", err))
	}
	return &Provider{
		name: cfg.Name,
		db:   db,
		log:  log.With("component", "embedded", "provider", cfg.Name, "path", path),
	}, nil
}

func (p *Provider) Name() string             { return p.name }
func (p *Provider) Family() provider.Family { return provider.FamilyEmbedded }

func (p *Provider) Capabilities() provider.Capability {
	return provider.CapTransactions | provider.CapVersionCheck | provider.CapUnique | provider.CapRawQuery | provider.CapOrdering
}

func (p *Provider) Open(ctx context.Context) (provider.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("embedded.open_session", err)
	}
	return &session{p: p}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return aggregates.Wrap(aggregates.CodeConnectivity, "embedded.ping", err)
	}
	return nil
}

func (p *Provider) Close() error { return p.db.Close() }

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// path is the json_extract path of a field.
func path(field string) string {
	return `'$.` + strings.ReplaceAll(field, `'`, `''`) + `'`
}

// Migrate creates one document table per schema plus expression indexes for
// unique and reference fields.
func (p *Provider) Migrate(ctx context.Context, schemas []*schema.Schema) error {
	const op = "embedded.migrate"
	for _, s := range schemas {
		stmts := []string{fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, version INTEGER NOT NULL, doc TEXT NOT NULL)",
			quote(s.Name),
		)}
		for _, f := range s.Fields {
			switch {
			case f.Unique:
				stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (json_extract(doc, %s))",
					quote("uq_"+s.Name+"_"+f.Name), quote(s.Name), path(f.Name)))
			case f.Ref != "":
				stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (json_extract(doc, %s))",
					quote("idx_"+s.Name+"_"+f.Name), quote(s.Name), path(f.Name)))
			}
		}
		for _, stmt := range stmts {
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
				return mapError(op, fmt.Errorf("%s: %w", s.Name, err))
			}
		}
		p.log.Debug("table migrated", "table", s.Name)
	}
	return nil
}
