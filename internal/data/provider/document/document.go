// Package document maps aggregates onto neo4j nodes: one label per schema, the id and
// version as node properties and every field as a property.
package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/logger"
	"github.com/yungbote/protean/internal/platform/neo4jdb"
)

type Provider struct {
	name   string
	client *neo4jdb.Client
	log    *logger.Logger
	owned  bool
}

// New wraps a connected client the caller keeps ownership of.
func New(name string, client *neo4jdb.Client, log *logger.Logger) (*Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "document.new", "provider name required")
	}
	if client == nil || client.Driver == nil {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "document.new", "%s: neo4j client required", name)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Provider{
		name:   name,
		client: client,
		log:    log.With("component", "document", "provider", name),
	}, nil
}

// Open connects with cfg and closes the driver on Close.
func Open(ctx context.Context, name string, cfg neo4jdb.Config, log *logger.Logger) (*Provider, error) {
	client, err := neo4jdb.New(ctx, cfg, log)
	if err != nil {
		return nil, mapError("document.open", err)
	}
	p, err := New(name, client, log)
	if err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	p.owned = true
	return p, nil
}

func (p *Provider) Name() string             { return p.name }
func (p *Provider) Family() provider.Family { return provider.FamilyDocument }

func (p *Provider) Capabilities() provider.Capability {
	return provider.CapTransactions | provider.CapVersionCheck | provider.CapUnique | provider.CapRawQuery | provider.CapOrdering
}

func (p *Provider) Open(ctx context.Context) (provider.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("document.open_session", err)
	}
	return &session{p: p}, nil
}

func (p *Provider) newSession(ctx context.Context) neo4j.SessionWithContext {
	return p.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: p.client.Database,
	})
}

// migrationStatements lists the constraints and indexes a schema needs.
func migrationStatements(s *schema.Schema) []string {
	l := label(s)
	stmts := []string{fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE", ident(s.Name+"_id_unique"), l)}
	for _, f := range s.Fields {
		switch {
		case f.Unique:
			stmts = append(stmts, fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
				ident(s.Name+"_"+f.Name+"_unique"), l, ident(f.Name)))
		case f.Ref != "":
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
				ident(s.Name+"_"+f.Name+"_idx"), l, ident(f.Name)))
		}
	}
	return stmts
}

// Migrate creates uniqueness constraints and reference indexes. Schema commands run
// outside explicit transactions.
func (p *Provider) Migrate(ctx context.Context, schemas []*schema.Schema) error {
	const op = "document.migrate"
	sess := p.newSession(ctx)
	defer sess.Close(ctx)
	for _, s := range schemas {
		for _, stmt := range migrationStatements(s) {
			res, err := sess.Run(ctx, stmt, nil)
			if err != nil {
				return mapError(op, fmt.Errorf("%s: %w", s.Name, err))
			}
			if _, err := res.Consume(ctx); err != nil {
				return mapError(op, fmt.Errorf("%s: %w", s.Name, err))
			}
		}
		p.log.Debug("label migrated", "label", s.Name)
	}
	return nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.client.Driver.VerifyConnectivity(ctx); err != nil {
		return aggregates.Wrap(aggregates.CodeConnectivity, "document.ping", err)
	}
	return nil
}

func (p *Provider) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close(context.Background())
}
