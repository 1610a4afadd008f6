// Package relational stores aggregates in SQL tables through gorm, one table per
// schema, with compare-and-set updates on the version column.
package relational

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/envutil"
	"github.com/yungbote/protean/internal/platform/logger"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Config struct {
	Name    string
	Dialect Dialect
	DSN     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
}

// withEnvDefaults fills pool sizing from RELATIONAL_* variables when unset.
func (c Config) withEnvDefaults() Config {
	if c.Dialect == "" {
		c.Dialect = DialectPostgres
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = envutil.Int("RELATIONAL_MAX_OPEN_CONNS", 20)
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = envutil.Int("RELATIONAL_MAX_IDLE_CONNS", 5)
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = envutil.Duration("RELATIONAL_CONN_MAX_LIFETIME", 30*time.Minute)
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = envutil.Duration("RELATIONAL_SLOW_THRESHOLD", time.Second)
	}
	return c
}

type Provider struct {
	name    string
	dialect Dialect
	db      *gorm.DB
	log     *logger.Logger
}

// Open connects to the database described by cfg.
func Open(cfg Config, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.withEnvDefaults()
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "relational.open", "provider name required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "relational.open", "%s: dsn required", cfg.Name)
	}
	var dial gorm.Dialector
	switch cfg.Dialect {
	case DialectPostgres:
		dial = postgres.Open(cfg.DSN)
	case DialectSQLite:
		dial = sqlite.Open(cfg.DSN)
	default:
		return nil, aggregates.Errorf(aggregates.CodeSchema, "relational.open", "%s: unknown dialect %q", cfg.Name, cfg.Dialect)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger:                 newGormLogger(cfg.SlowThreshold),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, mapError("relational.open", fmt.Errorf("failed to connect to %s: %w", cfg.Dialect, err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, mapError("relational.open", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Provider{
		name:    cfg.Name,
		dialect: cfg.Dialect,
		db:      db,
		log:     log.With("component", "relational", "provider", cfg.Name, "dialect", string(cfg.Dialect)),
	}, nil
}

func newGormLogger(slow time.Duration) gormLogger.Interface {
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func (p *Provider) Name() string             { return p.name }
func (p *Provider) Family() provider.Family { return provider.FamilyRelational }
func (p *Provider) Dialect() Dialect         { return p.dialect }
func (p *Provider) DB() *gorm.DB             { return p.db }

func (p *Provider) Capabilities() provider.Capability {
	return provider.CapTransactions | provider.CapVersionCheck | provider.CapUnique | provider.CapRawQuery | provider.CapOrdering
}

func (p *Provider) Open(ctx context.Context) (provider.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("relational.open_session", err)
	}
	return &session{p: p}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return mapError("relational.ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return aggregates.Wrap(aggregates.CodeConnectivity, "relational.ping", err)
	}
	return nil
}

func (p *Provider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
