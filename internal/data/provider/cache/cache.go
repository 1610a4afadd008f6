// Package cache stores aggregates as JSON documents in redis. Writes land during
// Persist, so the provider is not transactional: a unit that fails after touching it
// reports the written keys for compensation.
package cache

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/envutil"
	"github.com/yungbote/protean/internal/platform/logger"
	"github.com/yungbote/protean/internal/platform/redisdb"
)

const DefaultPrefix = "protean"

type Option func(*Provider)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(p *Provider) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithTTL expires documents ttl after their last write. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithScanCount sets the SSCAN page size hint.
func WithScanCount(n int64) Option {
	return func(p *Provider) {
		if n > 0 {
			p.scanCount = n
		}
	}
}

type Provider struct {
	name      string
	rdb       goredis.UniversalClient
	prefix    string
	ttl       time.Duration
	scanCount int64
	log       *logger.Logger
	owned     bool
}

// New wraps a client the caller keeps ownership of.
func New(name string, rdb goredis.UniversalClient, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "cache.new", "provider name required")
	}
	if rdb == nil {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "cache.new", "%s: redis client required", name)
	}
	p := &Provider{
		name:      name,
		rdb:       rdb,
		prefix:    envutil.String("CACHE_PREFIX", DefaultPrefix),
		ttl:       envutil.Duration("CACHE_TTL", 0),
		scanCount: 100,
		log:       logger.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "cache", "provider", name, "prefix", p.prefix)
	return p, nil
}

// Open dials redis and returns a provider that closes the client on Close.
func Open(ctx context.Context, name string, cfg redisdb.Config, log *logger.Logger, opts ...Option) (*Provider, error) {
	rdb, err := redisdb.New(ctx, cfg, log)
	if err != nil {
		return nil, mapError("cache.open", err)
	}
	p, err := New(name, rdb, append([]Option{WithLogger(log)}, opts...)...)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

func (p *Provider) Name() string             { return p.name }
func (p *Provider) Family() provider.Family { return provider.FamilyCache }

func (p *Provider) Capabilities() provider.Capability {
	return provider.CapVersionCheck | provider.CapRawQuery | provider.CapOrdering
}

func (p *Provider) Open(ctx context.Context) (provider.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("cache.open_session", err)
	}
	return &session{p: p}, nil
}

// Migrate has nothing to create; it verifies the server is reachable.
func (p *Provider) Migrate(ctx context.Context, schemas []*schema.Schema) error {
	return p.Ping(ctx)
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return aggregates.Wrap(aggregates.CodeConnectivity, "cache.ping", err)
	}
	return nil
}

func (p *Provider) Close() error {
	if !p.owned {
		return nil
	}
	return p.rdb.Close()
}

// docKey is "<prefix>:<schema>:<id>".
func (p *Provider) docKey(s *schema.Schema, id string) string {
	return p.prefix + ":" + s.Name + ":" + id
}

// setKey holds the ids stored for a schema.
func (p *Provider) setKey(s *schema.Schema) string {
	return p.prefix + ":" + s.Name
}
