package app

import (
	"context"
	"fmt"

	"github.com/yungbote/protean/internal/config"
	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/provider/cache"
	"github.com/yungbote/protean/internal/data/provider/document"
	"github.com/yungbote/protean/internal/data/provider/embedded"
	"github.com/yungbote/protean/internal/data/provider/memory"
	"github.com/yungbote/protean/internal/data/provider/relational"
	"github.com/yungbote/protean/internal/events"
	"github.com/yungbote/protean/internal/platform/logger"
	"github.com/yungbote/protean/internal/platform/neo4jdb"
	"github.com/yungbote/protean/internal/platform/redisdb"
)

func buildProvider(ctx context.Context, pc config.ProviderConfig, log *logger.Logger) (provider.Provider, error) {
	switch pc.Family {
	case config.FamilyMemory:
		return memory.New(pc.Name, memory.WithTransactions(pc.IsTransactional()), memory.WithLogger(log)), nil
	case config.FamilyRelational:
		return relational.Open(relational.Config{
			Name:         pc.Name,
			Dialect:      relational.Dialect(pc.Dialect),
			DSN:          pc.DSN,
			MaxOpenConns: pc.MaxSessions,
		}, log)
	case config.FamilyDocument:
		return document.Open(ctx, pc.Name, neo4jdb.Config{
			URI:         pc.URI,
			Username:    pc.Username,
			Password:    pc.Password,
			Database:    pc.Database,
			MaxPoolSize: pc.MaxSessions,
		}, log)
	case config.FamilyCache:
		return cache.Open(ctx, pc.Name, redisdb.Config{
			Addr:     pc.Addr,
			Username: pc.Username,
			Password: pc.Password,
			DB:       pc.DB,
			PoolSize: pc.MaxSessions,
		}, log, cache.WithPrefix(pc.Prefix), cache.WithTTL(pc.TTL))
	case config.FamilyEmbedded:
		return embedded.Open(embedded.Config{Name: pc.Name, Path: pc.Path}, log)
	}
	return nil, fmt.Errorf("unknown provider family %q", pc.Family)
}

// buildSink picks the configured event sink. The redis sink also logs each event.
func (a *App) buildSink(ctx context.Context) (events.Sink, error) {
	switch a.Cfg.Events.Sink {
	case config.SinkNone:
		return events.Discard(), nil
	case config.SinkRedis:
		rdb, err := redisdb.New(ctx, redisdb.Config{Addr: a.Cfg.Events.RedisAddr}, a.Log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb)
		rs, err := events.NewRedisSink(a.Log, rdb, a.Cfg.Events.Channel)
		if err != nil {
			return nil, err
		}
		a.redisSink = rs
		return events.Fanout(events.NewLogSink(a.Log), rs), nil
	default:
		return events.NewLogSink(a.Log), nil
	}
}
