// Package redisdb builds go-redis clients for the cache provider and the event sink.
package redisdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/protean/internal/platform/envutil"
	"github.com/yungbote/protean/internal/platform/logger"
)

type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
}

// WithEnvDefaults fills empty fields from REDIS_* variables.
func (c Config) WithEnvDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = envutil.String("REDIS_ADDR", "")
	}
	if c.Username == "" {
		c.Username = envutil.String("REDIS_USERNAME", "")
	}
	if c.Password == "" {
		c.Password = envutil.String("REDIS_PASSWORD", "")
	}
	if c.DB == 0 {
		c.DB = envutil.Int("REDIS_DB", 0)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = envutil.Duration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = envutil.Int("REDIS_POOL_SIZE", 0)
	}
	return c
}

// New connects and pings. The caller owns the returned client.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*goredis.Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.WithEnvDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Debug("redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}
