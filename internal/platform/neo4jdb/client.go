// Package neo4jdb builds the neo4j driver used by the document provider.
package neo4jdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/protean/internal/platform/envutil"
	"github.com/yungbote/protean/internal/platform/logger"
)

type Config struct {
	URI         string
	Username    string
	Password    string
	Database    string
	Timeout     time.Duration
	MaxPoolSize int
}

// WithEnvDefaults fills empty fields from NEO4J_* variables.
func (c Config) WithEnvDefaults() Config {
	if strings.TrimSpace(c.URI) == "" {
		c.URI = envutil.String("NEO4J_URI", "")
	}
	if c.Username == "" {
		c.Username = envutil.String("NEO4J_USER", "neo4j")
	}
	if c.Password == "" {
		c.Password = envutil.String("NEO4J_PASSWORD", "")
	}
	if c.Database == "" {
		c.Database = envutil.String("NEO4J_DATABASE", "")
	}
	if c.Timeout <= 0 {
		c.Timeout = envutil.Duration("NEO4J_TIMEOUT_SECONDS", 10*time.Second)
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = envutil.Int("NEO4J_MAX_POOL_SIZE", 50)
	}
	return c
}

type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      *logger.Logger
}

// New creates the driver and verifies connectivity.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.WithEnvDefaults()
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4jdb: missing uri")
	}

	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxPoolSize
		c.SocketConnectTimeout = cfg.Timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: init driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4jdb: verify connectivity: %w", err)
	}

	return &Client{
		Driver:   driver,
		Database: cfg.Database,
		log:      log.With("client", "Neo4jDB"),
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}
