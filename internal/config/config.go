// Package config loads the provider topology and runtime settings from YAML.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/protean/internal/platform/envutil"
)

// PathEnv names the config file when no path is passed to Load.
const PathEnv = "PROTEAN_CONFIG"

//go:embed default.yaml
var defaultYAML []byte

// Provider families accepted under providers[].family.
const (
	FamilyMemory     = "memory"
	FamilyRelational = "relational"
	FamilyDocument   = "document"
	FamilyCache      = "cache"
	FamilyEmbedded   = "embedded"
)

// Event sinks accepted under events.sink.
const (
	SinkNone  = "none"
	SinkLog   = "log"
	SinkRedis = "redis"
)

type Config struct {
	Log       LogConfig        `yaml:"log"`
	Migrate   bool             `yaml:"migrate"`
	Providers []ProviderConfig `yaml:"providers"`
	Events    EventsConfig     `yaml:"events"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

// ProviderConfig carries the union of settings every family reads; each family uses
// only its own keys.
type ProviderConfig struct {
	Name          string        `yaml:"name"`
	Family        string        `yaml:"family"`
	Dialect       string        `yaml:"dialect"`
	DSN           string        `yaml:"dsn"`
	URI           string        `yaml:"uri"`
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Database      string        `yaml:"database"`
	DB            int           `yaml:"db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	MaxSessions   int           `yaml:"max_sessions"`
	Transactional *bool         `yaml:"transactional"`
}

// IsTransactional defaults to true when unset.
func (p ProviderConfig) IsTransactional() bool {
	return p.Transactional == nil || *p.Transactional
}

type EventsConfig struct {
	Sink      string `yaml:"sink"`
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

// Load reads path, or the file named by PROTEAN_CONFIG, or the embedded default.
func Load(path string) (Config, error) {
	data, err := read(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func read(path string) ([]byte, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = envutil.String(PathEnv, "")
	}
	if path == "" {
		return defaultYAML, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return data, nil
}

// Parse expands ${VAR} and ${VAR:-default} references, decodes strictly, applies env
// overrides and validates.
func Parse(data []byte) (Config, error) {
	expanded := expand(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expand(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDef := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDef) {
			return v
		}
		return def
	})
}

func (c *Config) applyEnv() {
	c.Log.Mode = envutil.String("LOG_MODE", c.Log.Mode)
	if c.Log.Mode == "" {
		c.Log.Mode = "development"
	}
	c.Migrate = envutil.Bool("PROTEAN_MIGRATE", c.Migrate)
	c.Events.Sink = strings.ToLower(envutil.String("EVENTS_SINK", c.Events.Sink))
	if c.Events.Sink == "" {
		c.Events.Sink = SinkLog
	}
	c.Events.RedisAddr = envutil.String("EVENTS_REDIS_ADDR", c.Events.RedisAddr)
	c.Events.Channel = envutil.String("EVENTS_CHANNEL", c.Events.Channel)
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Family = strings.ToLower(strings.TrimSpace(p.Family))
		p.Dialect = strings.ToLower(strings.TrimSpace(p.Dialect))
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		where := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else {
			where = fmt.Sprintf("provider %q", p.Name)
			if seen[p.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", where))
			}
			seen[p.Name] = true
		}
		if p.MaxSessions < 0 {
			errs = append(errs, fmt.Errorf("%s: max_sessions must not be negative", where))
		}
		switch p.Family {
		case FamilyMemory:
		case FamilyRelational:
			if p.Dialect != "postgres" && p.Dialect != "sqlite" {
				errs = append(errs, fmt.Errorf("%s: dialect must be postgres or sqlite", where))
			}
			if p.DSN == "" {
				errs = append(errs, fmt.Errorf("%s: dsn is required", where))
			}
		case FamilyDocument:
			if p.URI == "" {
				errs = append(errs, fmt.Errorf("%s: uri is required", where))
			}
		case FamilyCache:
			if p.Addr == "" {
				errs = append(errs, fmt.Errorf("%s: addr is required", where))
			}
		case FamilyEmbedded:
			if p.Path == "" {
				errs = append(errs, fmt.Errorf("%s: path is required", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown family %q", where, p.Family))
		}
	}
	switch c.Events.Sink {
	case SinkNone, SinkLog:
	case SinkRedis:
		if c.Events.RedisAddr == "" {
			errs = append(errs, errors.New("events: redis_addr is required for the redis sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("events: unknown sink %q", c.Events.Sink))
	}
	return errors.Join(errs...)
}

// Provider returns the named provider config.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
