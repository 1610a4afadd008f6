// Package app wires configuration into a running persistence stack: logger, providers,
// pool, event sink, metrics hooks and tracing.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/yungbote/protean/internal/config"
	"github.com/yungbote/protean/internal/data/pool"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/data/uow"
	"github.com/yungbote/protean/internal/events"
	"github.com/yungbote/protean/internal/observability"
	"github.com/yungbote/protean/internal/platform/logger"
)

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

type App struct {
	Log   *logger.Logger
	Cfg   config.Config
	Pool  *pool.Pool
	Sink  events.Sink
	Hooks *observability.MetricsHooks

	redisSink    *events.RedisSink
	closers      []io.Closer
	shutdownOTel func(context.Context) error
}

// New builds every configured provider and registers it with the pool. Providers are
// closed again when a later one fails.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &App{
		Log:   log,
		Cfg:   cfg,
		Pool:  pool.New(log),
		Hooks: observability.NewMetricsHooks(nil),
	}
	a.shutdownOTel = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "protean",
		Environment: cfg.Log.Mode,
		Version:     Version,
	})

	log.Info("Wiring providers...", "count", len(cfg.Providers))
	for _, pc := range cfg.Providers {
		prov, err := buildProvider(ctx, pc, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init provider %s: %w", pc.Name, err)
		}
		if err := a.Pool.Register(prov, pc.MaxSessions); err != nil {
			_ = prov.Close()
			a.Close()
			return nil, err
		}
		log.Info("provider ready", "provider", pc.Name, "family", prov.Family(), "capabilities", prov.Capabilities().String())
	}

	sink, err := a.buildSink(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init event sink: %w", err)
	}
	a.Sink = sink
	return a, nil
}

// Prepare freezes reg and, when configured, migrates every provider it binds.
func (a *App) Prepare(ctx context.Context, reg *schema.Registry) error {
	if !reg.Frozen() {
		if err := reg.Freeze(); err != nil {
			return err
		}
	}
	for _, name := range reg.Providers() {
		if _, err := a.Pool.Provider(name); err != nil {
			return err
		}
	}
	if !a.Cfg.Migrate {
		return nil
	}
	return a.Pool.Migrate(ctx, reg)
}

func (a *App) unitOptions() []uow.Option {
	return []uow.Option{uow.WithLogger(a.Log), uow.WithHooks(a.Hooks), uow.WithSink(a.Sink)}
}

// Begin opens a unit of work carrying the app's logger, hooks and sink.
func (a *App) Begin(reg *schema.Registry) (*uow.Unit, error) {
	return uow.Begin(a.Pool, reg, a.unitOptions()...)
}

// Run commits when fn returns nil and rolls back otherwise.
func (a *App) Run(ctx context.Context, reg *schema.Registry, fn func(u *uow.Unit) error) error {
	return uow.Run(ctx, a.Pool, reg, fn, a.unitOptions()...)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Pool != nil {
		if err := a.Pool.Close(); err != nil {
			a.Log.Warn("pool close failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.shutdownOTel != nil {
		if err := a.shutdownOTel(context.Background()); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
		a.shutdownOTel = nil
	}
	a.Log.Sync()
}
