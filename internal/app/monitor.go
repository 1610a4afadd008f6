package app

import (
	"context"
	"errors"
	"time"

	"github.com/yungbote/protean/internal/events"
)

// ErrNoEventStream is returned by Subscribe when events are not published to redis.
var ErrNoEventStream = errors.New("event sink is not redis; nothing to subscribe to")

// CheckHealth pings every provider once and records the result in the provider_up gauges.
func (a *App) CheckHealth(ctx context.Context) map[string]error {
	failures := a.Pool.Health(ctx)
	for _, name := range a.Pool.Names() {
		err := failures[name]
		a.Hooks.SetProviderUp(name, err == nil)
		if err != nil {
			a.Log.Warn("provider unhealthy", "provider", name, "error", err)
		}
	}
	return failures
}

// Monitor runs CheckHealth every interval until ctx ends.
func (a *App) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.Hooks.TrackSessions(a.Pool)
	a.CheckHealth(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.CheckHealth(ctx)
		}
	}
}

// Subscribe forwards events committed by any process sharing the redis channel.
func (a *App) Subscribe(ctx context.Context, onEvent func(events.Envelope)) error {
	if a.redisSink == nil {
		return ErrNoEventStream
	}
	return a.redisSink.Subscribe(ctx, onEvent)
}
