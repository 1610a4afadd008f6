package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/logger"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "protean.events"

// RedisSink publishes envelopes as JSON on a redis pub/sub channel.
type RedisSink struct {
	log     *logger.Logger
	rdb     goredis.UniversalClient
	channel string
}

func NewRedisSink(log *logger.Logger, rdb goredis.UniversalClient, channel string) (*RedisSink, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{
		log:     log.With("component", "RedisEventSink", "channel", channel),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// Publish sends the batch in a single pipeline so ordering on the channel matches raise order.
func (s *RedisSink) Publish(ctx context.Context, batch []Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(batch))
	for _, e := range batch {
		raw, err := json.Marshal(e)
		if err != nil {
			return aggregates.NewError(aggregates.CodeEventDispatch, "events.redis.publish", "encode "+e.Name, err)
		}
		payloads = append(payloads, raw)
	}
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, raw := range payloads {
			p.Publish(ctx, s.channel, raw)
		}
		return nil
	})
	if err != nil {
		return aggregates.NewError(aggregates.CodeEventDispatch, "events.redis.publish", err.Error(), err)
	}
	return nil
}

// Subscribe forwards envelopes published on the channel to onEvent until ctx ends.
func (s *RedisSink) Subscribe(ctx context.Context, onEvent func(Envelope)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var e Envelope
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					s.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(e)
			}
		}
	}()
	return nil
}
