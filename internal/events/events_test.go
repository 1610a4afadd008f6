package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/logger"
)

type shipped struct {
	OrderID string `json:"order_id"`
}

func (shipped) EventName() string { return "order.shipped" }

type unencodable struct {
	Ch chan int `json:"ch"`
}

func (unencodable) EventName() string { return "broken" }

func TestNewEnvelopeEncodesPayload(t *testing.T) {
	env, err := NewEnvelope("u1", 3, "order", "o1", shipped{OrderID: "o1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Name != "order.shipped" || env.Sequence != 3 || env.AggregateID != "o1" {
		t.Fatalf("envelope: got %+v", env)
	}
	if string(env.Payload) != `{"order_id":"o1"}` {
		t.Fatalf("payload: want=%s got=%s", `{"order_id":"o1"}`, env.Payload)
	}
	if env.RaisedAt.IsZero() || env.RaisedAt.Location() != time.UTC {
		t.Fatalf("raised_at: got %v", env.RaisedAt)
	}
}

func TestNewEnvelopeRejectsUnencodableEvent(t *testing.T) {
	_, err := NewEnvelope("u1", 1, "", "", unencodable{Ch: make(chan int)})
	if !aggregates.IsCode(err, aggregates.CodeEventDispatch) {
		t.Fatalf("want event_dispatch error, got %v", err)
	}
}

func TestFanoutStopsAtFirstFailure(t *testing.T) {
	first, last := &Recorder{}, &Recorder{}
	boom := errors.New("boom")
	sink := Fanout(first, nil, SinkFunc(func(context.Context, []Envelope) error { return boom }), last)

	batch := []Envelope{{Name: "a"}, {Name: "b"}}
	if err := sink.Publish(context.Background(), batch); !errors.Is(err, boom) {
		t.Fatalf("publish: want=%v got=%v", boom, err)
	}
	if got := first.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("first: got %v", got)
	}
	if len(last.Batches()) != 0 {
		t.Fatalf("sinks after a failure must not receive the batch")
	}
}

func TestRecorderCopiesBatches(t *testing.T) {
	r := &Recorder{}
	batch := []Envelope{{Name: "a"}}
	_ = r.Publish(context.Background(), batch)
	batch[0].Name = "mutated"
	if got := r.Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("names: want=[a] got=%v", got)
	}
}

func TestLogSinkAndDiscardAcceptBatches(t *testing.T) {
	batch := []Envelope{{Name: "a", TraceID: "t"}}
	if err := NewLogSink(nil).Publish(context.Background(), batch); err != nil {
		t.Fatalf("log sink: %v", err)
	}
	if err := Discard().Publish(context.Background(), batch); err != nil {
		t.Fatalf("discard: %v", err)
	}
}

func TestNewRedisSinkValidates(t *testing.T) {
	if _, err := NewRedisSink(nil, goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), ""); err == nil {
		t.Fatalf("expected error for nil logger")
	}
	if _, err := NewRedisSink(logger.Nop(), nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer rdb.Close()
	s, err := NewRedisSink(logger.Nop(), rdb, "  ")
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	if s.channel != DefaultChannel {
		t.Fatalf("channel: want=%s got=%s", DefaultChannel, s.channel)
	}
}

func TestLiveRedisPublishSubscribe(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	s, err := NewRedisSink(logger.Nop(), rdb, "protean.test."+time.Now().Format("150405.000000000"))
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	got := make(chan Envelope, 2)
	if err := s.Subscribe(ctx, func(e Envelope) { got <- e }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	batch := []Envelope{
		{UnitID: "u", Sequence: 1, Name: "first", Payload: json.RawMessage(`{}`)},
		{UnitID: "u", Sequence: 2, Name: "second"},
	}
	if err := s.Publish(ctx, batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, want := range []string{"first", "second"} {
		select {
		case e := <-got:
			if e.Name != want || e.Sequence != i+1 {
				t.Fatalf("event %d: want=%s got=%s/%d", i, want, e.Name, e.Sequence)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
