// Package events carries domain events out of a committed unit of work.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/platform/logger"
)

// Envelope is one raised event with its origin. Sequence is the raise order within the unit.
type Envelope struct {
	UnitID        string          `json:"unit_id"`
	Sequence      int             `json:"sequence"`
	Name          string          `json:"name"`
	AggregateType string          `json:"aggregate_type,omitempty"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	RaisedAt      time.Time       `json:"raised_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`

	Event aggregates.Event `json:"-"`
}

// NewEnvelope encodes evt as the payload.
func NewEnvelope(unitID string, seq int, aggregateType, aggregateID string, evt aggregates.Event) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, aggregates.NewError(aggregates.CodeEventDispatch, "events.envelope", "encode "+evt.EventName(), err)
	}
	return Envelope{
		UnitID:        unitID,
		Sequence:      seq,
		Name:          evt.EventName(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RaisedAt:      time.Now().UTC(),
		Payload:       payload,
		Event:         evt,
	}, nil
}

// Sink receives the ordered events of a unit after its durable commit.
type Sink interface {
	Publish(ctx context.Context, batch []Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []Envelope) error

func (f SinkFunc) Publish(ctx context.Context, batch []Envelope) error { return f(ctx, batch) }

type nopSink struct{}

func (nopSink) Publish(context.Context, []Envelope) error { return nil }

// Discard drops every event.
func Discard() Sink { return nopSink{} }

// Recorder keeps published events in memory.
type Recorder struct {
	mu      sync.Mutex
	batches [][]Envelope
}

func (r *Recorder) Publish(_ context.Context, batch []Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]Envelope(nil), batch...))
	return nil
}

// Batches returns one slice per Publish call.
func (r *Recorder) Batches() [][]Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Envelope(nil), r.batches...)
}

// Names flattens every recorded event name in publish order.
func (r *Recorder) Names() []string {
	var out []string
	for _, b := range r.Batches() {
		for _, e := range b {
			out = append(out, e.Name)
		}
	}
	return out
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSink{log: log.With("component", "events")}
}

func (s *LogSink) Publish(_ context.Context, batch []Envelope) error {
	for _, e := range batch {
		s.log.Info("domain event",
			"unit_id", e.UnitID,
			"sequence", e.Sequence,
			"name", e.Name,
			"aggregate_type", e.AggregateType,
			"aggregate_id", e.AggregateID,
			"trace_id", e.TraceID,
			"request_id", e.RequestID,
		)
	}
	return nil
}

// Fanout publishes to every sink in order and stops at the first failure.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, batch []Envelope) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Publish(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	})
}
