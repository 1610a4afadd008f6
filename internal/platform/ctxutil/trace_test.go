package ctxutil

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestCorrelationPrefersExplicitTraceData(t *testing.T) {
	ctx := WithTraceData(context.Background(), &TraceData{TraceID: "t-1", RequestID: "r-1"})
	got := Correlation(ctx)
	if got.TraceID != "t-1" || got.RequestID != "r-1" {
		t.Fatalf("correlation: want=t-1/r-1 got=%s/%s", got.TraceID, got.RequestID)
	}
}

func TestCorrelationFallsBackToSpanContext(t *testing.T) {
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatalf("trace id: %v", err)
	}
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatalf("span id: %v", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithTraceData(ctx, &TraceData{RequestID: "r-2"})

	got := Correlation(ctx)
	if got.TraceID != tid.String() || got.RequestID != "r-2" {
		t.Fatalf("correlation: want=%s/r-2 got=%s/%s", tid, got.TraceID, got.RequestID)
	}
}

func TestCorrelationEmptyContext(t *testing.T) {
	if got := Correlation(context.Background()); got != (TraceData{}) {
		t.Fatalf("want empty correlation, got %+v", got)
	}
}
