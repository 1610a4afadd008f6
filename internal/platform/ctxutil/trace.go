// Package ctxutil carries correlation ids through a context so committed events can be
// traced back to the request or job that produced them.
package ctxutil

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// Correlation returns the ids to stamp on work done under ctx. An explicit TraceData
// wins; otherwise the trace id of the active span is used.
func Correlation(ctx context.Context) TraceData {
	var out TraceData
	if td := GetTraceData(ctx); td != nil {
		out = *td
	}
	if out.TraceID == "" && ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			out.TraceID = sc.TraceID().String()
		}
	}
	return out
}
