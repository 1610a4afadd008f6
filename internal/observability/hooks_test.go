package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

func TestMetricsHooksWritePrometheus(t *testing.T) {
	h := NewMetricsHooks(metrics.NewSet())
	h.ObserveOperation("uow.commit", "success", 20*time.Millisecond)
	h.ObserveOperation("uow.commit", "success", 10*time.Millisecond)
	h.IncConflict("uow.commit")
	h.IncRetry("")
	h.IncCompensation("cache")

	var buf bytes.Buffer
	h.WritePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		`protean_operations_total{op="uow.commit",status="success"} 2`,
		`protean_conflicts_total{op="uow.commit"} 1`,
		`protean_retryable_failures_total{op="unknown"} 1`,
		`protean_compensations_total{provider="cache"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestNilMetricsHooksAreSafe(t *testing.T) {
	var h *MetricsHooks
	h.ObserveOperation("x", "y", time.Second)
	h.IncConflict("x")
	h.IncRetry("x")
	h.IncCompensation("x")
	h.WritePrometheus(&bytes.Buffer{})
}

func TestTracerWithoutInitIsUsable(t *testing.T) {
	_, span := Tracer().Start(t.Context(), "hooks.test")
	span.End()
}

type fakeSessions map[string]int

func (f fakeSessions) Names() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}

func (f fakeSessions) InUse(name string) int { return f[name] }

func TestProviderGaugesReadLatestValue(t *testing.T) {
	h := NewMetricsHooks(nil)
	h.SetProviderUp("db", true)
	h.SetProviderUp("db", false)
	h.SetProviderUp("cache", true)
	h.TrackSessions(fakeSessions{"db": 3})

	var buf bytes.Buffer
	h.WritePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		`protean_provider_up{provider="db"} 0`,
		`protean_provider_up{provider="cache"} 1`,
		`protean_sessions_in_use{provider="db"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestWriteHTTPServesTextFormat(t *testing.T) {
	h := NewMetricsHooks(nil)
	h.IncConflict("uow.commit")
	rr := httptest.NewRecorder()
	h.WriteHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type: want=text/plain got=%s", got)
	}
	if !strings.Contains(rr.Body.String(), "protean_conflicts_total") {
		t.Fatalf("body: %s", rr.Body.String())
	}
}
