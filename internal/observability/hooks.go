package observability

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// Hooks captures persistence-level observability events.
type Hooks interface {
	ObserveOperation(name, status string, dur time.Duration)
	IncConflict(name string)
	IncRetry(name string)
	IncCompensation(provider string)
}

type noopHooks struct{}

func (noopHooks) ObserveOperation(string, string, time.Duration) {}
func (noopHooks) IncConflict(string)                             {}
func (noopHooks) IncRetry(string)                                {}
func (noopHooks) IncCompensation(string)                         {}

// NoopHooks discards every event.
func NoopHooks() Hooks { return noopHooks{} }

// MetricsHooks records hooks into a VictoriaMetrics set.
type MetricsHooks struct {
	set *metrics.Set
	up  *xsync.MapOf[string, *atomic.Int64]
}

// NewMetricsHooks creates hooks backed by their own metrics set. A nil set allocates one.
func NewMetricsHooks(set *metrics.Set) *MetricsHooks {
	if set == nil {
		set = metrics.NewSet()
	}
	return &MetricsHooks{set: set, up: xsync.NewMapOf[string, *atomic.Int64]()}
}

func (h *MetricsHooks) ObserveOperation(name, status string, dur time.Duration) {
	if h == nil {
		return
	}
	labels := fmt.Sprintf(`{op=%q,status=%q}`, label(name), label(status))
	h.set.GetOrCreateHistogram("protean_operation_duration_seconds" + labels).Update(dur.Seconds())
	h.set.GetOrCreateCounter("protean_operations_total" + labels).Inc()
}

func (h *MetricsHooks) IncConflict(name string) {
	if h == nil {
		return
	}
	h.set.GetOrCreateCounter(fmt.Sprintf(`protean_conflicts_total{op=%q}`, label(name))).Inc()
}

func (h *MetricsHooks) IncRetry(name string) {
	if h == nil {
		return
	}
	h.set.GetOrCreateCounter(fmt.Sprintf(`protean_retryable_failures_total{op=%q}`, label(name))).Inc()
}

func (h *MetricsHooks) IncCompensation(provider string) {
	if h == nil {
		return
	}
	h.set.GetOrCreateCounter(fmt.Sprintf(`protean_compensations_total{provider=%q}`, label(provider))).Inc()
}

// WritePrometheus dumps the set in Prometheus text format.
func (h *MetricsHooks) WritePrometheus(w io.Writer) {
	if h == nil {
		return
	}
	h.set.WritePrometheus(w)
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
