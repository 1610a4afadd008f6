package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yungbote/protean/internal/platform/logger"
)

// SessionCounter is the view of a session pool the in-use gauges read from.
type SessionCounter interface {
	Names() []string
	InUse(name string) int
}

// SetProviderUp records the latest health check result for a provider.
func (h *MetricsHooks) SetProviderUp(provider string, up bool) {
	if h == nil {
		return
	}
	v, _ := h.up.LoadOrCompute(provider, func() *atomic.Int64 { return &atomic.Int64{} })
	if up {
		v.Store(1)
	} else {
		v.Store(0)
	}
	h.set.GetOrCreateGauge(fmt.Sprintf(`protean_provider_up{provider=%q}`, label(provider)), func() float64 {
		return float64(v.Load())
	})
}

// TrackSessions exports one in-use gauge per provider of p. The gauges read p on scrape.
func (h *MetricsHooks) TrackSessions(p SessionCounter) {
	if h == nil || p == nil {
		return
	}
	for _, name := range p.Names() {
		name := name
		h.set.GetOrCreateGauge(fmt.Sprintf(`protean_sessions_in_use{provider=%q}`, label(name)), func() float64 {
			return float64(p.InUse(name))
		})
	}
}

func (h *MetricsHooks) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	h.WritePrometheus(w)
}

// StartServer serves the set on addr until ctx ends. An empty addr is a no-op.
func (h *MetricsHooks) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if h == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(h.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}
