// Package server hosts the HTTP surface of the sequencing daemon: metrics,
// profiling and runtime visualization.
package server

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"

	"github.com/INLOpen/nexuslog/config"
)

// MetricsServer manages the HTTP server for metrics and debugging.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewMetricsServer creates and configures the HTTP server without starting
// it.
func NewMetricsServer(cfg *config.DebugConfig, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	logger = logger.With("component", "MetricsServer")

	if cfg.EnabledProfiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.EnabledMetrics {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.EnabledStatsviz {
		_ = statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		)
		logger.Info("statsviz runtime visualization enabled on /viz")
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":8080"
	}
	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves until Stop. It blocks, so callers run it in a goroutine or an
// errgroup.
func (m *MetricsServer) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Metrics server listening.", "addr", m.server.Addr)
	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (m *MetricsServer) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}
	m.logger.Info("Stopping metrics server.")
	return m.server.Shutdown(ctx)
}
