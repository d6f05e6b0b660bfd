package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslog/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestMetricsEndpoint(t *testing.T) {
	addr := freeAddr(t)
	srv := NewMetricsServer(&config.DebugConfig{
		ListenAddress:  addr,
		EnabledMetrics: true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		r.Body.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cmdline", "expvar always publishes cmdline")

	// Profiling was not enabled.
	pr, err := http.Get("http://" + addr + "/debug/pprof/")
	require.NoError(t, err)
	pr.Body.Close()
	assert.Equal(t, http.StatusNotFound, pr.StatusCode)
}

func TestStopWithoutStart(t *testing.T) {
	srv := NewMetricsServer(&config.DebugConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, srv.Stop(context.Background()))
}
