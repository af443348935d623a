package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves Prometheus metrics on a port separate from the API.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a server exposing the Prometheus handler at path.
// Without a metrics-enabled provider the path is not registered.
func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	if provider.MetricsEnabled() {
		mux.Handle(path, promhttp.Handler())
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's handler.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

// Start begins serving metrics in a blocking call.
// Returns http.ErrServerClosed on graceful shutdown.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ms.server.Addr, err)
	}
	slog.Info("Starting metrics server", "addr", ln.Addr().String())
	return ms.server.Serve(ln)
}

// Run serves until ctx is done, then shuts down within timeout.
func (ms *MetricsServer) Run(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- ms.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ms.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
