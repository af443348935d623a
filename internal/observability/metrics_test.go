package observability

import (
	"context"
	"io"
	"moltmonitor/internal/models"
	"moltmonitor/internal/version"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestNewMetricsServer_ServesPrometheus(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	obs := models.ObservabilityConfig{ServiceName: "moltmonitor-test"}

	provider, err := Setup(metrics, obs, version.Info{})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	counter, err := otel.Meter("moltmonitor/test").Int64Counter("test.polls", metric.WithUnit("{poll}"))
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	ms := NewMetricsServer(metrics.Port, metrics.Path, provider)
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "test_polls")
}

func TestNewMetricsServer_DisabledProvider(t *testing.T) {
	for _, provider := range []*Provider{nil, {}} {
		ms := NewMetricsServer(9090, "", provider)
		rec := httptest.NewRecorder()
		ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestMetricsServer_RunStopsOnCancel(t *testing.T) {
	ms := NewMetricsServer(0, "/metrics", nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ms.Run(ctx, 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestMetricsServer_StartAndShutdown(t *testing.T) {
	ms := NewMetricsServer(0, "/metrics", nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ms.Start()
	}()

	// Give the server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ms.Shutdown(ctx))

	assert.Equal(t, http.ErrServerClosed, <-errCh)
}
