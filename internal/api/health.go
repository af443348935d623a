package api

import (
	"context"
	"fmt"
	"moltmonitor/internal/models"
	"time"
)

// Pinger is a liveness probe for the storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProxyChecker probes the reverse proxy every upstream request goes through.
type ProxyChecker interface {
	CheckProxy(ctx context.Context) (time.Duration, error)
}

// DefaultSlowProxy is the proxy latency above which the proxy is reported degraded.
const DefaultSlowProxy = 2 * time.Second

// HealthChecker probes the database and the proxy.
type HealthChecker struct {
	store     Pinger
	proxy     ProxyChecker
	slowProxy time.Duration
	timeout   time.Duration
}

// NewHealthChecker creates a checker. Either probe may be nil to skip it.
func NewHealthChecker(store Pinger, proxy ProxyChecker) *HealthChecker {
	return &HealthChecker{
		store:     store,
		proxy:     proxy,
		slowProxy: DefaultSlowProxy,
		timeout:   5 * time.Second,
	}
}

// Check runs every probe. The overall status is unhealthy when any probe
// fails, degraded when the proxy answers slowly, and healthy otherwise.
func (hc *HealthChecker) Check(ctx context.Context) *models.HealthCheckResponse {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	resp := models.NewHealthCheckResponse(models.StatusHealthy)

	if hc.store != nil {
		start := time.Now()
		if err := hc.store.Ping(ctx); err != nil {
			resp.AddComponent("database", models.StatusUnhealthy, fmt.Sprintf("database unreachable: %v", err))
		} else {
			resp.AddComponentDetails("database", models.StatusHealthy, "database reachable", map[string]interface{}{
				"latency_ms": time.Since(start).Milliseconds(),
			})
		}
	}

	if hc.proxy != nil {
		latency, err := hc.proxy.CheckProxy(ctx)
		details := map[string]interface{}{"latency_ms": latency.Milliseconds()}
		switch {
		case err != nil:
			resp.AddComponentDetails("proxy", models.StatusUnhealthy, err.Error(), details)
		case latency > hc.slowProxy:
			resp.AddComponentDetails("proxy", models.StatusDegraded, "proxy responding slowly", details)
		default:
			resp.AddComponentDetails("proxy", models.StatusHealthy, "proxy reachable", details)
		}
	}

	resp.Status = overallStatus(resp)
	return resp
}

func overallStatus(resp *models.HealthCheckResponse) string {
	status := models.StatusHealthy
	for _, c := range resp.Components {
		switch c.Status {
		case models.StatusUnhealthy:
			return models.StatusUnhealthy
		case models.StatusDegraded:
			status = models.StatusDegraded
		}
	}
	return status
}
