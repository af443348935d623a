package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("endpoint not found", ErrorCodeUnknownEndpoint)

	assert.Equal(t, "error", resp.Error)
	assert.Equal(t, "endpoint not found", resp.Message)
	assert.Equal(t, ErrorCodeUnknownEndpoint, resp.Code)
	assert.False(t, resp.Timestamp.IsZero())

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"code":"UNKNOWN_ENDPOINT"`)
	assert.NotContains(t, string(data), "request_id")
}

func TestHealthCheckResponse_Components(t *testing.T) {
	resp := NewHealthCheckResponse(StatusHealthy)
	resp.AddComponent("database", StatusHealthy, "ok")
	resp.AddComponentDetails("proxy", StatusHealthy, "reachable", map[string]interface{}{"url": "http://proxy:8080/health"})
	resp.AddMetric("uptime_seconds", 12)

	assert.True(t, resp.Healthy())
	assert.Equal(t, "http://proxy:8080/health", resp.Components["proxy"].Details["url"])
	assert.Equal(t, 12, resp.Metrics["uptime_seconds"])

	resp.AddComponentDetails("proxy", StatusUnhealthy, "connection refused", nil)
	assert.False(t, resp.Healthy())
	assert.NotNil(t, resp.Components["proxy"].Details)
}
