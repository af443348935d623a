// Package models - API response types and error handling.
// This file defines the JSON envelopes returned by the monitor's HTTP surface.
//
// Response conventions:
// - Errors always carry a machine-readable code
// - Health responses aggregate per-component status
// - RFC3339 timestamps
package models

import (
	"time"
)

type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TriggerResponse reports the outcome of a manually triggered poll.
type TriggerResponse struct {
	Endpoint   string    `json:"endpoint"`
	Target     string    `json:"target,omitempty"`
	Items      int       `json:"items"`
	NewItems   int       `json:"new_items"`
	Cursor     string    `json:"cursor,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Health Status Constants
//
// - Healthy: All systems operational
// - Degraded: Partial functionality (proxy reachable but slow, robots fetch failing)
// - Unhealthy: Database or proxy unreachable
// - Unknown: Health status cannot be determined
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeUnknownEndpoint    = "UNKNOWN_ENDPOINT"    // 404: Endpoint category doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeRateLimited        = "RATE_LIMITED"        // 429: Governance refused the request
	ErrorCodeUpstreamError      = "UPSTREAM_ERROR"      // 502: Moltbook returned a failure
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// AddComponentDetails records a component together with probe details such as
// latency or the URL that was checked.
func (h *HealthCheckResponse) AddComponentDetails(name, status, message string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   details,
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}

// Healthy reports whether every registered component is healthy.
func (h *HealthCheckResponse) Healthy() bool {
	for _, c := range h.Components {
		if c.Status != StatusHealthy {
			return false
		}
	}
	return true
}
