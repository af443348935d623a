package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"moltmonitor/internal/backoff"
	"moltmonitor/internal/governor"
	"moltmonitor/internal/models"
	"moltmonitor/internal/scheduler"
	"moltmonitor/internal/version"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// Scheduler is the part of the polling scheduler the API drives.
type Scheduler interface {
	Status() scheduler.Status
	Endpoints() []string
	Trigger(ctx context.Context, endpoint, target string) (scheduler.Result, error)
}

// Governance is the part of the governor the API reports on and controls.
type Governance interface {
	Status() governor.Status
	ResetBackoff(endpoint string)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Service    string           `json:"service"`
	Version    version.Info     `json:"version"`
	Uptime     string           `json:"uptime"`
	Timestamp  time.Time        `json:"timestamp"`
	Scheduler  scheduler.Status `json:"scheduler"`
	Governance governor.Status  `json:"governance"`
}

// Handlers contains HTTP handlers for the monitor API
type Handlers struct {
	scheduler Scheduler
	governor  Governance
	health    *HealthChecker
	version   version.Info
	startedAt time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(s Scheduler, g Governance, health *HealthChecker, ver version.Info) *Handlers {
	return &Handlers{
		scheduler: s,
		governor:  g,
		health:    health,
		version:   ver,
		startedAt: time.Now(),
	}
}

// Root serves the service banner
// GET /
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"service":   "moltmonitor",
		"version":   h.version.Version,
		"endpoints": h.scheduler.Endpoints(),
		"routes": []string{
			"GET /health",
			"GET /api/health",
			"GET /api/status",
			"POST /api/trigger/{endpoint}",
			"POST /api/backoff/{endpoint}/reset",
		},
	})
}

// HealthCheck answers container probes: 200 unless a dependency is down
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := h.health.Check(r.Context())
	status := http.StatusOK
	if resp.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, map[string]string{"status": resp.Status})
}

// DetailedHealth reports every probe with latencies
// GET /api/health
func (h *Handlers) DetailedHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.health.Check(r.Context())
	resp.Version = h.version.Version
	resp.Uptime = time.Since(h.startedAt).Round(time.Second).String()

	st := h.scheduler.Status()
	if st.Running {
		resp.AddComponent("scheduler", models.StatusHealthy, "scheduler running")
	} else {
		resp.AddComponent("scheduler", models.StatusUnhealthy, "scheduler stopped")
	}
	resp.Status = overallStatus(resp)
	resp.AddMetric("endpoints", len(st.Endpoints))

	status := http.StatusOK
	if resp.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, resp)
}

// Status returns the scheduler and governance snapshot
// GET /api/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, StatusResponse{
		Service:    "moltmonitor",
		Version:    h.version,
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
		Timestamp:  time.Now().UTC(),
		Scheduler:  h.scheduler.Status(),
		Governance: h.governor.Status(),
	})
}

// Trigger polls an endpoint category immediately
// POST /api/trigger/{endpoint}?target=
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]
	target := r.URL.Query().Get("target")
	started := time.Now()

	res, err := h.scheduler.Trigger(r.Context(), endpoint, target)
	if err != nil {
		h.writeTriggerError(w, r, err)
		return
	}

	slog.Info("Manual poll completed", "endpoint", endpoint, "target", target, "items", res.Items, "new_items", res.NewItems)
	h.writeJSONResponse(w, http.StatusOK, models.TriggerResponse{
		Endpoint:   endpoint,
		Target:     target,
		Items:      res.Items,
		NewItems:   res.NewItems,
		Cursor:     res.Cursor,
		StartedAt:  started.UTC(),
		DurationMS: time.Since(started).Milliseconds(),
	})
}

func (h *Handlers) writeTriggerError(w http.ResponseWriter, r *http.Request, err error) {
	var admission *scheduler.AdmissionError
	var reqErr *backoff.RequestError

	switch {
	case errors.As(err, &admission):
		if admission.Wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(admission.Wait.Seconds()))))
		}
		h.writeErrorResponse(w, r, http.StatusTooManyRequests, models.ErrorCodeRateLimited, err.Error())
	case errors.Is(err, scheduler.ErrUnknownEndpoint):
		h.writeErrorResponse(w, r, http.StatusNotFound, models.ErrorCodeUnknownEndpoint, err.Error())
	case errors.Is(err, scheduler.ErrMissingTarget), errors.Is(err, scheduler.ErrNotOnDemand):
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
	case errors.Is(err, scheduler.ErrPollInProgress):
		h.writeErrorResponse(w, r, http.StatusConflict, models.ErrorCodeBadRequest, err.Error())
	case errors.As(err, &reqErr):
		h.writeErrorResponse(w, r, http.StatusBadGateway, models.ErrorCodeUpstreamError, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, err.Error())
	default:
		slog.Error("Manual poll failed", "error", err)
		h.writeErrorResponse(w, r, http.StatusInternalServerError, models.ErrorCodeInternalError, err.Error())
	}
}

// ResetBackoff clears the backoff state of an endpoint category
// POST /api/backoff/{endpoint}/reset
func (h *Handlers) ResetBackoff(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]
	if !slices.Contains(h.scheduler.Endpoints(), endpoint) {
		h.writeErrorResponse(w, r, http.StatusNotFound, models.ErrorCodeUnknownEndpoint, "unknown endpoint: "+endpoint)
		return
	}

	h.governor.ResetBackoff(endpoint)
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"endpoint": endpoint,
		"reset":    true,
	})
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

// writeErrorResponse writes an error response tagged with the request id
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = RequestIDFromContext(r.Context())
	writeJSON(w, statusCode, errorResp)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; only log.
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
