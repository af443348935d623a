package api

import (
	"moltmonitor/internal/models"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health"
			}),
		))
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	for _, opt := range opts {
		opt(router)
	}

	router.HandleFunc("/", handlers.Root).Methods(http.MethodGet)
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", handlers.DetailedHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", handlers.Status).Methods(http.MethodGet)
	api.HandleFunc("/trigger/{endpoint}", handlers.Trigger).Methods(http.MethodPost)
	api.HandleFunc("/backoff/{endpoint}/reset", handlers.ResetBackoff).Methods(http.MethodPost)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody(r, "Method not allowed", models.ErrorCodeInvalidRequest))
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody(r, "Not found", models.ErrorCodeNotFound))
	})

	return router
}

func errorBody(r *http.Request, message, code string) *models.ErrorResponse {
	resp := models.NewErrorResponse(message, code)
	resp.RequestID = RequestIDFromContext(r.Context())
	return resp
}
