package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"moltmonitor/internal/backoff"
	"moltmonitor/internal/governor"
	"moltmonitor/internal/models"
	"moltmonitor/internal/scheduler"
	"moltmonitor/internal/version"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockScheduler implements Scheduler for testing
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Status() scheduler.Status {
	args := m.Called()
	return args.Get(0).(scheduler.Status)
}

func (m *MockScheduler) Endpoints() []string {
	return []string{models.EndpointNewPosts, models.EndpointHotPosts, models.EndpointComments}
}

func (m *MockScheduler) Trigger(ctx context.Context, endpoint, target string) (scheduler.Result, error) {
	args := m.Called(ctx, endpoint, target)
	return args.Get(0).(scheduler.Result), args.Error(1)
}

// fakeGovernance records backoff resets
type fakeGovernance struct {
	resets []string
}

func (f *fakeGovernance) Status() governor.Status { return governor.Status{} }
func (f *fakeGovernance) ResetBackoff(endpoint string) {
	f.resets = append(f.resets, endpoint)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubProxy struct {
	latency time.Duration
	err     error
}

func (s stubProxy) CheckProxy(context.Context) (time.Duration, error) { return s.latency, s.err }

func newTestHandlers(sched *MockScheduler, gov *fakeGovernance, hc *HealthChecker) http.Handler {
	if hc == nil {
		hc = NewHealthChecker(stubPinger{}, stubProxy{latency: time.Millisecond})
	}
	return SetupRoutes(NewHandlers(sched, gov, hc, version.Info{Version: "1.2.3"}))
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestRoot(t *testing.T) {
	h := newTestHandlers(&MockScheduler{}, &fakeGovernance{}, nil)

	rr := serve(t, h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "moltmonitor", body["service"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Len(t, body["endpoints"], 3)
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name           string
		checker        *HealthChecker
		expectedStatus int
		expectedBody   string
	}{
		{"healthy", NewHealthChecker(stubPinger{}, stubProxy{latency: time.Millisecond}), http.StatusOK, models.StatusHealthy},
		{"slow proxy is degraded but serving", NewHealthChecker(stubPinger{}, stubProxy{latency: 3 * time.Second}), http.StatusOK, models.StatusDegraded},
		{"database down", NewHealthChecker(stubPinger{err: errors.New("closed")}, nil), http.StatusServiceUnavailable, models.StatusUnhealthy},
		{"proxy down", NewHealthChecker(nil, stubProxy{err: errors.New("refused")}), http.StatusServiceUnavailable, models.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&MockScheduler{}, &fakeGovernance{}, tt.checker)
			rr := serve(t, h, http.MethodGet, "/health")

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.expectedBody, body["status"])
		})
	}
}

func TestDetailedHealth(t *testing.T) {
	t.Run("running scheduler", func(t *testing.T) {
		sched := &MockScheduler{}
		sched.On("Status").Return(scheduler.Status{Running: true, Endpoints: make([]scheduler.EndpointStatus, 2)})
		h := newTestHandlers(sched, &fakeGovernance{}, nil)

		rr := serve(t, h, http.MethodGet, "/api/health")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp models.HealthCheckResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, models.StatusHealthy, resp.Status)
		assert.Equal(t, "1.2.3", resp.Version)
		assert.NotEmpty(t, resp.Uptime)
		assert.Contains(t, resp.Components, "database")
		assert.Contains(t, resp.Components, "proxy")
		assert.Equal(t, models.StatusHealthy, resp.Components["scheduler"].Status)
		assert.EqualValues(t, 2, resp.Metrics["endpoints"])
	})

	t.Run("stopped scheduler", func(t *testing.T) {
		sched := &MockScheduler{}
		sched.On("Status").Return(scheduler.Status{})
		h := newTestHandlers(sched, &fakeGovernance{}, nil)

		rr := serve(t, h, http.MethodGet, "/api/health")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestStatus(t *testing.T) {
	sched := &MockScheduler{}
	sched.On("Status").Return(scheduler.Status{
		Running:   true,
		Endpoints: []scheduler.EndpointStatus{{Endpoint: models.EndpointNewPosts, Cursor: "p9"}},
	})
	h := newTestHandlers(sched, &fakeGovernance{}, nil)

	rr := serve(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "moltmonitor", resp.Service)
	assert.Equal(t, "1.2.3", resp.Version.Version)
	assert.True(t, resp.Scheduler.Running)
	require.Len(t, resp.Scheduler.Endpoints, 1)
	assert.Equal(t, "p9", resp.Scheduler.Endpoints[0].Cursor)
	sched.AssertExpectations(t)
}

func TestTrigger(t *testing.T) {
	sched := &MockScheduler{}
	sched.On("Trigger", mock.Anything, models.EndpointComments, "post-1").
		Return(scheduler.Result{Items: 4, NewItems: 3}, nil)
	h := newTestHandlers(sched, &fakeGovernance{}, nil)

	rr := serve(t, h, http.MethodPost, "/api/trigger/comments?target=post-1")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp models.TriggerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, models.EndpointComments, resp.Endpoint)
	assert.Equal(t, "post-1", resp.Target)
	assert.Equal(t, 4, resp.Items)
	assert.Equal(t, 3, resp.NewItems)
	sched.AssertExpectations(t)
}

func TestTrigger_Errors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "admission refused",
			err:            &scheduler.AdmissionError{Endpoint: "new_posts", Reason: "minute budget spent", Wait: 1500 * time.Millisecond},
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   models.ErrorCodeRateLimited,
		},
		{
			name:           "unknown endpoint",
			err:            fmt.Errorf("%w: bogus", scheduler.ErrUnknownEndpoint),
			expectedStatus: http.StatusNotFound,
			expectedCode:   models.ErrorCodeUnknownEndpoint,
		},
		{
			name:           "missing target",
			err:            scheduler.ErrMissingTarget,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   models.ErrorCodeInvalidRequest,
		},
		{
			name:           "poll in progress",
			err:            scheduler.ErrPollInProgress,
			expectedStatus: http.StatusConflict,
			expectedCode:   models.ErrorCodeBadRequest,
		},
		{
			name:           "upstream failure",
			err:            backoff.NewStatusError("posts", http.StatusBadGateway, 0),
			expectedStatus: http.StatusBadGateway,
			expectedCode:   models.ErrorCodeUpstreamError,
		},
		{
			name:           "unexpected",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   models.ErrorCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &MockScheduler{}
			sched.On("Trigger", mock.Anything, models.EndpointNewPosts, "").Return(scheduler.Result{}, tt.err)
			h := newTestHandlers(sched, &fakeGovernance{}, nil)

			rr := serve(t, h, http.MethodPost, "/api/trigger/new_posts")
			assert.Equal(t, tt.expectedStatus, rr.Code)

			resp := decodeError(t, rr)
			assert.Equal(t, "error", resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
			assert.Equal(t, rr.Header().Get(RequestIDHeader), resp.RequestID)
		})
	}
}

func TestTrigger_RetryAfterHeader(t *testing.T) {
	sched := &MockScheduler{}
	sched.On("Trigger", mock.Anything, models.EndpointNewPosts, "").
		Return(scheduler.Result{}, &scheduler.AdmissionError{Endpoint: "new_posts", Reason: "backing off", Wait: 1500 * time.Millisecond})
	h := newTestHandlers(sched, &fakeGovernance{}, nil)

	rr := serve(t, h, http.MethodPost, "/api/trigger/new_posts")
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
}

func TestTrigger_MethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&MockScheduler{}, &fakeGovernance{}, nil)

	rr := serve(t, h, http.MethodGet, "/api/trigger/new_posts")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestResetBackoff(t *testing.T) {
	gov := &fakeGovernance{}
	h := newTestHandlers(&MockScheduler{}, gov, nil)

	rr := serve(t, h, http.MethodPost, "/api/backoff/hot_posts/reset")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{models.EndpointHotPosts}, gov.resets)

	rr = serve(t, h, http.MethodPost, "/api/backoff/bogus/reset")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, models.ErrorCodeUnknownEndpoint, decodeError(t, rr).Code)
	assert.Len(t, gov.resets, 1)
}

func TestNotFound(t *testing.T) {
	h := newTestHandlers(&MockScheduler{}, &fakeGovernance{}, nil)

	rr := serve(t, h, http.MethodGet, "/api/v1/check")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, models.ErrorCodeNotFound, decodeError(t, rr).Code)
}
