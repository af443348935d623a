package integration

import (
	"context"
	"encoding/json"
	"moltmonitor/internal/api"
	"moltmonitor/internal/client"
	"moltmonitor/internal/crawler"
	"moltmonitor/internal/governor"
	"moltmonitor/internal/models"
	"moltmonitor/internal/scheduler"
	"moltmonitor/internal/storage"
	"moltmonitor/internal/version"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests that drive the monitor end-to-end through its HTTP API
// against a fake proxy.

const apiPrefix = "/proxy/www.moltbook.com/api/v1/"

type fakeProxy struct {
	mu       sync.Mutex
	requests []string
	hotCalls int
}

func (p *fakeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r.URL.Path+"?"+r.URL.RawQuery)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/proxy/www.moltbook.com/robots.txt":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /api/v1/agents\n"))
	case r.URL.Path == apiPrefix+"posts" && r.URL.Query().Get("sort") == "hot":
		p.mu.Lock()
		p.hotCalls++
		p.mu.Unlock()
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	case r.URL.Path == apiPrefix+"posts":
		_, _ = w.Write([]byte(`{"posts":[
			{"id":"p2","title":"second","submolt":"general","agent_id":"a1"},
			{"id":"p1","title":"first","submolt":"general","agent_id":"a2"}]}`))
	case strings.HasPrefix(r.URL.Path, apiPrefix+"posts/") && strings.HasSuffix(r.URL.Path, "/comments"):
		_, _ = w.Write([]byte(`{"comments":[{"id":"c1","content":"hello","agent_id":"a3"}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *fakeProxy) hot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hotCalls
}

func (p *fakeProxy) calls(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

type monitor struct {
	server *httptest.Server
	proxy  *fakeProxy
	store  storage.Storage
	sched  *scheduler.Scheduler
}

func newMonitor(t *testing.T) *monitor {
	t.Helper()

	proxy := &fakeProxy{}
	upstream := httptest.NewServer(proxy)
	t.Cleanup(upstream.Close)

	cfg := models.NewDefaultConfig()
	cfg.Upstream.ProxyURL = upstream.URL
	cfg.Upstream.ProxyHealthURL = upstream.URL + "/health"
	cfg.Storage = models.StorageConfig{
		Type:     models.StorageTypeSQLite,
		Database: models.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "monitor.db"), MaxOpenConns: 1},
	}

	store, err := storage.NewFactory().Create(cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	components := governor.ComponentsFrom(cfg)
	apiClient := client.New(client.ConfigFrom(cfg.Upstream), client.WithObserver(components.Limiter))

	gov, err := governor.New(components,
		governor.WithURLResolver(apiClient.PublicURL),
		governor.WithSeenPruner(store),
	)
	require.NoError(t, err)
	t.Cleanup(gov.Close)

	poller, err := crawler.New(crawler.DefaultConfig(), apiClient, components.Dedup, crawler.WithSeenStore(store))
	require.NoError(t, err)

	sched := scheduler.New(scheduler.ConfigFrom(cfg.Scheduler), poller.Poll,
		scheduler.WithGate(gov),
		scheduler.WithStateStore(store),
	)

	handlers := api.NewHandlers(sched, gov, api.NewHealthChecker(store, apiClient), version.Info{Version: "1.0.0"})
	server := httptest.NewServer(api.SetupRoutes(handlers))
	t.Cleanup(server.Close)

	return &monitor{server: server, proxy: proxy, store: store, sched: sched}
}

func (m *monitor) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(m.server.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (m *monitor) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(m.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIntegration_TriggerNewPosts(t *testing.T) {
	m := newMonitor(t)
	ctx := context.Background()

	resp := m.post(t, "/api/trigger/new_posts")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first models.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.Equal(t, 2, first.Items)
	assert.Equal(t, 2, first.NewItems)
	assert.Equal(t, "p2", first.Cursor)

	// The newest post is now the cursor, so nothing past it is read.
	resp = m.post(t, "/api/trigger/new_posts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second models.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.Zero(t, second.Items)
	assert.Equal(t, "p2", second.Cursor)

	// A ranked listing returning the same posts only counts repeats.
	resp = m.post(t, "/api/trigger/top_posts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ranked models.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ranked))
	assert.Equal(t, 2, ranked.Items)
	assert.Zero(t, ranked.NewItems)

	seen, err := m.store.LoadSeenItems(ctx)
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	for _, rec := range seen {
		assert.Equal(t, 2, rec.Occurrences, rec.ID)
	}

	states, err := m.store.LoadPollStates(ctx)
	require.NoError(t, err)
	var cursor string
	for _, st := range states {
		if st.Endpoint == models.EndpointNewPosts {
			cursor = st.Cursor
		}
	}
	assert.Equal(t, "p2", cursor)
}

func TestIntegration_CommentsRequireTarget(t *testing.T) {
	m := newMonitor(t)

	resp := m.post(t, "/api/trigger/comments")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = m.post(t, "/api/trigger/comments?target=p1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.NewItems)
	assert.Equal(t, 1, m.proxy.calls(apiPrefix+"posts/p1/comments"))
}

func TestIntegration_RobotsDisallowsAgents(t *testing.T) {
	m := newMonitor(t)

	resp := m.post(t, "/api/trigger/agents?target=someone")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var errResp models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Contains(t, errResp.Message, "robots")
	assert.Zero(t, m.proxy.calls(apiPrefix+"agents"))
}

func TestIntegration_BackoffAfterRateLimit(t *testing.T) {
	m := newMonitor(t)

	resp := m.post(t, "/api/trigger/hot_posts")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// Retry-After 30 keeps the endpoint blocked.
	resp = m.post(t, "/api/trigger/hot_posts")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 1, m.proxy.hot())

	resp = m.post(t, "/api/backoff/hot_posts/reset")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = m.post(t, "/api/trigger/hot_posts")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 2, m.proxy.hot())
}

func TestIntegration_StatusAndHealth(t *testing.T) {
	m := newMonitor(t)
	m.post(t, "/api/trigger/new_posts")

	resp := m.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st api.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.False(t, st.Scheduler.Running)
	assert.Equal(t, 2, st.Governance.Dedup.TotalItems)
	require.NotEmpty(t, st.Scheduler.Endpoints)
	assert.Equal(t, models.EndpointNewPosts, st.Scheduler.Endpoints[0].Endpoint)
	assert.EqualValues(t, 2, st.Scheduler.Endpoints[0].TotalFetched)

	resp = m.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The detailed report counts a stopped scheduler as unhealthy.
	resp = m.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, m.sched.Start(context.Background()))
	t.Cleanup(func() { _ = m.sched.Stop(context.Background(), false) })
	resp = m.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
