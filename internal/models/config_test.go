package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	// Server defaults
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)

	// Upstream defaults
	assert.Equal(t, "http://proxy:8080", config.Upstream.ProxyURL)
	assert.Equal(t, "www.moltbook.com", config.Upstream.APIHost)
	assert.Equal(t, "v1", config.Upstream.APIVersion)
	assert.Equal(t, "OpenClawMonitor/1.0 (research purposes)", config.Upstream.UserAgent)
	assert.Equal(t, 25, config.Upstream.PageSize)

	// Governance defaults
	assert.Equal(t, 100, config.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5000, config.RateLimit.RequestsPerHour)
	assert.Equal(t, 50000, config.RateLimit.RequestsPerDay)
	assert.InDelta(t, 1.0, config.RateLimit.Budgets.Sum(), 1e-3)
	assert.Equal(t, 300*time.Second, config.Backoff.MaxDelay)
	assert.Equal(t, 8, config.Backoff.MaxExponent)
	assert.Equal(t, 90*24*time.Hour, config.Dedup.TTL)
	assert.Equal(t, 24*time.Hour, config.Robots.CacheDuration)
	assert.True(t, config.Scheduler.GracefulShutdown)
	assert.Len(t, config.Scheduler.Intervals, len(ScheduledEndpoints))

	// Storage defaults
	assert.Equal(t, StorageTypeJSON, config.Storage.Type)
	assert.Equal(t, "./data/monitor.json", config.Storage.Path)

	// Logging defaults
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)
	assert.Equal(t, 100, config.Logging.MaxSize)

	// Observability defaults
	assert.Equal(t, "moltmonitor", config.Observability.ServiceName)
	assert.False(t, config.Observability.Tracing.Enabled)
	assert.Equal(t, "stdout", config.Observability.Tracing.Exporter)

	require.NoError(t, config.Validate())
}

func TestDefaultIntervals(t *testing.T) {
	intervals := DefaultIntervals()

	tests := []struct {
		endpoint string
		want     IntervalConfig
	}{
		{EndpointNewPosts, IntervalConfig{5 * time.Minute, time.Minute, 30 * time.Minute}},
		{EndpointHotPosts, IntervalConfig{15 * time.Minute, 5 * time.Minute, time.Hour}},
		{EndpointTopPosts, IntervalConfig{time.Hour, 15 * time.Minute, 6 * time.Hour}},
		{EndpointRisingPosts, IntervalConfig{10 * time.Minute, 2 * time.Minute, 30 * time.Minute}},
		{EndpointSubmolts, IntervalConfig{6 * time.Hour, time.Hour, 24 * time.Hour}},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, ok := intervals[tt.endpoint]
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}

	_, ok := intervals[EndpointComments]
	assert.False(t, ok, "on-demand endpoints have no interval")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name:   "valid default config",
			mutate: func(c *Config) {},
		},
		{
			name:     "invalid server port",
			mutate:   func(c *Config) { c.Server.Port = -1 },
			errorMsg: "invalid server config",
		},
		{
			name:     "empty proxy URL",
			mutate:   func(c *Config) { c.Upstream.ProxyURL = "" },
			errorMsg: "proxy URL cannot be empty",
		},
		{
			name:     "page size above API maximum",
			mutate:   func(c *Config) { c.Upstream.PageSize = 50 },
			errorMsg: "page size must be between 1 and 25",
		},
		{
			name:     "budgets do not sum to one",
			mutate:   func(c *Config) { c.RateLimit.Budgets.Reserve = 0.5 },
			errorMsg: "budget fractions must sum to 1.0",
		},
		{
			name:     "negative budget fraction",
			mutate:   func(c *Config) { c.RateLimit.Budgets.Agents = -0.1; c.RateLimit.Budgets.Reserve = 0.3 },
			errorMsg: "out of range",
		},
		{
			name:     "zero requests per minute",
			mutate:   func(c *Config) { c.RateLimit.RequestsPerMinute = 0 },
			errorMsg: "requests per minute must be positive",
		},
		{
			name:     "inverted jitter range",
			mutate:   func(c *Config) { c.Backoff.JitterMin = 1.5 },
			errorMsg: "jitter range",
		},
		{
			name:     "max delay below base",
			mutate:   func(c *Config) { c.Backoff.MaxDelay = time.Millisecond },
			errorMsg: "max delay cannot be less than base delay",
		},
		{
			name:     "zero dedup TTL",
			mutate:   func(c *Config) { c.Dedup.TTL = 0 },
			errorMsg: "invalid dedup config",
		},
		{
			name:     "disabled robots skips checks",
			mutate:   func(c *Config) { c.Robots.Enabled = false; c.Robots.CacheDuration = 0 },
			errorMsg: "",
		},
		{
			name: "interval minimum above default",
			mutate: func(c *Config) {
				c.Scheduler.Intervals[EndpointNewPosts] = IntervalConfig{Default: time.Minute, Minimum: 2 * time.Minute, Maximum: time.Hour}
			},
			errorMsg: "minimum interval cannot exceed default interval",
		},
		{
			name: "unknown interval endpoint",
			mutate: func(c *Config) {
				c.Scheduler.Intervals["comments"] = IntervalConfig{Default: time.Minute, Minimum: time.Minute, Maximum: time.Hour}
			},
			errorMsg: "unknown scheduled endpoint: comments",
		},
		{
			name:     "invalid storage type",
			mutate:   func(c *Config) { c.Storage.Type = "invalid-type" },
			errorMsg: "invalid storage type",
		},
		{
			name:     "postgres without DSN",
			mutate:   func(c *Config) { c.Storage.Type = StorageTypePostgres },
			errorMsg: "database DSN is required",
		},
		{
			name:     "file logging without path",
			mutate:   func(c *Config) { c.Logging.Output = "file" },
			errorMsg: "file path is required when output is file",
		},
		{
			name: "otlp exporter without endpoint",
			mutate: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.Exporter = "otlp"
			},
			errorMsg: "OTLP endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()

			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStorageConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      StorageConfig
		expectError bool
	}{
		{"memory needs nothing", StorageConfig{Type: StorageTypeMemory}, false},
		{"json with path", StorageConfig{Type: StorageTypeJSON, Path: "state.json"}, false},
		{"json without path", StorageConfig{Type: StorageTypeJSON}, true},
		{"sqlite with dsn", StorageConfig{Type: StorageTypeSQLite, Database: DatabaseConfig{DSN: "file:monitor.db"}}, false},
		{"sqlite without dsn", StorageConfig{Type: StorageTypeSQLite}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
