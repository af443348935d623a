// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every monitor component.
//
// Configuration layout:
// - Server: HTTP health/status listener
// - Upstream: proxy and Moltbook API addressing
// - RateLimit, Backoff, Dedup, Robots, Scheduler: request governance
// - Storage: persistence of poll state and seen items
// - Logging, Metrics, Observability: operational output
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Storage type constants
const (
	StorageTypeJSON     = "json"
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Endpoint category names shared by configuration, the scheduler and the API.
const (
	EndpointNewPosts    = "new_posts"
	EndpointHotPosts    = "hot_posts"
	EndpointTopPosts    = "top_posts"
	EndpointRisingPosts = "rising_posts"
	EndpointSubmolts    = "submolts"
	EndpointComments    = "comments"
	EndpointAgents      = "agents"
)

// ScheduledEndpoints lists the timer-driven categories in polling priority order.
var ScheduledEndpoints = []string{
	EndpointNewPosts,
	EndpointHotPosts,
	EndpointTopPosts,
	EndpointRisingPosts,
	EndpointSubmolts,
}

// OnDemandEndpoints lists categories that are only polled when explicitly triggered.
var OnDemandEndpoints = []string{
	EndpointComments,
	EndpointAgents,
}

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Backoff       BackoffConfig       `yaml:"backoff" json:"backoff"`
	Dedup         DedupConfig         `yaml:"dedup" json:"dedup"`
	Robots        RobotsConfig        `yaml:"robots" json:"robots"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" json:"scheduler"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// UpstreamConfig describes how the monitor reaches Moltbook. Every request is
// routed through the reverse proxy as {ProxyURL}/proxy/{APIHost}/api/{APIVersion}/...
type UpstreamConfig struct {
	ProxyURL       string        `yaml:"proxy_url" json:"proxy_url"`
	ProxyHealthURL string        `yaml:"proxy_health_url" json:"proxy_health_url"`
	APIHost        string        `yaml:"api_host" json:"api_host"`
	APIVersion     string        `yaml:"api_version" json:"api_version"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	PageSize       int           `yaml:"page_size" json:"page_size"`
}

type RateLimitConfig struct {
	RequestsPerMinute  int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour    int           `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay     int           `yaml:"requests_per_day" json:"requests_per_day"`
	Budgets            BudgetConfig  `yaml:"budgets" json:"budgets"`
	WarningThreshold   float64       `yaml:"warning_threshold" json:"warning_threshold"`
	UpstreamStaleAfter time.Duration `yaml:"upstream_stale_after" json:"upstream_stale_after"`
}

// BudgetConfig holds each budget category's share of the per-minute limit.
type BudgetConfig struct {
	NewPosts float64 `yaml:"new_posts" json:"new_posts"`
	Trending float64 `yaml:"trending" json:"trending"`
	Comments float64 `yaml:"comments" json:"comments"`
	Agents   float64 `yaml:"agents" json:"agents"`
	Reserve  float64 `yaml:"reserve" json:"reserve"`
}

// Sum returns the total of all allocation fractions.
func (bc BudgetConfig) Sum() float64 {
	return bc.NewPosts + bc.Trending + bc.Comments + bc.Agents + bc.Reserve
}

type BackoffConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxExponent       int           `yaml:"max_exponent" json:"max_exponent"`
	TimeoutMultiplier float64       `yaml:"timeout_multiplier" json:"timeout_multiplier"`
	JitterMin         float64       `yaml:"jitter_min" json:"jitter_min"`
	JitterMax         float64       `yaml:"jitter_max" json:"jitter_max"`
	SuccessReset      int           `yaml:"success_reset" json:"success_reset"`
}

type DedupConfig struct {
	TTL                time.Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	BloomCapacity      uint          `yaml:"bloom_capacity" json:"bloom_capacity"`
	BloomFalsePositive float64       `yaml:"bloom_false_positive" json:"bloom_false_positive"`
}

type RobotsConfig struct {
	Enabled              bool          `yaml:"enabled" json:"enabled"`
	CacheDuration        time.Duration `yaml:"cache_duration" json:"cache_duration"`
	FailureCacheDuration time.Duration `yaml:"failure_cache_duration" json:"failure_cache_duration"`
	UserAgent            string        `yaml:"user_agent" json:"user_agent"`
}

// IntervalConfig is the (default, minimum, maximum) polling interval triple
// for one scheduled endpoint category.
type IntervalConfig struct {
	Default time.Duration `yaml:"default" json:"default"`
	Minimum time.Duration `yaml:"minimum" json:"minimum"`
	Maximum time.Duration `yaml:"maximum" json:"maximum"`
}

func (ic IntervalConfig) Validate() error {
	if ic.Minimum <= 0 {
		return errors.New("minimum interval must be positive")
	}
	if ic.Minimum > ic.Default {
		return errors.New("minimum interval cannot exceed default interval")
	}
	if ic.Default > ic.Maximum {
		return errors.New("default interval cannot exceed maximum interval")
	}
	return nil
}

type SchedulerConfig struct {
	GracefulShutdown      bool                      `yaml:"graceful_shutdown" json:"graceful_shutdown"`
	ShutdownTimeout       time.Duration             `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	ActivityWindow        time.Duration             `yaml:"activity_window" json:"activity_window"`
	HighActivityThreshold float64                   `yaml:"high_activity_threshold" json:"high_activity_threshold"`
	LowActivityThreshold  float64                   `yaml:"low_activity_threshold" json:"low_activity_threshold"`
	SpikeMultiplier       float64                   `yaml:"spike_multiplier" json:"spike_multiplier"`
	SpikeFloor            float64                   `yaml:"spike_floor" json:"spike_floor"`
	Intervals             map[string]IntervalConfig `yaml:"intervals" json:"intervals"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Path     string         `yaml:"path" json:"path"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"`
	FilePath   string `yaml:"file_path" json:"file_path"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultIntervals returns the stock polling intervals for every scheduled category.
func DefaultIntervals() map[string]IntervalConfig {
	return map[string]IntervalConfig{
		EndpointNewPosts:    {Default: 5 * time.Minute, Minimum: time.Minute, Maximum: 30 * time.Minute},
		EndpointHotPosts:    {Default: 15 * time.Minute, Minimum: 5 * time.Minute, Maximum: time.Hour},
		EndpointTopPosts:    {Default: time.Hour, Minimum: 15 * time.Minute, Maximum: 6 * time.Hour},
		EndpointRisingPosts: {Default: 10 * time.Minute, Minimum: 2 * time.Minute, Maximum: 30 * time.Minute},
		EndpointSubmolts:    {Default: 6 * time.Hour, Minimum: time.Hour, Maximum: 24 * time.Hour},
	}
}

// NewDefaultConfig creates a configuration that works inside the standard
// container deployment: the proxy is reachable as http://proxy:8080 and
// state lives in a local JSON file.
func NewDefaultConfig() *Config {
	const userAgent = "OpenClawMonitor/1.0 (research purposes)"
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Upstream: UpstreamConfig{
			ProxyURL:       "http://proxy:8080",
			ProxyHealthURL: "http://proxy:8080/health",
			APIHost:        "www.moltbook.com",
			APIVersion:     "v1",
			UserAgent:      userAgent,
			Timeout:        30 * time.Second,
			PageSize:       25,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
			RequestsPerHour:   5000,
			RequestsPerDay:    50000,
			Budgets: BudgetConfig{
				NewPosts: 0.40,
				Trending: 0.20,
				Comments: 0.20,
				Agents:   0.10,
				Reserve:  0.10,
			},
			WarningThreshold:   0.8,
			UpstreamStaleAfter: 5 * time.Minute,
		},
		Backoff: BackoffConfig{
			BaseDelay:         time.Second,
			MaxDelay:          300 * time.Second,
			MaxExponent:       8,
			TimeoutMultiplier: 2.0,
			JitterMin:         0.8,
			JitterMax:         1.2,
			SuccessReset:      3,
		},
		Dedup: DedupConfig{
			TTL:                90 * 24 * time.Hour,
			CleanupInterval:    time.Hour,
			BloomCapacity:      100000,
			BloomFalsePositive: 0.01,
		},
		Robots: RobotsConfig{
			Enabled:              true,
			CacheDuration:        24 * time.Hour,
			FailureCacheDuration: 5 * time.Minute,
			UserAgent:            userAgent,
		},
		Scheduler: SchedulerConfig{
			GracefulShutdown:      true,
			ShutdownTimeout:       30 * time.Second,
			ActivityWindow:        time.Hour,
			HighActivityThreshold: 10,
			LowActivityThreshold:  1,
			SpikeMultiplier:       3,
			SpikeFloor:            10,
			Intervals:             DefaultIntervals(),
		},
		Storage: StorageConfig{
			Type: StorageTypeJSON,
			Path: "./data/monitor.json",
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "moltmonitor",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("invalid backoff config: %w", err)
	}

	if err := c.Dedup.Validate(); err != nil {
		return fmt.Errorf("invalid dedup config: %w", err)
	}

	if err := c.Robots.Validate(); err != nil {
		return fmt.Errorf("invalid robots config: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	return nil
}

func (uc *UpstreamConfig) Validate() error {
	if uc.ProxyURL == "" {
		return errors.New("proxy URL cannot be empty")
	}
	if uc.APIHost == "" {
		return errors.New("API host cannot be empty")
	}
	if uc.APIVersion == "" {
		return errors.New("API version cannot be empty")
	}
	if uc.UserAgent == "" {
		return errors.New("user agent cannot be empty")
	}
	if uc.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if uc.PageSize <= 0 || uc.PageSize > 25 {
		return errors.New("page size must be between 1 and 25")
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if rc.RequestsPerMinute <= 0 {
		return errors.New("requests per minute must be positive")
	}
	if rc.RequestsPerHour <= 0 {
		return errors.New("requests per hour must be positive")
	}
	if rc.RequestsPerDay <= 0 {
		return errors.New("requests per day must be positive")
	}

	b := rc.Budgets
	for _, frac := range []float64{b.NewPosts, b.Trending, b.Comments, b.Agents, b.Reserve} {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("budget fraction %.3f out of range [0, 1]", frac)
		}
	}
	if sum := b.Sum(); math.Abs(sum-1.0) > 1e-3 {
		return fmt.Errorf("budget fractions must sum to 1.0, got %.3f", sum)
	}

	if rc.WarningThreshold <= 0 || rc.WarningThreshold > 1 {
		return errors.New("warning threshold must be in (0, 1]")
	}
	if rc.UpstreamStaleAfter < 0 {
		return errors.New("upstream stale duration cannot be negative")
	}
	return nil
}

func (bc *BackoffConfig) Validate() error {
	if bc.BaseDelay <= 0 {
		return errors.New("base delay must be positive")
	}
	if bc.MaxDelay < bc.BaseDelay {
		return errors.New("max delay cannot be less than base delay")
	}
	if bc.MaxExponent <= 0 {
		return errors.New("max exponent must be positive")
	}
	if bc.TimeoutMultiplier <= 0 {
		return errors.New("timeout multiplier must be positive")
	}
	if bc.JitterMin <= 0 || bc.JitterMin > bc.JitterMax {
		return errors.New("jitter range must satisfy 0 < min <= max")
	}
	if bc.SuccessReset <= 0 {
		return errors.New("success reset count must be positive")
	}
	return nil
}

func (dc *DedupConfig) Validate() error {
	if dc.TTL <= 0 {
		return errors.New("TTL must be positive")
	}
	if dc.CleanupInterval < 0 {
		return errors.New("cleanup interval cannot be negative")
	}
	if dc.BloomCapacity == 0 {
		return errors.New("bloom capacity must be positive")
	}
	if dc.BloomFalsePositive <= 0 || dc.BloomFalsePositive >= 1 {
		return errors.New("bloom false positive rate must be in (0, 1)")
	}
	return nil
}

func (rc *RobotsConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}
	if rc.CacheDuration <= 0 {
		return errors.New("cache duration must be positive")
	}
	if rc.FailureCacheDuration < 0 {
		return errors.New("failure cache duration cannot be negative")
	}
	return nil
}

func (sc *SchedulerConfig) Validate() error {
	if sc.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout cannot be negative")
	}
	if sc.ActivityWindow <= 0 {
		return errors.New("activity window must be positive")
	}
	if sc.LowActivityThreshold < 0 || sc.HighActivityThreshold < sc.LowActivityThreshold {
		return errors.New("activity thresholds must satisfy 0 <= low <= high")
	}
	if sc.SpikeMultiplier <= 0 {
		return errors.New("spike multiplier must be positive")
	}

	for name, ic := range sc.Intervals {
		found := false
		for _, ep := range ScheduledEndpoints {
			if name == ep {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown scheduled endpoint: %s", name)
		}
		if err := ic.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", name, err)
		}
	}
	return nil
}

func (stc *StorageConfig) Validate() error {
	validTypes := []string{StorageTypeJSON, StorageTypeMemory, StorageTypePostgres, StorageTypeSQLite}
	found := false
	for _, vt := range validTypes {
		if stc.Type == vt {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	if stc.Type == StorageTypeJSON && stc.Path == "" {
		return errors.New("path is required for JSON storage")
	}

	if (stc.Type == StorageTypePostgres || stc.Type == StorageTypeSQLite) && stc.Database.DSN == "" {
		return errors.New("database DSN is required for database storage")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}

	validExporters := []string{"stdout", "otlp"}
	found := false
	for _, ve := range validExporters {
		if oc.Tracing.Exporter == ve {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid tracing exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when exporter is otlp")
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}
