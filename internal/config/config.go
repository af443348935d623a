package config

import (
	"fmt"
	"log/slog"
	"moltmonitor/internal/models"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MOLTMONITOR_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	// The robots identity follows the upstream user agent unless set explicitly.
	if config.Robots.UserAgent == "" {
		config.Robots.UserAgent = config.Upstream.UserAgent
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

var knownSections = map[string]bool{
	"server":        true,
	"upstream":      true,
	"rate_limit":    true,
	"backoff":       true,
	"dedup":         true,
	"robots":        true,
	"scheduler":     true,
	"storage":       true,
	"logging":       true,
	"metrics":       true,
	"observability": true,
}

// warnUnknownKeys logs a warning for each top-level key the decoder will ignore.
// Startup continues; the key is usually a typo or a section from another tool.
func warnUnknownKeys(data []byte) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	unknown := make([]string, 0)
	for key := range raw {
		if !knownSections[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		slog.Warn("Config key is not recognized and will be ignored", "config_key", key)
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnUnknownKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func envString(name string, target *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		} else {
			slog.Warn("Ignoring invalid integer environment override", "variable", EnvPrefix+name, "value", v)
		}
	}
}

func envFloat(name string, target *float64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		} else {
			slog.Warn("Ignoring invalid number environment override", "variable", EnvPrefix+name, "value", v)
		}
	}
}

func envDuration(name string, target *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		} else {
			slog.Warn("Ignoring invalid duration environment override", "variable", EnvPrefix+name, "value", v)
		}
	}
}

func envBool(name string, target *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*target = strings.ToLower(v) == "true"
	}
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)

	// Upstream configuration. The bare PROXY_URL and PROXY_HEALTH_URL names
	// are shared with the proxy container and take lower precedence.
	if proxy := os.Getenv("PROXY_URL"); proxy != "" {
		config.Upstream.ProxyURL = proxy
	}
	if health := os.Getenv("PROXY_HEALTH_URL"); health != "" {
		config.Upstream.ProxyHealthURL = health
	}
	envString("PROXY_URL", &config.Upstream.ProxyURL)
	envString("PROXY_HEALTH_URL", &config.Upstream.ProxyHealthURL)
	envString("API_HOST", &config.Upstream.APIHost)
	envString("API_VERSION", &config.Upstream.APIVersion)
	envString("USER_AGENT", &config.Upstream.UserAgent)
	envDuration("UPSTREAM_TIMEOUT", &config.Upstream.Timeout)
	envInt("PAGE_SIZE", &config.Upstream.PageSize)

	// Rate limit configuration
	envInt("REQUESTS_PER_MINUTE", &config.RateLimit.RequestsPerMinute)
	envInt("REQUESTS_PER_HOUR", &config.RateLimit.RequestsPerHour)
	envInt("REQUESTS_PER_DAY", &config.RateLimit.RequestsPerDay)
	envFloat("RATE_WARNING_THRESHOLD", &config.RateLimit.WarningThreshold)

	// Backoff configuration
	envDuration("BACKOFF_BASE_DELAY", &config.Backoff.BaseDelay)
	envDuration("BACKOFF_MAX_DELAY", &config.Backoff.MaxDelay)
	envInt("BACKOFF_MAX_EXPONENT", &config.Backoff.MaxExponent)

	// Dedup configuration
	envDuration("DEDUP_TTL", &config.Dedup.TTL)
	envDuration("DEDUP_CLEANUP_INTERVAL", &config.Dedup.CleanupInterval)

	// Robots configuration
	envBool("ROBOTS_ENABLED", &config.Robots.Enabled)
	envDuration("ROBOTS_CACHE_DURATION", &config.Robots.CacheDuration)
	envString("ROBOTS_USER_AGENT", &config.Robots.UserAgent)

	// Scheduler configuration
	envBool("GRACEFUL_SHUTDOWN", &config.Scheduler.GracefulShutdown)
	envDuration("SHUTDOWN_TIMEOUT", &config.Scheduler.ShutdownTimeout)

	// Storage configuration
	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("STORAGE_PATH", &config.Storage.Path)
	envString("DATABASE_DSN", &config.Storage.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)

	// Logging configuration
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)
	envInt("LOG_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOG_MAX_AGE", &config.Logging.MaxAge)
	envBool("LOG_COMPRESS", &config.Logging.Compress)

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)

	// Observability configuration
	envString("SERVICE_NAME", &config.Observability.ServiceName)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	envFloat("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Example persistent storage and file logging
	config.Storage.Type = models.StorageTypeSQLite
	config.Storage.Database.DSN = "file:/app/data/monitor.db?_pragma=busy_timeout(5000)"
	config.Logging.Output = "file"
	config.Logging.FilePath = "/app/logs/monitor.log"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
