// Package config loads settings for the controller, the worker and the CLI
// from an optional YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"clinicflow/internal/auth"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string
	// postgres or memory
	StoreDriver string

	// HTTP server port for the controller
	HTTPPort int
	// Port serving /metrics
	MetricsPort int
	// URL of the control plane (used by the CLI)
	ControllerURL string

	// Worker settings
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration
	LeaseTimeout            time.Duration

	// Maintenance loops
	ReaperInterval    time.Duration
	ReconcileInterval time.Duration

	// Retry policy
	JobMaxAttempts int
	NodeMaxRetries int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Bearer secret for /internal routes
	SystemSecret string

	// Per-client request rate on the public API. Zero disables limiting.
	RateLimit      float64
	RateLimitBurst int

	// OTLP gRPC collector address. Empty disables span export.
	OTELEndpoint string
	// Fraction of new traces sampled, 0..1
	TraceSampleRatio float64
	// Deployment environment reported on spans (production, staging, ...)
	Environment string

	// AMQP action hand-off. Empty URL disables it.
	AMQPURL         string
	AMQPExchange    string
	AMQPResultQueue string

	LogLevel  string
	LogFormat string
}

// key -> environment variable
var envBindings = map[string]string{
	"database_url":         "DATABASE_URL",
	"store_driver":         "STORE_DRIVER",
	"http_port":            "PORT",
	"metrics_port":         "METRICS_PORT",
	"controller_url":       "CONTROLLER_URL",
	"worker_concurrency":   "WORKER_CONCURRENCY",
	"worker_poll_interval": "WORKER_POLL_INTERVAL",
	"worker_max_backoff":   "WORKER_MAX_BACKOFF",
	"heartbeat_interval":   "HEARTBEAT_INTERVAL",
	"lease_timeout":        "LEASE_TIMEOUT",
	"reaper_interval":      "REAPER_INTERVAL",
	"reconcile_interval":   "RECONCILE_INTERVAL",
	"job_max_attempts":     "JOB_MAX_ATTEMPTS",
	"node_max_retries":     "NODE_MAX_RETRIES",
	"backoff_initial":      "BACKOFF_INITIAL",
	"backoff_max":          "BACKOFF_MAX",
	"system_secret":        "SYSTEM_SECRET",
	"rate_limit":           "RATE_LIMIT",
	"rate_limit_burst":     "RATE_LIMIT_BURST",
	"otel_endpoint":        "OTEL_EXPORTER_OTLP_ENDPOINT",
	"trace_sample_ratio":   "OTEL_TRACES_SAMPLER_ARG",
	"environment":          "CLINICFLOW_ENV",
	"amqp_url":             "AMQP_URL",
	"amqp_exchange":        "AMQP_EXCHANGE",
	"amqp_result_queue":    "AMQP_RESULT_QUEUE",
	"log_level":            "LOG_LEVEL",
	"log_format":           "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("http_port", 6161)
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("heartbeat_interval", 2*time.Minute)
	v.SetDefault("lease_timeout", 5*time.Minute)
	v.SetDefault("reaper_interval", 30*time.Second)
	v.SetDefault("reconcile_interval", time.Minute)
	v.SetDefault("job_max_attempts", 3)
	v.SetDefault("node_max_retries", 2)
	v.SetDefault("backoff_initial", 10*time.Second)
	v.SetDefault("backoff_max", time.Hour)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_limit_burst", 100)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("trace_sample_ratio", 1.0)
	v.SetDefault("environment", "development")
	v.SetDefault("amqp_exchange", "clinicflow.actions")
	v.SetDefault("amqp_result_queue", "clinicflow.results")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads configuration. Precedence: environment, then the YAML file at
// path (if non-empty), then defaults. A .env file in the working directory
// is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:             v.GetString("database_url"),
		StoreDriver:             v.GetString("store_driver"),
		HTTPPort:                v.GetInt("http_port"),
		MetricsPort:             v.GetInt("metrics_port"),
		ControllerURL:           v.GetString("controller_url"),
		WorkerConcurrency:       v.GetInt("worker_concurrency"),
		WorkerPollInterval:      v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:        v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval: v.GetDuration("heartbeat_interval"),
		LeaseTimeout:            v.GetDuration("lease_timeout"),
		ReaperInterval:          v.GetDuration("reaper_interval"),
		ReconcileInterval:       v.GetDuration("reconcile_interval"),
		JobMaxAttempts:          v.GetInt("job_max_attempts"),
		NodeMaxRetries:          v.GetInt("node_max_retries"),
		BackoffInitial:          v.GetDuration("backoff_initial"),
		BackoffMax:              v.GetDuration("backoff_max"),
		SystemSecret:            v.GetString("system_secret"),
		RateLimit:               v.GetFloat64("rate_limit"),
		RateLimitBurst:          v.GetInt("rate_limit_burst"),
		OTELEndpoint:            v.GetString("otel_endpoint"),
		TraceSampleRatio:        v.GetFloat64("trace_sample_ratio"),
		Environment:             v.GetString("environment"),
		AMQPURL:                 v.GetString("amqp_url"),
		AMQPExchange:            v.GetString("amqp_exchange"),
		AMQPResultQueue:         v.GetString("amqp_result_queue"),
		LogLevel:                v.GetString("log_level"),
		LogFormat:               v.GetString("log_format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid store_driver %q (must be postgres or memory)", c.StoreDriver)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("job_max_attempts must be at least 1, got %d", c.JobMaxAttempts)
	}
	if c.NodeMaxRetries < 0 {
		return fmt.Errorf("node_max_retries must not be negative, got %d", c.NodeMaxRetries)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive")
	}
	if c.WorkerHeartbeatInterval >= c.LeaseTimeout {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than lease_timeout (%s)",
			c.WorkerHeartbeatInterval, c.LeaseTimeout)
	}
	if _, err := auth.ParseSecret(c.SystemSecret); err != nil {
		return fmt.Errorf("invalid system_secret: %w", err)
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateLimitBurst < 1) {
		return fmt.Errorf("rate_limit must not be negative and rate_limit_burst must be at least 1")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff_initial must be positive and not exceed backoff_max")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("trace_sample_ratio must be between 0 and 1, got %v", c.TraceSampleRatio)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q (must be json or text)", c.LogFormat)
	}
	return nil
}
