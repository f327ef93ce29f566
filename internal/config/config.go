// Package config loads controller and worker configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the controller
	HTTPPort int `mapstructure:"http_port"`

	// APIToken guards mutating routes when set.
	APIToken string `mapstructure:"api_token"`

	LogLevel     string `mapstructure:"log_level"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	Queue   QueueConfig   `mapstructure:"queue"`
	Preview PreviewConfig `mapstructure:"preview"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

// QueueConfig controls claim leases and the retry policy.
type QueueConfig struct {
	Lease           time.Duration `mapstructure:"lease"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// PreviewConfig configures the preview orchestrator.
type PreviewConfig struct {
	ArtifactRoot   string        `mapstructure:"artifact_root"`
	Host           string        `mapstructure:"host"`
	PathBaseURL    string        `mapstructure:"path_base_url"`
	PortBase       int           `mapstructure:"port_base"`
	PortCount      int           `mapstructure:"port_count"`
	InstallCommand string        `mapstructure:"install_command"`
	StartCommand   string        `mapstructure:"start_command"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	LedgerPath     string        `mapstructure:"ledger_path"`
	RuntimeWorkDir string        `mapstructure:"runtime_workdir"`

	// Starts allowed per client IP per second, and the burst above it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// WorkerConfig configures the reference worker agent.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	ExtractorCommand  string        `mapstructure:"extractor_command"`
	RuntimeWorkDir    string        `mapstructure:"runtime_workdir"`
	MetricsPort       int           `mapstructure:"metrics_port"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"database_url":  "DATABASE_URL",
	"http_port":     "PORT",
	"api_token":     "API_TOKEN",
	"log_level":     "LOG_LEVEL",
	"otel_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",

	"queue.lease":             "QUEUE_LEASE",
	"queue.max_attempts":      "QUEUE_MAX_ATTEMPTS",
	"queue.retry_backoff":     "QUEUE_RETRY_BACKOFF",
	"queue.max_retry_backoff": "QUEUE_MAX_RETRY_BACKOFF",

	"preview.artifact_root":   "PREVIEW_ARTIFACT_ROOT",
	"preview.host":            "PREVIEW_HOST",
	"preview.path_base_url":   "PREVIEW_PATH_BASE_URL",
	"preview.port_base":       "PREVIEW_PORT_BASE",
	"preview.port_count":      "PREVIEW_PORT_COUNT",
	"preview.install_command": "PREVIEW_INSTALL_COMMAND",
	"preview.start_command":   "PREVIEW_START_COMMAND",
	"preview.ready_timeout":   "PREVIEW_READY_TIMEOUT",
	"preview.probe_interval":  "PREVIEW_PROBE_INTERVAL",
	"preview.install_timeout": "PREVIEW_INSTALL_TIMEOUT",
	"preview.grace_period":    "PREVIEW_GRACE_PERIOD",
	"preview.ledger_path":     "PREVIEW_LEDGER_PATH",
	"preview.runtime_workdir": "PREVIEW_RUNTIME_WORKDIR",
	"preview.rate_limit":      "PREVIEW_RATE_LIMIT",
	"preview.rate_burst":      "PREVIEW_RATE_BURST",

	"worker.id":                 "WORKER_ID",
	"worker.concurrency":        "WORKER_CONCURRENCY",
	"worker.poll_interval":      "WORKER_POLL_INTERVAL",
	"worker.max_backoff":        "WORKER_MAX_BACKOFF",
	"worker.heartbeat_interval": "WORKER_HEARTBEAT_INTERVAL",
	"worker.job_timeout":        "WORKER_JOB_TIMEOUT",
	"worker.extractor_command":  "WORKER_EXTRACTOR_COMMAND",
	"worker.runtime_workdir":    "WORKER_RUNTIME_WORKDIR",
	"worker.metrics_port":       "WORKER_METRICS_PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")

	v.SetDefault("queue.lease", 5*time.Minute)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_backoff", time.Duration(0))
	v.SetDefault("queue.max_retry_backoff", 5*time.Minute)

	v.SetDefault("preview.artifact_root", ".")
	v.SetDefault("preview.host", "localhost")
	v.SetDefault("preview.port_base", 3200)
	v.SetDefault("preview.port_count", 100)
	v.SetDefault("preview.install_command", "npm install")
	v.SetDefault("preview.start_command", "npm run dev -- --port {port}")
	v.SetDefault("preview.ready_timeout", 30*time.Second)
	v.SetDefault("preview.probe_interval", 500*time.Millisecond)
	v.SetDefault("preview.install_timeout", 5*time.Minute)
	v.SetDefault("preview.grace_period", 5*time.Second)
	v.SetDefault("preview.ledger_path", "data/previews.db")
	v.SetDefault("preview.rate_limit", 2.0)
	v.SetDefault("preview.rate_burst", 5)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.poll_interval", 1*time.Second)
	v.SetDefault("worker.max_backoff", 30*time.Second)
	v.SetDefault("worker.heartbeat_interval", 1*time.Minute)
	v.SetDefault("worker.job_timeout", 30*time.Minute)
	v.SetDefault("worker.metrics_port", 6162)
}

// Load reads configuration from an optional YAML file and the environment.
// An empty path looks for extractplane.yaml in the working directory.
// Environment variables override file values.
func Load(path string) (*Config, error) {
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
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("extractplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func required(key string) error {
	return fmt.Errorf("%s is required (env: %s)", key, envBindings[key])
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return required("database_url")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d (env: PORT)", c.HTTPPort)
	}
	if c.Queue.Lease <= 0 {
		return fmt.Errorf("queue.lease must be positive (env: QUEUE_LEASE)")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive (env: QUEUE_MAX_ATTEMPTS)")
	}
	if c.Preview.PortBase <= 0 || c.Preview.PortCount <= 0 || c.Preview.PortBase+c.Preview.PortCount-1 > 65535 {
		return fmt.Errorf("invalid preview port range %d+%d (env: PREVIEW_PORT_BASE, PREVIEW_PORT_COUNT)",
			c.Preview.PortBase, c.Preview.PortCount)
	}
	if len(c.Preview.StartCommandArgs()) == 0 {
		return required("preview.start_command")
	}
	return nil
}

// InstallCommandArgs splits the install command into argv.
func (p PreviewConfig) InstallCommandArgs() []string {
	return strings.Fields(p.InstallCommand)
}

// StartCommandArgs splits the start command into argv.
func (p PreviewConfig) StartCommandArgs() []string {
	return strings.Fields(p.StartCommand)
}

// ExtractorCommandArgs splits the extractor command into argv.
func (w WorkerConfig) ExtractorCommandArgs() []string {
	return strings.Fields(w.ExtractorCommand)
}

// RequireExtractor reports a missing extractor command for the worker binary.
func (c *Config) RequireExtractor() error {
	if len(c.Worker.ExtractorCommandArgs()) == 0 {
		return required("worker.extractor_command")
	}
	return nil
}
