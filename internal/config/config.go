// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	EnableHTTP      bool          `yaml:"enable_http"`
	PayloadMaxBytes int64         `yaml:"payload_max_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig describes the shared datastore connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// PipelineConfig describes orchestration settings shared by the front
// orchestrator, the request orchestrator, and the task workers.
type PipelineConfig struct {
	SyncWaitTimeout    time.Duration `yaml:"sync_wait_timeout"`
	RequestTTL         time.Duration `yaml:"request_ttl"`
	LifecycleBlock     time.Duration `yaml:"lifecycle_block"`
	RequestStreamBlock time.Duration `yaml:"request_stream_block"`
	TaskWaitTimeout    time.Duration `yaml:"task_wait_timeout"`
	GroupDeadline      time.Duration `yaml:"group_deadline"`
	MaxTaskRetries     int           `yaml:"max_task_retries"`
	ClaimMinIdle       time.Duration `yaml:"claim_min_idle"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			EnableHTTP:      true,
			PayloadMaxBytes: 1 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Pipeline: PipelineConfig{
			SyncWaitTimeout:    120 * time.Second,
			RequestTTL:         24 * time.Hour,
			LifecycleBlock:     1 * time.Second,
			RequestStreamBlock: 5 * time.Second,
			TaskWaitTimeout:    10 * time.Second,
			GroupDeadline:      10 * time.Minute,
			MaxTaskRetries:     3,
			ClaimMinIdle:       30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied, for
// deployments that carry no config file.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.PayloadMaxBytes < 1 {
		errs = append(errs, "server.payload_max_bytes must be positive")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if c.Pipeline.MaxTaskRetries < 1 {
		errs = append(errs, "pipeline.max_task_retries must be at least 1")
	}
	if c.Pipeline.SyncWaitTimeout <= 0 {
		errs = append(errs, "pipeline.sync_wait_timeout must be positive")
	}
	if c.Pipeline.RequestTTL <= 0 {
		errs = append(errs, "pipeline.request_ttl must be positive")
	}
	if c.Pipeline.LifecycleBlock <= 0 || c.Pipeline.RequestStreamBlock <= 0 {
		errs = append(errs, "pipeline block intervals must be positive")
	}
	if c.Pipeline.TaskWaitTimeout <= 0 {
		errs = append(errs, "pipeline.task_wait_timeout must be positive")
	}
	if c.Pipeline.ClaimMinIdle <= 0 {
		errs = append(errs, "pipeline.claim_min_idle must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads VNFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VNFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VNFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VNFLOW_REDIS_DB"); v != "" {
		var db int
		if _, err := fmt.Sscanf(v, "%d", &db); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("VNFLOW_SYNC_WAIT_TIMEOUT_MS"); v != "" {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil && ms > 0 {
			cfg.Pipeline.SyncWaitTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VNFLOW_REQUEST_TTL_SECONDS"); v != "" {
		var sec int64
		if _, err := fmt.Sscanf(v, "%d", &sec); err == nil && sec > 0 {
			cfg.Pipeline.RequestTTL = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("VNFLOW_MAX_TASK_RETRIES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Pipeline.MaxTaskRetries = n
		}
	}
	if v := os.Getenv("VNFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
