// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Sequence      SequenceConfig      `yaml:"sequence"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	CORS             CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	ClockSkew    time.Duration     `yaml:"clock_skew"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find workflow definition files.
type DefinitionsConfig struct {
	Directories []string      `yaml:"directories"`
	HotReload   bool          `yaml:"hot_reload"`
	Debounce    time.Duration `yaml:"debounce"`
}

// DirectoryConfig describes the collaborator directory file.
type DirectoryConfig struct {
	Path      string `yaml:"path"`
	HotReload bool   `yaml:"hot_reload"`
}

// StoreConfig describes request persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// SequenceConfig describes the request id counter.
type SequenceConfig struct {
	Driver string `yaml:"driver"`
	Key    string `yaml:"key"`
	Width  int    `yaml:"width"`
}

// WorkflowConfig describes request engine settings.
type WorkflowConfig struct {
	StrictTransitions bool   `yaml:"strict_transitions"`
	SLASweep          string `yaml:"sla_sweep"`
}

// UploadsConfig describes attachment storage.
type UploadsConfig struct {
	Driver        string        `yaml:"driver"`
	Endpoint      string        `yaml:"endpoint"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	Bucket        string        `yaml:"bucket"`
	UseSSL        bool          `yaml:"use_ssl"`
	PublicBaseURL string        `yaml:"public_base_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NotificationsConfig describes delivery channels.
type NotificationsConfig struct {
	InboxSize   int           `yaml:"inbox_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	Webhook     WebhookConfig `yaml:"webhook"`
}

// WebhookConfig describes the outbound mail gateway.
type WebhookConfig struct {
	URL            string               `yaml:"url"`
	TokenEnv       string               `yaml:"token_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// IdempotencyConfig describes submit deduplication settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
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
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			HandlerTimeout:   45 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			ReadinessTimeout: 2 * time.Second,
			MaxBodyBytes:     20 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			ClockSkew:    30 * time.Second,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Debounce:    300 * time.Millisecond,
		},
		Directory: DirectoryConfig{
			Path: "/directory/users.yaml",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "INTRAFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv: "INTRAFLOW_REDIS_ADDR",
		},
		Sequence: SequenceConfig{
			Driver: "memory",
			Key:    "requests",
			Width:  4,
		},
		Workflow: WorkflowConfig{
			SLASweep: "*/15 * * * *",
		},
		Uploads: UploadsConfig{
			Driver:  "memory",
			Bucket:  "intraflow-attachments",
			Timeout: 30 * time.Second,
		},
		Notifications: NotificationsConfig{
			InboxSize:   100,
			SendTimeout: 15 * time.Second,
			Webhook: WebhookConfig{
				TokenEnv: "INTRAFLOW_WEBHOOK_TOKEN",
				Timeout:  10 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 1,
					Cooldown:         30 * time.Second,
				},
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
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

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Directory.Path == "" {
		errs = append(errs, "directory.path is required")
	}

	if !oneOf(c.Store.Driver, "memory", "postgres") {
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	if !oneOf(c.Sequence.Driver, "memory", "redis", "postgres") {
		errs = append(errs, fmt.Sprintf("sequence.driver %q must be memory, redis or postgres", c.Sequence.Driver))
	}
	if c.Sequence.Driver == "postgres" && c.Store.Driver != "postgres" {
		errs = append(errs, "sequence.driver postgres requires store.driver postgres")
	}
	if c.Sequence.Key == "" {
		errs = append(errs, "sequence.key is required")
	}
	if c.Sequence.Width < 1 {
		errs = append(errs, "sequence.width must be at least 1")
	}

	if c.Workflow.SLASweep != "" {
		if _, err := cron.ParseStandard(c.Workflow.SLASweep); err != nil {
			errs = append(errs, fmt.Sprintf("workflow.sla_sweep: %v", err))
		}
	}

	if !oneOf(c.Uploads.Driver, "memory", "minio") {
		errs = append(errs, fmt.Sprintf("uploads.driver %q must be memory or minio", c.Uploads.Driver))
	}
	if c.Uploads.Driver == "minio" {
		if c.Uploads.Endpoint == "" {
			errs = append(errs, "uploads.endpoint is required for minio")
		}
		if c.Uploads.Bucket == "" {
			errs = append(errs, "uploads.bucket is required for minio")
		}
	}
	if c.Uploads.Timeout <= 0 {
		errs = append(errs, "uploads.timeout must be positive")
	}

	if c.Idempotency.Enabled && !oneOf(c.Idempotency.Driver, "memory", "redis") {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Sequence.Driver == "redis" || (c.Idempotency.Enabled && c.Idempotency.Driver == "redis")
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// applyEnvOverrides reads INTRAFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INTRAFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("INTRAFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("INTRAFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("INTRAFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("INTRAFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("INTRAFLOW_SEQUENCE_DRIVER"); v != "" {
		cfg.Sequence.Driver = v
	}
	if v := os.Getenv("INTRAFLOW_UPLOADS_ACCESS_KEY"); v != "" {
		cfg.Uploads.AccessKey = v
	}
	if v := os.Getenv("INTRAFLOW_UPLOADS_SECRET_KEY"); v != "" {
		cfg.Uploads.SecretKey = v
	}
	if v := os.Getenv("INTRAFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("INTRAFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
