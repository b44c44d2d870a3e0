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
	Identity      IdentityConfig      `yaml:"identity"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Checklist     ChecklistConfig     `yaml:"checklist"`
	Answers       AnswersConfig       `yaml:"answers"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. The verification key
// is read from the environment variable named by KeyEnv: a shared secret
// for HS* algorithms or a PEM public key for RS*.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	KeyEnv     string            `yaml:"key_env"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// TemplatesConfig describes where to find document template YAML files.
type TemplatesConfig struct {
	Directories       []string `yaml:"directories"`
	HotReload         bool     `yaml:"hot_reload"` // reload on SIGHUP
	MaxConditionBytes int      `yaml:"max_condition_bytes"`
}

// ChecklistConfig describes checklist generation settings.
type ChecklistConfig struct {
	MaxConditionBytes int `yaml:"max_condition_bytes"`
}

// AnswersConfig bounds client-supplied intake answers.
type AnswersConfig struct {
	MaxKeys         int `yaml:"max_keys"`
	MaxStringLength int `yaml:"max_string_length"`
}

// StoreConfig describes case and checklist persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
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
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 << 10,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			KeyEnv:     "INTAKE_JWT_KEY",
			Algorithms: []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id":      "sub",
				"organization_id": "org_id",
				"email":           "email",
				"roles":           "roles",
			},
		},
		Templates: TemplatesConfig{
			Directories:       []string{"/templates"},
			HotReload:         true,
			MaxConditionBytes: 2 << 10,
		},
		Checklist: ChecklistConfig{
			MaxConditionBytes: 10 << 10,
		},
		Answers: AnswersConfig{
			MaxKeys:         200,
			MaxStringLength: 500,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "INTAKE_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "INTAKE_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
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

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.KeyEnv == "" {
		errs = append(errs, "identity.key_env is required")
	}
	if len(c.Templates.Directories) == 0 {
		errs = append(errs, "templates.directories must not be empty")
	}
	if c.Templates.MaxConditionBytes <= 0 {
		errs = append(errs, "templates.max_condition_bytes must be positive")
	}
	if c.Checklist.MaxConditionBytes < c.Templates.MaxConditionBytes {
		errs = append(errs, "checklist.max_condition_bytes must not be below templates.max_condition_bytes")
	}
	if c.Answers.MaxKeys <= 0 || c.Answers.MaxStringLength <= 0 {
		errs = append(errs, "answers limits must be positive")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads INTAKE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INTAKE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("INTAKE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("INTAKE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("INTAKE_TEMPLATES_DIRS"); v != "" {
		cfg.Templates.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("INTAKE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("INTAKE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
