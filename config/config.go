// Package config centralises runtime configuration helpers for Publora services.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment identifies the runtime environment where Publora operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// DatabaseSettings carries Postgres connection settings resolved from the
// process environment.
type DatabaseSettings struct {
	DSN string
}

// RedisSettings carries Redis connection settings resolved from the process
// environment.
type RedisSettings struct {
	Addr     string
	Password string
	DB       int
}

// Settings contains process-level configuration resolved before the
// application config file is loaded.
type Settings struct {
	Environment Environment
	// ConfigPath points at the application YAML; empty means the default path.
	ConfigPath string
	Telemetry  TelemetryConfig
	Database   DatabaseSettings
	Redis      RedisSettings
}

// Default returns the default Publora process configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		ConfigPath:  "config/publora.yaml",
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "publora-scheduler",
		},
		Database: DatabaseSettings{DSN: ""},
		Redis:    RedisSettings{Addr: "", Password: "", DB: 0},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("PUBLORA_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if path := strings.TrimSpace(os.Getenv("PUBLORA_CONFIG")); path != "" {
		cfg.ConfigPath = path
	}
	if v := strings.TrimSpace(os.Getenv("PUBLORA_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBLORA_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBLORA_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBLORA_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBLORA_REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBLORA_REDIS_DB")); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			cfg.Redis.DB = db
		}
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithConfigPath overrides the application config file path.
func WithConfigPath(path string) Option {
	path = strings.TrimSpace(path)
	return func(s *Settings) {
		if path != "" {
			s.ConfigPath = path
		}
	}
}

// WithTelemetryEndpoint overrides the OTLP collector endpoint.
func WithTelemetryEndpoint(endpoint string) Option {
	endpoint = strings.TrimSpace(endpoint)
	return func(s *Settings) {
		if endpoint != "" {
			s.Telemetry.OTLPEndpoint = endpoint
		}
	}
}

// WithDatabaseDSN overrides the Postgres connection string.
func WithDatabaseDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(s *Settings) {
		if dsn != "" {
			s.Database.DSN = dsn
		}
	}
}

// WithRedis overrides the Redis connection settings.
func WithRedis(addr, password string, db int) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Redis.Addr = addr
		}
		if password != "" {
			s.Redis.Password = password
		}
		if db >= 0 {
			s.Redis.DB = db
		}
	}
}
