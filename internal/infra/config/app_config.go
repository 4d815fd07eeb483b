// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
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

// QuotaScope names the admission-control scope a counter applies to.
type QuotaScope string

const (
	// ScopeAccount counts reservations per connected account.
	ScopeAccount QuotaScope = "account"
	// ScopeApp counts reservations across the whole application.
	ScopeApp QuotaScope = "app"
)

// DestinationConfig carries the static per-destination limits and execution policy.
type DestinationConfig struct {
	// DailyLimit caps publishes per account per calendar day; 0 disables the check.
	DailyLimit int64 `yaml:"dailyLimit"`
	// AppDailyLimit caps cost units consumed app-wide per calendar day; 0 disables the check.
	AppDailyLimit int64 `yaml:"appDailyLimit"`
	// AppRPS is the destination's requests-per-second ceiling; 0 disables throttling.
	AppRPS float64 `yaml:"appRps"`
	// CostPerUnit is the quota cost of one publish for cost-weighted destinations;
	// 0 means fixed-count (one unit per publish).
	CostPerUnit int64 `yaml:"costPerUnit"`
	// ReleaseOnFailure returns consumed quota when an attempt fails. Most
	// destinations count attempts, not successes, so the default is false.
	ReleaseOnFailure bool `yaml:"releaseOnFailure"`
	// AuditApproved marks destinations cleared for production publishing.
	AuditApproved bool `yaml:"auditApproved"`
	// Workers sizes the destination's executor pool.
	Workers int `yaml:"workers"`
	// QueueDepth bounds the executor submission queue.
	QueueDepth int `yaml:"queueDepth"`
	// PublishTimeout bounds a single external publisher call.
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// SchedulerConfig tunes retry and queue-polling behaviour.
type SchedulerConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	// ParkDelay is how long a job waits after a token-expiry signal before
	// its next attempt, giving the refresh task time to act.
	ParkDelay    time.Duration `yaml:"parkDelay"`
	PollInterval time.Duration `yaml:"pollInterval"`
	DequeueBatch int           `yaml:"dequeueBatch"`
	ArchiveAfter time.Duration `yaml:"archiveAfter"`
}

// AdmissionConfig tunes quota windowing.
type AdmissionConfig struct {
	// ReferenceTimezone anchors calendar-day window boundaries. Daily quotas
	// for every account roll over at midnight in this zone.
	ReferenceTimezone string `yaml:"referenceTimezone"`
	// ThrottleWait bounds how long a worker blocks on the per-second ceiling
	// before the reservation is denied instead.
	ThrottleWait time.Duration `yaml:"throttleWait"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// RedisConfig controls the shared counter store connection. An empty address
// selects the in-process counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment                  `yaml:"environment"`
	Destinations map[string]DestinationConfig `yaml:"destinations"`
	Scheduler    SchedulerConfig              `yaml:"scheduler"`
	Admission    AdmissionConfig              `yaml:"admission"`
	Telemetry    TelemetryConfig              `yaml:"telemetry"`
	Database     DatabaseConfig               `yaml:"database"`
	Redis        RedisConfig                  `yaml:"redis"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/publora"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c *SchedulerConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.ParkDelay <= 0 {
		c.ParkDelay = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DequeueBatch <= 0 {
		c.DequeueBatch = 32
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = 7 * 24 * time.Hour
	}
}

func (c *AdmissionConfig) applyDefaults() {
	c.ReferenceTimezone = strings.TrimSpace(c.ReferenceTimezone)
	if c.ReferenceTimezone == "" {
		c.ReferenceTimezone = "UTC"
	}
	if c.ThrottleWait <= 0 {
		c.ThrottleWait = 2 * time.Second
	}
}

func (c *DestinationConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.Workers * 4
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
}

// Default returns the configuration used when no file is present: all nine
// supported destinations with their published platform limits.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Destinations: map[string]DestinationConfig{
			"twitter":   {DailyLimit: 100, AppDailyLimit: 1667, AppRPS: 1, AuditApproved: true},
			"facebook":  {DailyLimit: 50, AuditApproved: true},
			"instagram": {DailyLimit: 50, AuditApproved: true},
			"linkedin":  {DailyLimit: 100, AppDailyLimit: 5000, AuditApproved: true},
			"tiktok":    {DailyLimit: 15, AuditApproved: true, ReleaseOnFailure: true},
			"youtube":   {AppDailyLimit: 10000, CostPerUnit: 1600, AuditApproved: true},
			"pinterest": {DailyLimit: 15, AppRPS: 5, AuditApproved: true},
			"threads":   {DailyLimit: 250, AuditApproved: true},
			"bluesky":   {DailyLimit: 300, AppRPS: 10, AuditApproved: true},
		},
		Scheduler: SchedulerConfig{},
		Admission: AdmissionConfig{},
		Telemetry: TelemetryConfig{ServiceName: "publora", EnableMetrics: false},
		Database:  DatabaseConfig{},
		Redis:     RedisConfig{},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates the YAML configuration document at configPath.
func Load(configPath string) (AppConfig, error) {
	bytes, err := os.ReadFile(configPath)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads the document when present, otherwise returns defaults.
// The boolean reports whether a file was read.
func LoadOrDefault(configPath string) (AppConfig, bool, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), false, nil
	}
	cfg, err := Load(configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	normalised := make(map[string]DestinationConfig, len(c.Destinations))
	for name, dest := range c.Destinations {
		dest.applyDefaults()
		normalised[strings.ToLower(strings.TrimSpace(name))] = dest
	}
	c.Destinations = normalised

	c.Scheduler.applyDefaults()
	c.Admission.applyDefaults()
	c.Database.applyDefaults()
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
}

// Validate performs semantic validation on the configuration. A configuration
// error fails the process at startup rather than silently defaulting.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if len(c.Destinations) == 0 {
		return fmt.Errorf("at least one destination must be configured")
	}
	for name, dest := range c.Destinations {
		if err := dest.validate(); err != nil {
			return fmt.Errorf("destination %q: %w", name, err)
		}
	}

	if _, err := time.LoadLocation(c.Admission.ReferenceTimezone); err != nil {
		return fmt.Errorf("admission referenceTimezone: %w", err)
	}

	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler maxAttempts must be >0")
	}
	if c.Scheduler.InitialBackoff > c.Scheduler.MaxBackoff {
		return fmt.Errorf("scheduler initialBackoff must be <= maxBackoff")
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn required")
	}

	return nil
}

func (c DestinationConfig) validate() error {
	if c.DailyLimit < 0 {
		return fmt.Errorf("dailyLimit must be >=0")
	}
	if c.AppDailyLimit < 0 {
		return fmt.Errorf("appDailyLimit must be >=0")
	}
	if c.AppRPS < 0 {
		return fmt.Errorf("appRps must be >=0")
	}
	if c.CostPerUnit < 0 {
		return fmt.Errorf("costPerUnit must be >=0")
	}
	if c.CostPerUnit > 0 && c.AppDailyLimit <= 0 {
		return fmt.Errorf("costPerUnit requires appDailyLimit")
	}
	if c.CostPerUnit > 0 && c.CostPerUnit > c.AppDailyLimit {
		return fmt.Errorf("costPerUnit must not exceed appDailyLimit")
	}
	if c.DailyLimit == 0 && c.AppDailyLimit == 0 && c.AppRPS == 0 {
		return fmt.Errorf("at least one of dailyLimit, appDailyLimit, appRps required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be >0")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publishTimeout must be >0")
	}
	return nil
}
