// Package config provides configuration structures and loading logic for the governor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-governance/pkg/domain"
)

// Config holds the global configuration for the governor.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Authz     AuthzConfig     `yaml:"authz"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AuditRateLimit caps audit export, report and verify calls per caller per minute. Zero disables it.
	AuditRateLimit int        `yaml:"audit_rate_limit"`
	TLS            *TLSConfig `yaml:"tls,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	// Headers are sent with every OTLP export, e.g. collector credentials.
	Headers map[string]string `yaml:"headers"`
	// ResourceAttributes are attached to every exported span.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// CacheConfig sizes the decision cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// AuthzConfig tunes the permission resolver.
type AuthzConfig struct {
	MaxDepth      int           `yaml:"max_depth"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	// BreakerThreshold consecutive lookup failures open the directory breaker.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// PolicyConfig tunes the rule engine.
type PolicyConfig struct {
	Workers           int           `yaml:"workers"`
	RuleTimeout       time.Duration `yaml:"rule_timeout"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	DedupWindow       time.Duration `yaml:"dedup_window"`
	WindowCapacity    int           `yaml:"window_capacity"`
	CustomTimeout     time.Duration `yaml:"custom_timeout"`
	MaxInputBytes     int           `yaml:"max_input_bytes"`
	// CustomConcurrency caps custom rules evaluating at once; zero means GOMAXPROCS.
	CustomConcurrency int `yaml:"custom_concurrency"`
	// MaxHeapGrowthBytes cancels custom rules once the heap grows this much while they run.
	MaxHeapGrowthBytes uint64 `yaml:"max_heap_growth_bytes"`
}

// AuditConfig tunes the audit pipeline.
type AuditConfig struct {
	Algorithm       string        `yaml:"algorithm"`
	QueueSize       int           `yaml:"queue_size"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SyncSeverity    string        `yaml:"sync_severity"`
	ReplayWorkers   int           `yaml:"replay_workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Replay          bool          `yaml:"replay"`
}

// StorageConfig selects the audit store and the governance snapshot file.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver       string `yaml:"driver"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	MaxConns     int32  `yaml:"max_conns"`
	SnapshotFile string `yaml:"snapshot_file"`
}

// RedisConfig enables the audit index and the cache invalidation bus. An empty
// address disables both.
type RedisConfig struct {
	Address     string `yaml:"address"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	IndexPrefix string `yaml:"index_prefix"`
}

// Enabled reports whether a redis server is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Address) != ""
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AuditRateLimit:  10,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-governor"},
		Logging:   LoggingConfig{Level: "info"},
		Cache:     CacheConfig{TTL: 5 * time.Minute, MaxEntries: 10000},
		Authz: AuthzConfig{
			MaxDepth:         32,
			LookupTimeout:    2 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Policy: PolicyConfig{
			Workers:            8,
			RuleTimeout:        2 * time.Second,
			EvaluationTimeout:  5 * time.Second,
			DedupWindow:        30 * time.Second,
			WindowCapacity:     1024,
			CustomTimeout:      time.Second,
			MaxInputBytes:      1 << 20,
			MaxHeapGrowthBytes: 256 << 20,
		},
		Audit: AuditConfig{
			Algorithm:       "sha256",
			QueueSize:       10000,
			BatchSize:       100,
			FlushInterval:   time.Second,
			SyncSeverity:    string(domain.SeverityHigh),
			ReplayWorkers:   4,
			ShutdownTimeout: 10 * time.Second,
			Replay:          true,
		},
		Storage: StorageConfig{Driver: "memory", MaxConns: 10},
		Redis:   RedisConfig{IndexPrefix: "governance:audit:idx"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("GOVERNOR_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("GOVERNOR_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GOVERNOR_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("GOVERNOR_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("GOVERNOR_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GOVERNOR_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("GOVERNOR_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("GOVERNOR_POSTGRES_DSN"); val != "" {
		cfg.Storage.PostgresDSN = val
	}
	if val := os.Getenv("GOVERNOR_SNAPSHOT_FILE"); val != "" {
		cfg.Storage.SnapshotFile = val
	}

	if val := os.Getenv("GOVERNOR_REDIS_ADDR"); val != "" {
		cfg.Redis.Address = val
	}
	if val := os.Getenv("GOVERNOR_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("GOVERNOR_REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return NewConfigValidationError("GOVERNOR_REDIS_DB", val, "must be an integer")
		}
		cfg.Redis.DB = db
	}

	if val := os.Getenv("GOVERNOR_AUDIT_ALGORITHM"); val != "" {
		cfg.Audit.Algorithm = val
	}
	if val := os.Getenv("GOVERNOR_CACHE_TTL"); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return NewConfigValidationError("GOVERNOR_CACHE_TTL", val, err.Error())
		}
		cfg.Cache.TTL = ttl
	}

	if val := os.Getenv("GOVERNOR_TLS_ENABLED"); val == "true" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
	}
	if val := os.Getenv("GOVERNOR_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("GOVERNOR_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
	return nil
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	if err := c.Authz.Validate(); err != nil {
		return fmt.Errorf("authz configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8090"
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return NewConfigValidationError("server timeouts", nil, "must not be negative")
	}
	if c.AuditRateLimit < 0 {
		return NewConfigValidationError("server.audit_rate_limit", c.AuditRateLimit, "must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-governor"
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be within [0, 1]")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of cache configuration
func (c *CacheConfig) Validate() error {
	if c.TTL < 0 {
		return NewConfigValidationError("ttl", c.TTL, "must not be negative")
	}
	if c.MaxEntries < 0 {
		return NewConfigValidationError("max_entries", c.MaxEntries, "must not be negative")
	}
	return nil
}

// Validate performs validation of resolver configuration
func (c *AuthzConfig) Validate() error {
	if c.MaxDepth < 0 {
		return NewConfigValidationError("max_depth", c.MaxDepth, "must not be negative")
	}
	if c.BreakerThreshold < 0 {
		return NewConfigValidationError("breaker_threshold", c.BreakerThreshold, "must not be negative")
	}
	return nil
}

// Validate performs validation of rule engine configuration
func (c *PolicyConfig) Validate() error {
	if c.Workers < 0 {
		return NewConfigValidationError("workers", c.Workers, "must not be negative")
	}
	if c.CustomConcurrency < 0 {
		return NewConfigValidationError("custom_concurrency", c.CustomConcurrency, "must not be negative")
	}
	if c.RuleTimeout > 0 && c.EvaluationTimeout > 0 && c.RuleTimeout > c.EvaluationTimeout {
		return NewConfigValidationError("rule_timeout", c.RuleTimeout, "exceeds evaluation_timeout").
			WithSuggestion("A single rule cannot outlive the evaluation that runs it")
	}
	return nil
}

// Validate performs validation of audit configuration
func (c *AuditConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Algorithm)) {
	case "", "sha256", "blake3":
	default:
		return NewConfigValidationError("algorithm", c.Algorithm, "unsupported hash algorithm").
			WithSuggestion("Use sha256 or blake3")
	}
	if c.SyncSeverity != "" {
		if _, err := domain.ParseSeverity(c.SyncSeverity); err != nil {
			return NewConfigValidationError("sync_severity", c.SyncSeverity, err.Error())
		}
	}
	if c.QueueSize < 0 || c.BatchSize < 0 {
		return NewConfigValidationError("queue_size", c.QueueSize, "sizes must not be negative")
	}
	if c.QueueSize > 0 && c.BatchSize > c.QueueSize {
		return NewConfigValidationError("batch_size", c.BatchSize, "exceeds queue_size")
	}
	return nil
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "memory":
		c.Driver = "memory"
	case "postgres":
		c.Driver = driver
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return NewConfigMissingError("postgres_dsn").
				WithSuggestion("Set GOVERNOR_POSTGRES_DSN or storage.postgres_dsn")
		}
	default:
		return NewConfigValidationError("driver", c.Driver, "supported drivers: memory, postgres")
	}
	return nil
}
