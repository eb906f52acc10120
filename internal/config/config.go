// Package config handles YAML configuration loading with environment variable
// expansion, plus first-run database seeding.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Orgs      []OrgEntry      `yaml:"orgs"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds fast-tier cache and rate limiter settings. An empty
// address disables the fast tier and rate limiting degrades to allow-all.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds the tenant key salt and the credential sealing secret.
// Both are required; there are no safe defaults for either.
type AuthConfig struct {
	KeySalt   string `yaml:"key_salt"`
	SecretKey string `yaml:"secret_key"`
}

// PipelineConfig bounds request processing.
type PipelineConfig struct {
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"` // per upstream attempt
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // end to end, including failover
}

// CacheConfig holds response cache settings. TTL bounds the durable tier;
// FastTTL bounds the Redis fast tier independently.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	FastTTL time.Duration `yaml:"fast_ttl"`
}

// LedgerConfig tunes the async usage ledger writer.
type LedgerConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DrainDeadline time.Duration `yaml:"drain_deadline"`
}

// AlertsConfig holds scheduler and SMTP delivery settings.
type AlertsConfig struct {
	Interval time.Duration `yaml:"interval"`
	SMTP     SMTPConfig    `yaml:"smtp"`
}

// SMTPConfig configures the email alert channel. Empty host disables email
// delivery; email channels then fail permanently at send time.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// OrgEntry seeds a tenant and its provider credentials on first run.
type OrgEntry struct {
	Name      string          `yaml:"name"`
	APIKey    string          `yaml:"api_key"` // plaintext, hashed on bootstrap
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry seeds one upstream provider config for a tenant.
type ProviderEntry struct {
	Provider string `yaml:"provider"` // openai, anthropic, mistral, groq
	APIKey   string `yaml:"api_key"`  // plaintext, sealed on bootstrap
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "cognitude.db",
		},
		Pipeline: PipelineConfig{
			UpstreamTimeout: 30 * time.Second,
			RequestTimeout:  35 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
			FastTTL: time.Hour,
		},
		Ledger: LedgerConfig{
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
			DrainDeadline: 5 * time.Second,
		},
		Alerts: AlertsConfig{
			Interval: 15 * time.Minute,
			SMTP:     SMTPConfig{Port: 587},
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

func (c *Config) validate() error {
	if c.Auth.KeySalt == "" {
		return errors.New("config: auth.key_salt is required")
	}
	if c.Auth.SecretKey == "" {
		return errors.New("config: auth.secret_key is required")
	}
	if c.Pipeline.UpstreamTimeout >= c.Pipeline.RequestTimeout {
		return errors.New("config: pipeline.request_timeout must exceed upstream_timeout")
	}
	return nil
}
