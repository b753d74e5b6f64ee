package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so human readable strings ("5s", "2m") can be
// used in both YAML and TOML files.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Escrow        EscrowConfig    `yaml:"escrow" toml:"escrow"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Webhooks      []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
	WebhookQueue  QueueConfig     `yaml:"webhook_queue" toml:"webhook_queue"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the agreement store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// EscrowConfig tunes the agreement state machine.
type EscrowConfig struct {
	// StakeTolerance is the accepted distance between deposit and price.
	StakeTolerance *uint64 `yaml:"stake_tolerance" toml:"stake_tolerance"`
}

// LedgerConfig configures the ledger that takes deposits and pays refunds.
type LedgerConfig struct {
	Mode           string   `yaml:"mode" toml:"mode"`
	URL            string   `yaml:"url" toml:"url"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AuthTokenEnv   string   `yaml:"auth_token_env" toml:"auth_token_env"`
	AuthTokenFile  string   `yaml:"auth_token_file" toml:"auth_token_file"`
	EscrowAccount  string   `yaml:"escrow_account" toml:"escrow_account"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	InitialBalance uint64   `yaml:"initial_balance" toml:"initial_balance"`
	// Balances seeds party accounts of the memory ledger.
	Balances map[string]uint64 `yaml:"balances" toml:"balances"`
}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds request throughput per caller.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// WebhookConfig describes a webhook subscription.
type WebhookConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	Secret    string   `yaml:"secret" toml:"secret"`
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
	Events    []string `yaml:"events" toml:"events"`
	RateLimit int      `yaml:"rate_limit" toml:"rate_limit"`
}

// QueueConfig bounds the in-memory webhook queue.
type QueueConfig struct {
	Capacity int      `yaml:"capacity" toml:"capacity"`
	TTL      Duration `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Endpoint           string            `yaml:"endpoint" toml:"endpoint"`
	Insecure           bool              `yaml:"insecure" toml:"insecure"`
	Headers            map[string]string `yaml:"headers" toml:"headers"`
	Metrics            bool              `yaml:"metrics" toml:"metrics"`
	Traces             bool              `yaml:"traces" toml:"traces"`
	ServiceVersion     string            `yaml:"service_version" toml:"service_version"`
	ResourceAttributes map[string]string `yaml:"resource_attributes" toml:"resource_attributes"`
	TraceSampleRatio   float64           `yaml:"trace_sample_ratio" toml:"trace_sample_ratio"`
	MetricInterval     Duration          `yaml:"metric_interval" toml:"metric_interval"`
}
