package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks cross-field constraints after defaults have been applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database: dsn must be configured")
	}
	switch cfg.Ledger.Mode {
	case LedgerModeMemory:
	case LedgerModeRPC:
		if err := validateURL(cfg.Ledger.URL); err != nil {
			return fmt.Errorf("ledger: url: %w", err)
		}
	default:
		return fmt.Errorf("ledger: unsupported mode %q", cfg.Ledger.Mode)
	}
	if strings.TrimSpace(cfg.Ledger.EscrowAccount) == "" {
		return fmt.Errorf("ledger: escrow_account must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if cfg.WebhookQueue.Capacity < 0 {
		return fmt.Errorf("webhook_queue: capacity must not be negative")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry: trace_sample_ratio must lie in [0, 1]")
	}
	for i, hook := range cfg.Webhooks {
		if err := validateURL(hook.URL); err != nil {
			return fmt.Errorf("webhooks[%d]: url: %w", i, err)
		}
		if hook.RateLimit < 0 {
			return fmt.Errorf("webhooks[%d]: rate_limit must not be negative", i)
		}
	}
	return nil
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("must be configured")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
