package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddress  = ":7090"
	DefaultDatabaseDriver = "sqlite"
	DefaultDatabaseDSN    = "escrowd.db"
	DefaultEscrowAccount  = "escrow"
	DefaultLedgerTimeout  = 10 * time.Second
	DefaultQueueCapacity  = 256
	DefaultQueueTTL       = 15 * time.Minute
	DefaultRequestsPerMin = 120
	DefaultBurst          = 20
	DefaultClockSkew      = 2 * time.Minute
	LedgerModeMemory      = "memory"
	LedgerModeRPC         = "rpc"
)

// Load reads the configuration at path. Files ending in .toml are decoded with
// the TOML decoder, anything else as YAML. A missing file is created with the
// defaults so a fresh checkout can start without hand-written configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if isTOML(path) {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(contents))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && len(bytes.TrimSpace(contents)) > 0 {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(cfg)
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isTOML(path) {
		return toml.NewEncoder(f).Encode(cfg)
	}
	enc := yaml.NewEncoder(f)
	defer enc.Close()
	return enc.Encode(cfg)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DefaultDatabaseDriver
	}
	if cfg.Database.DSN == "" && cfg.Database.DSNEnv == "" {
		cfg.Database.DSN = DefaultDatabaseDSN
	}
	if cfg.Escrow.StakeTolerance == nil {
		tolerance := uint64(10)
		cfg.Escrow.StakeTolerance = &tolerance
	}
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = LedgerModeMemory
	}
	if cfg.Ledger.EscrowAccount == "" {
		cfg.Ledger.EscrowAccount = DefaultEscrowAccount
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = DefaultLedgerTimeout
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = DefaultClockSkew
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = DefaultRequestsPerMin
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = DefaultBurst
	}
	if cfg.WebhookQueue.Capacity == 0 {
		cfg.WebhookQueue.Capacity = DefaultQueueCapacity
	}
	if cfg.WebhookQueue.TTL.Duration == 0 {
		cfg.WebhookQueue.TTL.Duration = DefaultQueueTTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB == 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups == 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays == 0 {
			cfg.Logging.MaxAgeDays = 28
		}
	}
}

// normalise resolves secrets supplied indirectly through environment variables
// or files.
func (c *Config) normalise() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Ledger.Mode = strings.ToLower(strings.TrimSpace(c.Ledger.Mode))

	dsn, err := resolveSecret(c.Database.DSN, c.Database.DSNEnv, "")
	if err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	c.Database.DSN = dsn

	token, err := resolveSecret(c.Ledger.AuthToken, c.Ledger.AuthTokenEnv, c.Ledger.AuthTokenFile)
	if err != nil {
		return fmt.Errorf("ledger auth token: %w", err)
	}
	c.Ledger.AuthToken = token

	secret, err := resolveSecret(c.Auth.HMACSecret, c.Auth.HMACSecretEnv, c.Auth.HMACSecretFile)
	if err != nil {
		return fmt.Errorf("auth hmac secret: %w", err)
	}
	c.Auth.HMACSecret = secret

	for i := range c.Webhooks {
		hook := &c.Webhooks[i]
		hook.URL = strings.TrimSpace(hook.URL)
		value, err := resolveSecret(hook.Secret, hook.SecretEnv, "")
		if err != nil {
			return fmt.Errorf("webhook %s secret: %w", hook.URL, err)
		}
		hook.Secret = value
	}
	return nil
}

func resolveSecret(value, envName, path string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	envName = strings.TrimSpace(envName)
	path = strings.TrimSpace(path)
	switch {
	case envName != "":
		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("env %s is empty", envName)
		}
		return resolved, nil
	case path != "":
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
