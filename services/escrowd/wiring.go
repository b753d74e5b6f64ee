package escrowd

import (
	"fmt"
	"log/slog"

	"milestonescrow/config"
	"milestonescrow/observability/logging"
	telemetry "milestonescrow/observability/otel"
	"milestonescrow/services/escrowd/ledger"
	"milestonescrow/services/escrowd/server"
	"milestonescrow/services/escrowd/webhook"
)

// newLedger builds the deposit and refund backend selected by cfg.
func newLedger(cfg config.LedgerConfig, logger *slog.Logger) (ledger.Backend, error) {
	var next ledger.Backend
	switch cfg.Mode {
	case config.LedgerModeMemory:
		mem := ledger.NewMemory(cfg.EscrowAccount, cfg.InitialBalance)
		for account, amount := range cfg.Balances {
			if err := mem.Credit(account, amount); err != nil {
				return nil, err
			}
		}
		next = mem
	case config.LedgerModeRPC:
		next = ledger.NewRPCClient(cfg.URL, cfg.AuthToken, cfg.EscrowAccount, cfg.Timeout.Duration)
	default:
		return nil, fmt.Errorf("unsupported ledger mode %q", cfg.Mode)
	}
	return ledger.Metered(next, logger), nil
}

func subscriptions(hooks []config.WebhookConfig) []webhook.Subscription {
	subs := make([]webhook.Subscription, 0, len(hooks))
	for i, hook := range hooks {
		subs = append(subs, webhook.Subscription{
			ID:        i + 1,
			URL:       hook.URL,
			Secret:    hook.Secret,
			Events:    append([]string(nil), hook.Events...),
			RateLimit: hook.RateLimit,
		})
	}
	return subs
}

func newQueue(cfg config.QueueConfig) *webhook.Queue {
	return webhook.NewQueue(
		webhook.WithCapacity(cfg.Capacity),
		webhook.WithTTL(cfg.TTL.Duration),
	)
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
	}
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName:        "escrowd",
		ServiceVersion:     cfg.Telemetry.ServiceVersion,
		Environment:        cfg.Environment,
		ResourceAttributes: cfg.Telemetry.ResourceAttributes,
		Endpoint:           cfg.Telemetry.Endpoint,
		Insecure:           cfg.Telemetry.Insecure,
		Headers:            cfg.Telemetry.Headers,
		Metrics:            cfg.Telemetry.Metrics,
		Traces:             cfg.Telemetry.Traces,
		TraceSampleRatio:   cfg.Telemetry.TraceSampleRatio,
		MetricInterval:     cfg.Telemetry.MetricInterval.Duration,
	}
}

func loggingOptions(cfg config.LoggingConfig) logging.Options {
	return logging.Options{
		Level:      cfg.Level,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// startupAttrs summarises the effective configuration with secrets masked.
func startupAttrs(cfg *config.Config) []any {
	attrs := []any{
		slog.String("listen", cfg.ListenAddress),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("ledger_mode", cfg.Ledger.Mode),
		slog.Int("webhooks", len(cfg.Webhooks)),
		slog.String("database_dsn", logging.MaskDSN(cfg.Database.DSN)),
	}
	if cfg.Ledger.AuthToken != "" {
		attrs = append(attrs, logging.MaskField("ledger_auth_token", cfg.Ledger.AuthToken))
	}
	if cfg.Auth.HMACSecret != "" {
		attrs = append(attrs, logging.MaskField("auth_hmac_secret", cfg.Auth.HMACSecret))
	}
	return attrs
}
