package escrowd

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"milestonescrow/config"
)

func TestNewLedgerSelectsBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := context.Background()

	memory, err := newLedger(config.LedgerConfig{
		Mode:           config.LedgerModeMemory,
		EscrowAccount:  "escrow",
		InitialBalance: 50,
		Balances:       map[string]uint64{"bob": 30},
	}, logger)
	require.NoError(t, err)
	ref, err := memory.Transfer(ctx, "alice", 50)
	require.NoError(t, err)
	require.NotEmpty(t, ref)
	_, err = memory.Transfer(ctx, "alice", 1)
	require.Error(t, err)

	ref, err = memory.Collect(ctx, "bob", 30)
	require.NoError(t, err)
	require.NotEmpty(t, ref)
	_, err = memory.Collect(ctx, "bob", 1)
	require.Error(t, err)
	_, err = memory.Collect(ctx, "alice", 1)
	require.NoError(t, err)

	rpc, err := newLedger(config.LedgerConfig{Mode: config.LedgerModeRPC, URL: "http://127.0.0.1:1"}, logger)
	require.NoError(t, err)
	require.NotNil(t, rpc)

	_, err = newLedger(config.LedgerConfig{Mode: "carrier-pigeon"}, logger)
	require.Error(t, err)
}

func TestSubscriptionsFromConfig(t *testing.T) {
	subs := subscriptions([]config.WebhookConfig{
		{URL: "https://a.example/hook", Secret: "one", Events: []string{"agreement.created"}, RateLimit: 5},
		{URL: "https://b.example/hook"},
	})
	require.Len(t, subs, 2)
	require.Equal(t, 1, subs[0].ID)
	require.Equal(t, 2, subs[1].ID)
	require.True(t, subs[0].Matches("agreement.created"))
	require.False(t, subs[0].Matches("agreement.funds_revoked"))
	require.True(t, subs[1].Matches("agreement.funds_revoked"))
}

func TestStartupAttrsMaskSecrets(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "escrowd.yaml"))
	require.NoError(t, err)
	cfg.Auth.HMACSecret = "super-secret-value"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("startup", startupAttrs(cfg)...)
	require.NotContains(t, buf.String(), "super-secret-value")
	require.Contains(t, buf.String(), `"ledger_mode":"memory"`)

	srv := serverConfig(cfg)
	require.Equal(t, float64(config.DefaultRequestsPerMin), srv.RateLimit.RequestsPerMinute)
	require.Equal(t, config.DefaultClockSkew, srv.Auth.ClockSkew)
}

func TestTelemetryConfigCarriesResource(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "escrowd.yaml"))
	require.NoError(t, err)
	cfg.Environment = "staging"
	cfg.Telemetry.ServiceVersion = "1.4.0"
	cfg.Telemetry.ResourceAttributes = map[string]string{"service.namespace": "payments"}
	cfg.Telemetry.TraceSampleRatio = 0.5
	cfg.Telemetry.MetricInterval.Duration = 30 * time.Second

	tc := telemetryConfig(cfg)
	require.Equal(t, "escrowd", tc.ServiceName)
	require.Equal(t, "1.4.0", tc.ServiceVersion)
	require.Equal(t, "staging", tc.Environment)
	require.Equal(t, "payments", tc.ResourceAttributes["service.namespace"])
	require.Equal(t, 0.5, tc.TraceSampleRatio)
	require.Equal(t, 30*time.Second, tc.MetricInterval)
}
