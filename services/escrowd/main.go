package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"milestonescrow/config"
	"milestonescrow/core/events"
	"milestonescrow/observability/logging"
	telemetry "milestonescrow/observability/otel"
	"milestonescrow/services/escrowd/registry"
	"milestonescrow/services/escrowd/server"
	"milestonescrow/services/escrowd/store"
	"milestonescrow/services/escrowd/webhook"
)

const shutdownTimeout = 10 * time.Second

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultConfigPath(), "path to escrowd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup("escrowd", cfg.Environment, loggingOptions(cfg.Logging))
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	backend, err := newLedger(cfg.Ledger, logger)
	if err != nil {
		return err
	}

	queue := newQueue(cfg.WebhookQueue)
	var downstream events.Emitter = events.NoopEmitter{}
	var worker *webhook.Worker
	if subs := subscriptions(cfg.Webhooks); len(subs) > 0 {
		downstream = webhook.NewEmitter(queue)
		worker = webhook.NewWorker(queue, subs, webhook.WithLogger(logger))
	}

	reg, err := registry.New(st,
		registry.WithLedger(backend),
		registry.WithEmitter(downstream),
		registry.WithStakeTolerance(*cfg.Escrow.StakeTolerance),
		registry.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	srvCfg := serverConfig(cfg)
	srvCfg.Health = st
	srvCfg.Logger = logger
	api := server.New(reg, srvCfg)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(api, "escrowd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if worker != nil {
		go worker.Run(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", startupAttrs(cfg)...)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down escrowd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("listener failed", slog.Any("error", err))
		return err
	}
}

func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("ESCROWD_CONFIG")); path != "" {
		return path
	}
	return "escrowd.yaml"
}
