package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/dunning/pkg/api"
	"github.com/platinummonkey/dunning/pkg/config"
	"github.com/platinummonkey/dunning/pkg/middleware"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/recovery"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	checkConfig := flag.Bool("check-config", false, "validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	boot := setupLogger(os.Getenv("DUNNING_LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		boot.Fatalf("Invalid configuration: %v", err)
	}
	if *checkConfig {
		boot.Info("Configuration is valid")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, boot); err != nil {
		boot.Fatalf("dunningd: %v", err)
	}
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func run(ctx context.Context, cfg *config.Config, boot *logrus.Logger) error {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)
	observability.SetDefault(logger)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Observability.OTelEnvironment,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}
	gatewayInstruments, err := observability.NewGatewayInstruments()
	if err != nil {
		return fmt.Errorf("gateway instruments: %w", err)
	}
	metrics, registry := newMetrics(cfg.Observability.MetricsEnabled)

	store, db, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Type, err)
	}
	boot.WithField("type", cfg.Storage.Type).Info("Store opened")

	locker, redisClient, err := openLocker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	gateway, err := newGateway(cfg.Gateway)
	if err != nil {
		return err
	}

	notifier, webhooks, err := newNotifier(cfg.Notify, logger, metrics)
	if err != nil {
		return fmt.Errorf("webhooks: %w", err)
	}
	if webhooks != nil {
		webhooks.StartRetries(ctx, cfg.Notify.RetryInterval)
	}

	policy, err := newPolicy(cfg.Engine.PolicyFile)
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	if cfg.Engine.PolicyFile != "" {
		if err := policy.Watch(ctx, cfg.Engine.PolicyFile, logger); err != nil {
			logger.WithError(err).Warn("Retry policy reload disabled")
		}
	}

	checker := observability.NewHealthChecker(db, redisClient)
	checker.SetVersion(version)

	opts := []recovery.Option{
		recovery.WithMetrics(metrics),
		recovery.WithGatewayInstruments(gatewayInstruments),
		recovery.WithNotifier(notifier),
		recovery.WithPolicy(policy),
		recovery.WithWorkers(cfg.Engine.Workers, cfg.Engine.TaskTimeout),
		recovery.WithTickInterval(cfg.Engine.TickInterval),
		recovery.WithCycleSchedule(cfg.Engine.CycleSchedule),
		recovery.WithDueDays(cfg.Engine.DueDays),
		recovery.WithGatewayTimeout(cfg.Engine.GatewayTimeout),
		recovery.WithWarningRatio(cfg.Engine.WarningRatio),
		recovery.WithManualRetryWindow(cfg.Engine.ManualRetryWindow),
	}
	if cfg.Archive.Enabled {
		arc, err := newArchive(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		opts = append(opts, recovery.WithArchive(arc))
		checker.AddCheck("archive", false, arc.HealthCheck)
	}

	engine := recovery.New(store, gateway, locker, logger, opts...)
	// Tasks drain on Stop rather than being cancelled by the shutdown signal.
	if err := engine.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start recovery engine: %w", err)
	}

	apiOpts := []api.Option{api.WithMetrics(metrics)}
	verifier, err := newVerifier(ctx, cfg.API)
	if err != nil {
		return fmt.Errorf("oidc: %w", err)
	}
	if verifier != nil {
		apiOpts = append(apiOpts, api.WithAuth(verifier))
	}
	if limiter := newAPILimiter(cfg.API, redisClient); limiter != nil {
		if local, ok := limiter.(*middleware.RateLimiter); ok {
			local.StartCleanup(ctx)
		}
		apiOpts = append(apiOpts, api.WithRateLimiter(limiter))
	}
	server := api.NewServer(engine, logger, apiOpts...)

	apiSrv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if registry != nil {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthSrv := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiSrv, healthSrv)
	shutdown.Register("recovery engine", func(context.Context) error {
		return engine.Stop(cfg.Server.ShutdownTimeout)
	})
	if webhooks != nil {
		shutdown.Register("webhooks", func(context.Context) error {
			webhooks.StopRetries()
			webhooks.Wait()
			return nil
		})
	}
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("store", func(context.Context) error { return closeStore() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiSrv, logger, "api") })
	g.Go(func() error { return serve(healthSrv, logger, "health") })
	g.Go(func() error { return shutdown.WaitForShutdown(gctx) })

	return g.Wait()
}

// serve returns nil once the server is shut down cleanly.
func serve(srv *http.Server, logger *observability.Logger, name string) error {
	logger.WithFields(map[string]interface{}{"server": name, "addr": srv.Addr}).Info("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
