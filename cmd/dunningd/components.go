package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/dunning/pkg/archive"
	"github.com/platinummonkey/dunning/pkg/config"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/middleware"
	"github.com/platinummonkey/dunning/pkg/notify"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/payments"
	"github.com/platinummonkey/dunning/pkg/retry"
	"github.com/platinummonkey/dunning/pkg/storage"
	"github.com/platinummonkey/dunning/pkg/storage/sqlstore"
)

// openStore returns the configured store, its SQL handle when it has one, and a closer.
func openStore(ctx context.Context, cfg storage.Config) (storage.Store, *sql.DB, func() error, error) {
	if cfg.Type == "memory" {
		return storage.NewMemoryStore(), nil, func() error { return nil }, nil
	}
	store, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, store.DB(), store.Close, nil
}

// openLocker uses Redis locks when a Redis URL is configured, in-process locks otherwise.
func openLocker(ctx context.Context, cfg *config.Config) (locks.Locker, *redis.Client, error) {
	if cfg.Storage.RedisURL == "" {
		return locks.NewLocal(), nil, nil
	}
	client, err := locks.OpenRedis(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	return locks.NewRedis(client, "dunning", locks.WithTTL(cfg.Engine.LockTTL)), client, nil
}

func newGateway(cfg config.GatewayConfig) (payments.Gateway, error) {
	switch cfg.Type {
	case "sandbox":
		return payments.NewSandboxGateway(), nil
	case "stripe":
		return payments.NewStripeGateway(cfg.StripeKey), nil
	default:
		return nil, fmt.Errorf("unknown gateway %q", cfg.Type)
	}
}

// newNotifier fans events out to the log and, when a webhooks file is configured, to
// the webhook endpoints. The webhook notifier is returned separately for shutdown.
func newNotifier(cfg config.NotifyConfig, logger *observability.Logger, metrics *observability.Metrics) (notify.Notifier, *notify.WebhookNotifier, error) {
	var fanout notify.Multi
	if cfg.LogEvents {
		fanout = append(fanout, notify.NewLogNotifier(logger))
	}

	var webhooks *notify.WebhookNotifier
	if cfg.WebhooksFile != "" {
		endpoints, err := config.LoadWebhookEndpoints(cfg.WebhooksFile)
		if err != nil {
			return nil, nil, err
		}
		webhooks, err = notify.NewWebhookNotifier(endpoints, logger,
			notify.WithMetrics(metrics),
			notify.WithRateLimit(cfg.RateLimitPerMinute),
		)
		if err != nil {
			return nil, nil, err
		}
		fanout = append(fanout, webhooks)
	}

	if len(fanout) == 0 {
		return notify.Nop(), nil, nil
	}
	return fanout, webhooks, nil
}

func newPolicy(path string) (*retry.PolicyStore, error) {
	if path == "" {
		return retry.NewPolicyStore(retry.DefaultPolicy()), nil
	}
	p, err := retry.LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return retry.NewPolicyStore(p), nil
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.S3Archive, error) {
	return archive.NewS3Archive(ctx, archive.Options{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		Bucket:       cfg.S3Bucket,
		Prefix:       cfg.S3Prefix,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
	})
}

// newAPILimiter shares counters through Redis when available.
func newAPILimiter(cfg config.APIConfig, client *redis.Client) middleware.Limiter {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	rl := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.RateLimitBurst,
	}
	if client != nil {
		return middleware.NewDistributedRateLimiter(client, rl, "dunning:ratelimit")
	}
	return middleware.NewRateLimiter(rl, nil)
}

func newVerifier(ctx context.Context, cfg config.APIConfig) (middleware.TokenVerifier, error) {
	if cfg.OIDCIssuer == "" {
		return nil, nil
	}
	return middleware.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCAudience)
}

func newMetrics(enabled bool) (*observability.Metrics, *prometheus.Registry) {
	if !enabled {
		return nil, nil
	}
	registry := prometheus.NewRegistry()
	return observability.NewMetrics(registry), registry
}
