// Package config loads dunningd configuration from DUNNING_ environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	DUNNING_HOST="0.0.0.0"
//	DUNNING_PORT="8080"
//	DUNNING_HEALTH_PORT="9090"
//	DUNNING_SHUTDOWN_TIMEOUT="30s"
//
// Storage and locks:
//
//	DUNNING_STORAGE_TYPE="postgres"  # memory, postgres, sqlite
//	DUNNING_POSTGRES_URL="postgres://localhost/dunning?sslmode=disable"
//	DUNNING_SQLITE_PATH="file:dunning.db?cache=shared"
//	DUNNING_REDIS_URL="redis://localhost:6379"  # enables distributed locks and API rate limits
//
// Recovery engine:
//
//	DUNNING_WORKERS="8"
//	DUNNING_TICK_INTERVAL="1m"
//	DUNNING_CYCLE_SCHEDULE="*/15 * * * *"
//	DUNNING_GATEWAY_TIMEOUT="30s"
//	DUNNING_RETRY_POLICY_FILE="/etc/dunning/policy.yaml"
//	DUNNING_GATEWAY="stripe"  # sandbox, stripe
//	DUNNING_STRIPE_SECRET_KEY="sk_live_..."
//
// Notifications:
//
//	DUNNING_WEBHOOKS_FILE="/etc/dunning/webhooks.yaml"
//	DUNNING_WEBHOOK_RETRY_INTERVAL="30s"
//
// API, archive and observability:
//
//	DUNNING_OIDC_ISSUER="https://auth.example.com/"
//	DUNNING_API_RATE_LIMIT="600"
//	DUNNING_ARCHIVE_ENABLED="true"
//	DUNNING_S3_BUCKET="dunning-invoices"
//	DUNNING_LOG_LEVEL="info"
//	DUNNING_OTEL_ENABLED="true"
//	DUNNING_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	endpoints, err := config.LoadWebhookEndpoints(cfg.Notify.WebhooksFile)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/recovery: Uses engine configuration
//   - pkg/observability: Uses observability configuration
package config
