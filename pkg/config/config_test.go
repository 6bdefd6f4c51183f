package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/dunning/pkg/notify"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// clearEnv unsets every DUNNING_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, envPrefix) {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	clearEnv(t)
	t.Setenv("DUNNING_TEST_STRING", "custom")
	t.Setenv("DUNNING_TEST_BOOL", "1")
	t.Setenv("DUNNING_TEST_INT", "42")
	t.Setenv("DUNNING_TEST_BAD_INT", "forty-two")
	t.Setenv("DUNNING_TEST_FLOAT", "0.75")
	t.Setenv("DUNNING_TEST_DURATION", "90s")

	if got := getEnv("TEST_STRING", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_MISSING", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Errorf("getEnvBool() = %v, want true", got)
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %v, want default 7", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 0); got != 0.75 {
		t.Errorf("getEnvFloat() = %v, want 0.75", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.HealthPort != "9090" {
		t.Errorf("ports = %s/%s, want 8080/9090", cfg.Server.Port, cfg.Server.HealthPort)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %v, want memory", cfg.Storage.Type)
	}
	if cfg.Engine.CycleSchedule != "*/15 * * * *" {
		t.Errorf("Engine.CycleSchedule = %v", cfg.Engine.CycleSchedule)
	}
	if cfg.Engine.GatewayTimeout != 30*time.Second {
		t.Errorf("Engine.GatewayTimeout = %v, want 30s", cfg.Engine.GatewayTimeout)
	}
	if cfg.Engine.ManualRetryWindow != 10*time.Second {
		t.Errorf("Engine.ManualRetryWindow = %v, want 10s", cfg.Engine.ManualRetryWindow)
	}
	if cfg.Gateway.Type != "sandbox" {
		t.Errorf("Gateway.Type = %v, want sandbox", cfg.Gateway.Type)
	}
	if cfg.Observability.OTelServiceName != "dunningd" {
		t.Errorf("OTelServiceName = %v, want dunningd", cfg.Observability.OTelServiceName)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	env := map[string]string{
		"DUNNING_PORT":               "3000",
		"DUNNING_STORAGE_TYPE":       "postgres",
		"DUNNING_POSTGRES_URL":       "postgres://dunning@localhost/dunning",
		"DUNNING_POSTGRES_MAX_CONNS": "40",
		"DUNNING_REDIS_URL":          "redis://localhost:6379/1",
		"DUNNING_WORKERS":            "16",
		"DUNNING_CYCLE_SCHEDULE":     "0 * * * *",
		"DUNNING_GATEWAY":            "Stripe",
		"DUNNING_STRIPE_SECRET_KEY":  "sk_test_123",
		"DUNNING_RETRY_POLICY_FILE":  "/etc/dunning/policy.yaml",
		"DUNNING_ARCHIVE_ENABLED":    "true",
		"DUNNING_S3_BUCKET":          "invoices",
		"DUNNING_OTEL_SAMPLE_RATIO":  "0.1",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "3000" {
		t.Errorf("Server.Port = %v", cfg.Server.Port)
	}
	if cfg.Storage.PostgresMaxConns != 40 || cfg.Storage.RedisURL == "" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Engine.Workers != 16 || cfg.Engine.PolicyFile != "/etc/dunning/policy.yaml" {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Gateway.Type != "stripe" {
		t.Errorf("Gateway.Type = %v, want stripe", cfg.Gateway.Type)
	}
	if !cfg.Archive.Enabled || cfg.Archive.S3Prefix != "invoices" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if cfg.Observability.OTelSampleRatio != 0.1 {
		t.Errorf("OTelSampleRatio = %v", cfg.Observability.OTelSampleRatio)
	}
}

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Port: "8080", HealthPort: "9090"},
		Storage: storage.DefaultConfig(),
		Engine: EngineConfig{
			Workers:       4,
			TickInterval:  time.Minute,
			CycleSchedule: "*/15 * * * *",
			DueDays:       15,
			WarningRatio:  0.8,
		},
		Gateway: GatewayConfig{Type: "sandbox"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing server port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = "8080" }, "must be different"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "filesystem" }, "invalid storage type"},
		{"postgres without url", func(c *Config) { c.Storage.Type = "postgres" }, "postgres URL is required"},
		{"sqlite without path", func(c *Config) { c.Storage.Type = "sqlite"; c.Storage.SQLitePath = "" }, "sqlite path"},
		{"no workers", func(c *Config) { c.Engine.Workers = 0 }, "workers must be at least 1"},
		{"bad schedule", func(c *Config) { c.Engine.CycleSchedule = "every day" }, "invalid cycle schedule"},
		{"warning ratio", func(c *Config) { c.Engine.WarningRatio = 1.5 }, "warning ratio"},
		{"stripe without key", func(c *Config) { c.Gateway.Type = "stripe" }, "stripe secret key"},
		{"unknown gateway", func(c *Config) { c.Gateway.Type = "paypal" }, "invalid gateway"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "S3 bucket"},
		{"otel without endpoint", func(c *Config) {
			c.Observability = ObservabilityConfig{OTelEnabled: true, OTelServiceName: "dunningd"}
		}, "OpenTelemetry endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWebhookEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webhooks.yaml")
	content := `endpoints:
  - id: billing-ops
    url: https://ops.example.com/hooks
    secret: s3cr3t
    events: [issue.escalated, subscription.state_changed]
  - url: https://crm.example.com/hooks
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	endpoints, err := LoadWebhookEndpoints(path)
	if err != nil {
		t.Fatalf("LoadWebhookEndpoints() error = %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(endpoints))
	}
	if endpoints[0].Secret != "s3cr3t" || len(endpoints[0].Events) != 2 || endpoints[0].Events[0] != notify.EventIssueEscalated {
		t.Errorf("endpoint[0] = %+v", endpoints[0])
	}
	if endpoints[1].ID != "endpoint-2" {
		t.Errorf("endpoint[1].ID = %v, want endpoint-2", endpoints[1].ID)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("endpoints:\n  - id: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWebhookEndpoints(bad); err == nil || !strings.Contains(err.Error(), "no url") {
		t.Errorf("LoadWebhookEndpoints() error = %v, want missing url", err)
	}

	if _, err := LoadWebhookEndpoints(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadWebhookEndpoints() expected error for a missing file")
	}
}
