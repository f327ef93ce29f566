package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extractplane.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 6161 {
		t.Errorf("expected HTTPPort 6161, got %d", cfg.HTTPPort)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.Queue.Lease != 5*time.Minute {
		t.Errorf("expected queue lease 5m, got %v", cfg.Queue.Lease)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RetryBackoff != 0 {
		t.Errorf("expected zero retry backoff, got %v", cfg.Queue.RetryBackoff)
	}
	if cfg.Preview.PortBase != 3200 || cfg.Preview.PortCount != 100 {
		t.Errorf("expected port range 3200+100, got %d+%d", cfg.Preview.PortBase, cfg.Preview.PortCount)
	}
	if cfg.Preview.ReadyTimeout != 30*time.Second {
		t.Errorf("expected ready timeout 30s, got %v", cfg.Preview.ReadyTimeout)
	}
	if cfg.Preview.GracePeriod != 5*time.Second {
		t.Errorf("expected grace period 5s, got %v", cfg.Preview.GracePeriod)
	}
	if got := cfg.Preview.StartCommandArgs(); len(got) != 6 || got[5] != "{port}" {
		t.Errorf("unexpected start command %v", got)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("expected WorkerConcurrency 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval != 1*time.Second {
		t.Errorf("expected WorkerPollInterval 1s, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.HeartbeatInterval != time.Minute {
		t.Errorf("expected WorkerHeartbeatInterval 1m, got %v", cfg.Worker.HeartbeatInterval)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("PORT", "9999")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("QUEUE_LEASE", "90s")
	t.Setenv("QUEUE_RETRY_BACKOFF", "10s")
	t.Setenv("PREVIEW_PORT_BASE", "4000")
	t.Setenv("PREVIEW_PORT_COUNT", "10")
	t.Setenv("PREVIEW_RATE_LIMIT", "0.5")
	t.Setenv("WORKER_CONCURRENCY", "5")
	t.Setenv("WORKER_POLL_INTERVAL", "2s")
	t.Setenv("WORKER_EXTRACTOR_COMMAND", "claude-extract --json")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.APIToken != "secret" {
		t.Errorf("expected APIToken from env, got %q", cfg.APIToken)
	}
	if cfg.Queue.Lease != 90*time.Second {
		t.Errorf("expected lease 90s, got %v", cfg.Queue.Lease)
	}
	if cfg.Queue.RetryBackoff != 10*time.Second {
		t.Errorf("expected retry backoff 10s, got %v", cfg.Queue.RetryBackoff)
	}
	if cfg.Preview.PortBase != 4000 || cfg.Preview.PortCount != 10 {
		t.Errorf("expected port range 4000+10, got %d+%d", cfg.Preview.PortBase, cfg.Preview.PortCount)
	}
	if cfg.Preview.RateLimit != 0.5 {
		t.Errorf("expected rate limit 0.5, got %v", cfg.Preview.RateLimit)
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("expected WorkerConcurrency 5, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval != 2*time.Second {
		t.Errorf("expected WorkerPollInterval 2s, got %v", cfg.Worker.PollInterval)
	}
	if got := cfg.Worker.ExtractorCommandArgs(); len(got) != 2 || got[0] != "claude-extract" {
		t.Errorf("unexpected extractor command %v", got)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://config-file/db"
http_port: 7777
queue:
  lease: 2m
  max_attempts: 5
preview:
  artifact_root: /srv/examples
  start_command: "pnpm dev --port {port}"
worker:
  concurrency: 10
`)

	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.Queue.Lease != 2*time.Minute || cfg.Queue.MaxAttempts != 5 {
		t.Errorf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Preview.ArtifactRoot != "/srv/examples" {
		t.Errorf("expected artifact root from file, got %s", cfg.Preview.ArtifactRoot)
	}
	if got := cfg.Preview.StartCommandArgs(); len(got) != 4 || got[0] != "pnpm" {
		t.Errorf("unexpected start command %v", got)
	}
	if cfg.Worker.Concurrency != 10 {
		t.Errorf("expected WorkerConcurrency 10, got %d", cfg.Worker.Concurrency)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://from-file/db"
http_port: 7777
`)

	t.Setenv("DATABASE_URL", "postgres://from-env/db")
	t.Setenv("PORT", "8888")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 8888 {
		t.Errorf("expected HTTPPort 8888 from env, got %d", cfg.HTTPPort)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestLoad_InvalidPortRange(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PREVIEW_PORT_BASE", "65530")
	t.Setenv("PREVIEW_PORT_COUNT", "100")

	if _, err := Load(""); err == nil {
		t.Error("expected error for a port range past 65535")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("QUEUE_LEASE", "soon")

	if _, err := Load(""); err == nil {
		t.Error("expected error for an unparseable lease")
	}
}

func TestRequireExtractor(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireExtractor()
	if err == nil || err.Error() != "worker.extractor_command is required (env: WORKER_EXTRACTOR_COMMAND)" {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Worker.ExtractorCommand = "extract"
	if err := cfg.RequireExtractor(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
