package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "APP_HTTP_ADDR", "METRICS_ADDR", "DB_READER_DSN", "DB_WRITER_DSN",
		"ADMIN_API_KEY", "RATE_LIMIT_PER_IP", "COHORT_CACHE_REFRESH_SECONDS",
		"CONTINUITY_PROBE_TIMEOUT_MS",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "dev" {
		t.Errorf("expected AppEnv=dev, got %q", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr=:8080, got %q", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr=:9090, got %q", cfg.MetricsAddr)
	}
	if cfg.RateLimitPerIP != 300 {
		t.Errorf("expected RateLimitPerIP=300, got %d", cfg.RateLimitPerIP)
	}
	if cfg.WriterDSN != cfg.ReaderDSN {
		t.Errorf("expected WriterDSN to default to ReaderDSN, got writer=%q reader=%q", cfg.WriterDSN, cfg.ReaderDSN)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", "test")
	os.Setenv("DB_READER_DSN", "postgres://r@localhost/db")
	os.Setenv("DB_WRITER_DSN", "postgres://w@localhost/db")
	os.Setenv("RATE_LIMIT_PER_IP", "50")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AppEnv != "test" {
		t.Errorf("expected AppEnv=test, got %q", cfg.AppEnv)
	}
	if cfg.ReaderDSN != "postgres://r@localhost/db" {
		t.Errorf("expected ReaderDSN override, got %q", cfg.ReaderDSN)
	}
	if cfg.WriterDSN != "postgres://w@localhost/db" {
		t.Errorf("expected WriterDSN override to not fall back to ReaderDSN, got %q", cfg.WriterDSN)
	}
	if cfg.RateLimitPerIP != 50 {
		t.Errorf("expected RateLimitPerIP=50, got %d", cfg.RateLimitPerIP)
	}
}

func TestLoadProdRequiresAdminKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", "prod")
	os.Setenv("DB_READER_DSN", "postgres://r@localhost/db")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when APP_ENV=prod without ADMIN_API_KEY")
	}

	os.Setenv("ADMIN_API_KEY", "strong-key")
	if _, err := Load(); err != nil {
		t.Fatalf("expected Load() to succeed once ADMIN_API_KEY is set, got %v", err)
	}
}
