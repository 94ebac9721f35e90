package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnvSuppliesCredentials(t *testing.T) {
	for _, key := range []string{"DB_PASSWORD", "REDIS_PASSWORD", "FUNDING_TELEGRAM_TOKEN", "FUNDING_TELEGRAM_CHAT_ID"} {
		clearEnv(t, key)
	}
	path := writeEnvFile(t, ""+
		"# state backend credentials\n"+
		"DB_PASSWORD=\"s3cret\"\n"+
		"REDIS_PASSWORD='cache-pass'\n"+
		"FUNDING_TELEGRAM_TOKEN=token\n"+
		"FUNDING_TELEGRAM_CHAT_ID=\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}

	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if got := cfg.Database.Password(); got != "s3cret" {
		t.Fatalf("expected database password from .env, got %q", got)
	}
	if !strings.Contains(cfg.Database.DSN(), "postgres:s3cret@") {
		t.Fatalf("expected password in DSN, got %s", cfg.Database.DSN())
	}
	if got := cfg.Cache.Password(); got != "cache-pass" {
		t.Fatalf("expected cache password from .env, got %q", got)
	}
	if cfg.Telegram.Token != "token" || cfg.Telegram.ChatID != "" {
		t.Fatalf("unexpected telegram overrides: %+v", cfg.Telegram)
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv("DB_PASSWORD", "from-environment")
	path := writeEnvFile(t, "DB_PASSWORD=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("DB_PASSWORD"); got != "from-environment" {
		t.Fatalf("expected existing variable kept, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}

func clearEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
