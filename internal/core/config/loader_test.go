package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
stores:
  postgres_url: postgres://localhost:5432/memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected local-only bind by default, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Resilience.SafetyLevel != SafetyResilient {
		t.Errorf("expected default safety level resilient, got %s", cfg.Resilience.SafetyLevel)
	}
	if cfg.Resilience.QueryTimeout != 30*time.Second {
		t.Errorf("expected default query timeout 30s, got %v", cfg.Resilience.QueryTimeout)
	}
	if cfg.Monitoring.MemoryCriticalPct != 90 {
		t.Errorf("expected default memory critical 90, got %v", cfg.Monitoring.MemoryCriticalPct)
	}
	if cfg.Recovery.Cooldown != 2*time.Minute {
		t.Errorf("expected default cooldown 2m, got %v", cfg.Recovery.Cooldown)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PG_URL", "postgres://db:5432/codex")

	path := writeConfig(t, `
stores:
  postgres_url: ${TEST_PG_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stores.PostgresURL != "postgres://db:5432/codex" {
		t.Errorf("env expansion failed, got %s", cfg.Stores.PostgresURL)
	}
}

func TestLoad_InvalidSafetyLevel(t *testing.T) {
	path := writeConfig(t, `
stores:
  postgres_url: postgres://localhost:5432/memory
resilience:
  safety_level: reckless
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid safety level")
	}
}

func TestLoad_MissingPostgresURL(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing postgres URL")
	}
}
