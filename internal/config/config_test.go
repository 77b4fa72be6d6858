package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/pokemesh.db" {
		t.Errorf("expected store path data/pokemesh.db, got %s", cfg.Store.Path)
	}
	if cfg.Dispatch.DefaultDeadline != 30*time.Second {
		t.Errorf("expected default deadline 30s, got %v", cfg.Dispatch.DefaultDeadline)
	}
	if cfg.Dispatch.MaxRetries != 2 {
		t.Errorf("expected max_retries 2, got %d", cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.BackoffBase != 100*time.Millisecond {
		t.Errorf("expected backoff base 100ms, got %v", cfg.Dispatch.BackoffBase)
	}
	if cfg.Dispatch.BreakerFailures != 3 {
		t.Errorf("expected breaker_failures 3, got %d", cfg.Dispatch.BreakerFailures)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("POKEMESH_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("POKEMESH_TELEGRAM_TOKEN", "test-token-123")
	t.Setenv("POKEMESH_WEB_PASSWORD", "secret")
	t.Setenv("POKEMESH_WEB_PORT", "9090")
	t.Setenv("POKEMESH_POKEAPI_URL", "http://localhost:9999/api/v2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "test-token-123" {
		t.Errorf("expected telegram token test-token-123, got %s", cfg.Telegram.Token)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Tools.PokeAPIBaseURL != "http://localhost:9999/api/v2" {
		t.Errorf("unexpected pokeapi url %s", cfg.Tools.PokeAPIBaseURL)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
web:
  port: 3000
  enabled: false
dispatch:
  default_deadline: 10s
  breaker_failures: 5
agents:
  pokemon:
    display_name: "Pokemon Agent"
    description: "Pokemon information and discovery"
    skills: [pokemon-lookup, pokemon-search]
  pokedex-assistant:
    display_name: "Pokedex Assistant"
    skills: [stat-comparison, trivia]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POKEMESH_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if cfg.Dispatch.DefaultDeadline != 10*time.Second {
		t.Errorf("expected deadline 10s, got %v", cfg.Dispatch.DefaultDeadline)
	}
	if cfg.Dispatch.BreakerFailures != 5 {
		t.Errorf("expected breaker_failures 5, got %d", cfg.Dispatch.BreakerFailures)
	}
	// Untouched sections keep defaults
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected default nats port, got %d", cfg.NATS.Port)
	}

	def, ok := cfg.Agents["pokemon"]
	if !ok {
		t.Fatal("expected pokemon agent definition")
	}
	if len(def.Skills) != 2 || def.Skills[0] != "pokemon-lookup" {
		t.Errorf("unexpected skills %v", def.Skills)
	}
}

func TestLoadEnvExpansionInYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_POKEMESH_AUTH", "expanded-secret")
	yaml := "web:\n  auth: \"${TEST_POKEMESH_AUTH}\"\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POKEMESH_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Web.Auth != "expanded-secret" {
		t.Errorf("expected env-expanded auth, got %s", cfg.Web.Auth)
	}
}
