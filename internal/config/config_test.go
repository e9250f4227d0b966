package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Models.Default != "anthropic/claude-3-5-sonnet-20241022" {
		t.Errorf("unexpected default model %s", cfg.Models.Default)
	}
	if cfg.Models.MaxTokens != 4096 {
		t.Errorf("expected max_tokens 4096, got %d", cfg.Models.MaxTokens)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/sminos.db" {
		t.Errorf("expected store path data/sminos.db, got %s", cfg.Store.Path)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("expected poll_interval 30s, got %v", cfg.Scheduler.PollInterval)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("SMINOS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("OPENAI_API_KEY", "sk-oa-key")
	t.Setenv("SMINOS_WEB_PASSWORD", "secret")
	t.Setenv("SMINOS_WEB_PORT", "9090")
	t.Setenv("SMINOS_TELEGRAM_CHAT", "12345")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Models.AnthropicAPIKey != "sk-test-key" {
		t.Errorf("expected anthropic key sk-test-key, got %s", cfg.Models.AnthropicAPIKey)
	}
	if cfg.Models.OpenAIAPIKey != "sk-oa-key" {
		t.Errorf("expected openai key sk-oa-key, got %s", cfg.Models.OpenAIAPIKey)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Notify.ChatID != 12345 {
		t.Errorf("expected chat id 12345, got %d", cfg.Notify.ChatID)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
models:
  default: "openai/gpt-4o-mini"
  max_tokens: 2048
web:
  port: 3000
  enabled: false
store:
  path: "/custom/sminos.db"
notify:
  telegram_token: "yaml-token"
  chat_id: 777
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SMINOS_CONFIG", cfgPath)
	// Clear any env overrides
	t.Setenv("SMINOS_DEFAULT_MODEL", "")
	t.Setenv("SMINOS_TELEGRAM_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Models.Default != "openai/gpt-4o-mini" {
		t.Errorf("expected openai/gpt-4o-mini, got %s", cfg.Models.Default)
	}
	if cfg.Models.MaxTokens != 2048 {
		t.Errorf("expected max_tokens 2048, got %d", cfg.Models.MaxTokens)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if cfg.Store.Path != "/custom/sminos.db" {
		t.Errorf("expected /custom/sminos.db, got %s", cfg.Store.Path)
	}
	if cfg.Notify.TelegramToken != "yaml-token" {
		t.Errorf("expected yaml-token, got %s", cfg.Notify.TelegramToken)
	}
	if cfg.Notify.ChatID != 777 {
		t.Errorf("expected chat id 777, got %d", cfg.Notify.ChatID)
	}
}

func TestLoadExpandsEnvInYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
web:
  auth: "${TEST_SMINOS_AUTH}"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SMINOS_CONFIG", cfgPath)
	t.Setenv("SMINOS_WEB_PASSWORD", "")
	t.Setenv("TEST_SMINOS_AUTH", "expanded-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Web.Auth != "expanded-secret" {
		t.Errorf("expected expanded-secret, got %s", cfg.Web.Auth)
	}
}
