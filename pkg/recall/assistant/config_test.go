package assistant

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope", "missing.yaml"))
	if err == nil {
		t.Error("LoadConfig() of a missing explicit path should fail")
	}

	// No path and no file found: plain defaults.
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.Port != 8000 || cfg.Logging.Level != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Memory.Embedding.Provider != "openai" {
		t.Errorf("embedding defaults = %+v", cfg.Memory.Embedding)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	t.Setenv("TEST_RECALL_TOKEN", "tok-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
logging:
  level: debug
  format: json
channel:
  platform: telegram
  telegram:
    bot_token: ${TEST_RECALL_TOKEN}
    webhook_secret: ${UNSET_RECALL_VAR:-fallback-secret}
memory:
  data_dir: mem
database_path: state/recall.db
allowed_users: ["4242"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Logging.Level != "debug" {
		t.Errorf("overrides = %+v", cfg)
	}
	if cfg.Channel.Telegram.BotToken != "tok-123" {
		t.Errorf("BotToken = %q, env expansion failed", cfg.Channel.Telegram.BotToken)
	}
	if cfg.Channel.Telegram.WebhookSecret != "fallback-secret" {
		t.Errorf("WebhookSecret = %q, default expansion failed", cfg.Channel.Telegram.WebhookSecret)
	}
	if len(cfg.AllowedUsers) != 1 || cfg.AllowedUsers[0] != "4242" {
		t.Errorf("AllowedUsers = %v", cfg.AllowedUsers)
	}

	// Relative paths are anchored at the config directory.
	if cfg.Memory.DataDir != filepath.Join(dir, "mem") {
		t.Errorf("DataDir = %q", cfg.Memory.DataDir)
	}
	if cfg.DatabasePath != filepath.Join(dir, "state", "recall.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
}

func TestLoadConfigEnvFallbacks(t *testing.T) {
	t.Setenv("USER_PHONE_NUMBER", "15551234567")
	t.Setenv("PLATFORM", "telegram")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if len(cfg.AllowedUsers) != 1 || cfg.AllowedUsers[0] != "15551234567" {
		t.Errorf("AllowedUsers = %v", cfg.AllowedUsers)
	}
	if cfg.Channel.Platform != "telegram" {
		t.Errorf("Platform = %q", cfg.Channel.Platform)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RECALL_SET_VAR", "value")

	tests := map[string]string{
		"plain text":                 "plain text",
		"${RECALL_SET_VAR}":          "value",
		"${RECALL_UNSET_VAR}":        "${RECALL_UNSET_VAR}",
		"${RECALL_UNSET_VAR:-other}": "other",
		"x-${RECALL_SET_VAR}-y":      "x-value-y",
	}
	for in, want := range tests {
		if got := expandEnvVars(in); got != want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", in, got, want)
		}
	}
}
