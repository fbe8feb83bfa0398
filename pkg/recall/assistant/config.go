// Package assistant wires the webhook channel, the CLI runner, the
// memory store and the scheduler into the message processing pipeline.
package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/recall/pkg/recall/channels"
	"github.com/jholhewres/recall/pkg/recall/memory"
	"github.com/jholhewres/recall/pkg/recall/runner"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ServerConfig configures the webhook gateway listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MemoryConfig configures the memory store and its embedder.
type MemoryConfig struct {
	// DataDir holds the memory tables. Defaults to ./data/memory.
	DataDir   string                 `yaml:"data_dir"`
	Embedding memory.EmbeddingConfig `yaml:"embedding"`
	Store     memory.StoreConfig     `yaml:"store"`
}

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig    `yaml:"server"`
	Logging LoggingConfig   `yaml:"logging"`
	Channel channels.Config `yaml:"channel"`
	Memory  MemoryConfig    `yaml:"memory"`
	Runner  runner.Config   `yaml:"runner"`

	// DatabasePath is the shared sqlite database for processed messages
	// and scheduled jobs. Defaults to ./data/recall.db.
	DatabasePath string `yaml:"database_path"`

	// SessionsDir holds chat transcripts. Defaults to ./data/sessions.
	SessionsDir string `yaml:"sessions_dir"`

	// AllowedUsers restricts who the assistant answers. Empty means
	// everyone. Falls back to USER_PHONE_NUMBER.
	AllowedUsers []string `yaml:"allowed_users"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8000},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Memory: MemoryConfig{
			DataDir:   filepath.Join("data", "memory"),
			Embedding: memory.DefaultEmbeddingConfig(),
			Store:     memory.DefaultStoreConfig(),
		},
		DatabasePath: filepath.Join("data", "recall.db"),
		SessionsDir:  filepath.Join("data", "sessions"),
	}
}

// LoadConfig reads a YAML config file, loading .env files and expanding
// ${VAR} references first. An empty path falls back to FindConfigFile,
// and to plain defaults when no file exists.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}
	cfg := DefaultConfig()
	if path == "" {
		applyEnvFallbacks(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyEnvFallbacks(cfg)
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"recall.yaml",
		"recall.yml",
		"configs/config.yaml",
		"configs/recall.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overwriting existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references. Unset
// variables without a default keep the placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// applyEnvFallbacks fills settings that are commonly provided through
// the environment instead of the config file.
func applyEnvFallbacks(cfg *Config) {
	if len(cfg.AllowedUsers) == 0 {
		if u := os.Getenv("USER_PHONE_NUMBER"); u != "" {
			cfg.AllowedUsers = []string{u}
		}
	}
	if cfg.Channel.Platform == "" {
		cfg.Channel.Platform = os.Getenv("PLATFORM")
	}
	if host := os.Getenv("HOST"); host != "" && cfg.Server.Host == "0.0.0.0" {
		cfg.Server.Host = host
	}
}

// resolveRelativePaths anchors relative paths at the config file's
// directory so startup location does not matter.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Memory.DataDir = resolvePath(cfg.Memory.DataDir, dir)
	cfg.DatabasePath = resolvePath(cfg.DatabasePath, dir)
	cfg.SessionsDir = resolvePath(cfg.SessionsDir, dir)
	cfg.Runner.WorkDir = resolvePath(cfg.Runner.WorkDir, dir)
}

func resolvePath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(baseDir, path)
}
