// Package config loads and persists bridge configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Dir is the per-workspace state directory the bridge keeps its
// configuration, token, logs, and backups in.
const Dir = ".patchbridge"

// Config holds all bridge configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Generation backend
	Backend BackendConfig `yaml:"backend"`

	// Sandbox and verification
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Session lifecycle
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// Maximum concurrent client connections.
	MaxConns int `yaml:"max_conns"`

	// Request body size cap in bytes.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// BackendConfig configures the generation backend.
type BackendConfig struct {
	Provider string `yaml:"provider"` // gemini, openai, stub
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Worker pool size for concurrent generation jobs.
	Workers int `yaml:"workers"`
}

// SandboxConfig configures workspace snapshots and verification.
type SandboxConfig struct {
	// Root directory for sandbox copies; empty means the OS temp dir.
	Root string `yaml:"root"`

	// Directory names skipped during snapshot.
	CopyExcludes []string `yaml:"copy_excludes"`

	// Binaries a verification command may start with.
	AllowedCommands []string `yaml:"allowed_commands"`

	// Default verification timeout when a session sets none.
	VerifyTimeout string `yaml:"verify_timeout"`

	// Cap on captured verification output, in bytes.
	MaxVerifyOutputBytes int64 `yaml:"max_verify_output_bytes"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// Sessions idle past this duration are expired.
	TTL string `yaml:"ttl"`

	// SQLite database path; empty means <Dir>/state.db.
	DatabasePath string `yaml:"database_path"`

	// History entries retained per session.
	HistoryLimit int `yaml:"history_limit"`
}

// LoggingConfig configures the category loggers.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8373",
			MaxConns:     32,
			MaxBodyBytes: 8 << 20,
		},
		Backend: BackendConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
			Workers:  2,
		},
		Sandbox: SandboxConfig{
			CopyExcludes: []string{
				".git", "node_modules", "__pycache__", ".venv", "venv",
				"dist", "build", ".idea", ".vscode", "target", Dir,
			},
			AllowedCommands: []string{
				"go", "gofmt", "python", "python3", "pytest",
				"npm", "npx", "node", "cargo", "make", "sh", "bash",
			},
			VerifyTimeout:        "15m",
			MaxVerifyOutputBytes: 256 << 10,
		},
		Session: SessionConfig{
			TTL:          "8h",
			HistoryLimit: 100,
		},
		Logging: LoggingConfig{
			Dir: filepath.Join(Dir, "logs"),
		},
	}
}

// Load reads the config file at path, merging it over defaults. A missing
// file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv lets secrets come from the environment rather than the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PATCHBRIDGE_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("PATCHBRIDGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// BackendTimeout parses the backend timeout with a sane fallback.
func (c *Config) BackendTimeout() time.Duration {
	return parseDuration(c.Backend.Timeout, 120*time.Second)
}

// VerifyTimeout parses the default verification timeout.
func (c *Config) VerifyTimeout() time.Duration {
	return parseDuration(c.Sandbox.VerifyTimeout, 15*time.Minute)
}

// SessionTTL parses the session idle expiry.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, 8*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
