package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8373", cfg.Server.Addr)
	assert.Equal(t, "gemini", cfg.Backend.Provider)
	assert.Contains(t, cfg.Sandbox.CopyExcludes, ".git")
	assert.Contains(t, cfg.Sandbox.AllowedCommands, "go")
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server:\n  addr: 127.0.0.1:9000\nbackend:\n  provider: stub\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "stub", cfg.Backend.Provider)
	// Untouched sections keep their defaults.
	assert.Equal(t, 32, cfg.Server.MaxConns)
	assert.Equal(t, "15m", cfg.Sandbox.VerifyTimeout)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("PATCHBRIDGE_API_KEY", "from-env")
	t.Setenv("GEMINI_API_KEY", "ignored-when-set")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Backend.APIKey)
}

func TestGeminiEnvFallback(t *testing.T) {
	t.Setenv("PATCHBRIDGE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gemini-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", cfg.Backend.APIKey)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:7777"
	cfg.Session.TTL = "30m"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", loaded.Server.Addr)
	assert.Equal(t, 30*time.Minute, loaded.SessionTTL())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Minute, cfg.VerifyTimeout())
	assert.Equal(t, 8*time.Hour, cfg.SessionTTL())
	assert.Equal(t, 120*time.Second, cfg.BackendTimeout())

	cfg.Sandbox.VerifyTimeout = "bogus"
	assert.Equal(t, 15*time.Minute, cfg.VerifyTimeout())
	cfg.Backend.Timeout = "-5s"
	assert.Equal(t, 120*time.Second, cfg.BackendTimeout())
}
