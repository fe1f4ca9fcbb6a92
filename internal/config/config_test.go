package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8085, cfg.Server.Port)

	assert.Equal(t, 30*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Cooldown)
	assert.Equal(t, 2, cfg.Monitor.DebounceK)
	assert.Equal(t, 2, cfg.Monitor.MaxConcurrentInvestigations)
	assert.Equal(t, 120*time.Second, cfg.Monitor.InvestigationTimeout)
	assert.Equal(t, 10*time.Second, cfg.Monitor.AdapterTimeout)
	assert.True(t, cfg.Monitor.AutoStart)

	assert.True(t, cfg.LLM.SafeMode)
	assert.Equal(t, 20*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 6, cfg.LLM.MaxIterations)

	assert.Equal(t, "./reports", cfg.Reports.Dir)
	assert.Equal(t, 500, cfg.Reports.ArchiveSize)
	assert.Equal(t, "./knowledge", cfg.Knowledge.Dir)
	assert.Equal(t, 3, cfg.Knowledge.TopK)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name:      "invalid port",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "check interval below minimum",
			modifyFn:  func(cfg *Config) { cfg.Monitor.CheckInterval = time.Second },
			wantError: true,
			errorMsg:  "check_interval must be at least 5s",
		},
		{
			name:      "zero debounce",
			modifyFn:  func(cfg *Config) { cfg.Monitor.DebounceK = 0 },
			wantError: true,
			errorMsg:  "debounce_k must be at least 1",
		},
		{
			name:      "zero concurrency cap",
			modifyFn:  func(cfg *Config) { cfg.Monitor.MaxConcurrentInvestigations = 0 },
			wantError: true,
			errorMsg:  "max_concurrent_investigations must be at least 1",
		},
		{
			name:      "invalid llm provider",
			modifyFn:  func(cfg *Config) { cfg.LLM.Provider = "invalid" },
			wantError: true,
			errorMsg:  "invalid provider",
		},
		{
			name: "openai without api key",
			modifyFn: func(cfg *Config) {
				cfg.LLM.SafeMode = false
				cfg.LLM.Provider = "openai"
				cfg.LLM.OpenAI.APIKey = ""
			},
			wantError: true,
			errorMsg:  "api_key is required",
		},
		{
			name:      "missing reports dir",
			modifyFn:  func(cfg *Config) { cfg.Reports.Dir = "" },
			wantError: true,
			errorMsg:  "dir is required",
		},
		{
			name:      "zero archive size",
			modifyFn:  func(cfg *Config) { cfg.Reports.ArchiveSize = 0 },
			wantError: true,
			errorMsg:  "archive_size must be at least 1",
		},
		{
			name:      "invalid log level",
			modifyFn:  func(cfg *Config) { cfg.Logging.Level = "loud" },
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name:      "invalid log format",
			modifyFn:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantError: true,
			errorMsg:  "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if !tt.wantError {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
				return
			}
			require.NotEmpty(t, errs, "expected validation errors but got none")
			found := false
			for _, err := range errs {
				if contains(err.Error(), tt.errorMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error message containing %q, got: %v", tt.errorMsg, errs)
		})
	}
}

func TestManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

monitor:
  check_interval: 15s
  debounce_k: 3
  max_concurrent_investigations: 4

llm:
  safe_mode: false
  provider: "ollama"
  ollama:
    base_url: "http://ollama:11434"
    model: "mistral"

logging:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	require.NoError(t, err)

	mgr, err := NewManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, 3, cfg.Monitor.DebounceK)
	assert.Equal(t, 4, cfg.Monitor.MaxConcurrentInvestigations)
	assert.False(t, cfg.LLM.SafeMode)
	assert.Equal(t, "http://ollama:11434", cfg.LLM.Ollama.BaseURL)
	assert.Equal(t, "mistral", cfg.LLM.Ollama.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Untouched sections keep defaults.
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Cooldown)
	assert.Equal(t, "./reports", cfg.Reports.Dir)
}

func TestManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBEINQUEST_SERVER_PORT", "7070")
	t.Setenv("AGENT_SAFE_MODE", "false")
	t.Setenv("OPENAI_API_KEY", "env-key")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("server:\n  port: 8085\n"), 0o644)
	require.NoError(t, err)

	mgr, err := NewManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port, "env var should override the file")
	assert.False(t, cfg.LLM.SafeMode, "AGENT_SAFE_MODE should override the default")
	assert.Equal(t, "env-key", cfg.LLM.OpenAI.APIKey)
}

func TestManagerMissingFile(t *testing.T) {
	mgr, err := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx), "missing file should fall back to defaults")

	cfg := mgr.Get(ctx)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.True(t, cfg.LLM.SafeMode)
}

func TestManagerValidate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("server:\n  port: 99999\n"), 0o644)
	require.NoError(t, err)

	mgr, err := NewManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
