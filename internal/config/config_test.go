package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// clearEnv unsets every variable Load reads, restoring after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvTier, EnvConfigFile, EnvDebug, EnvPort,
		EnvAPIKey, EnvLLMModel, EnvPgPassword, EnvRedisPass, EnvNATSToken,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsRequireAPIKey", func(t *testing.T) {
		clearEnv(t)

		// LLM enabled by default and no key set
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), EnvAPIKey)
	})

	t.Run("CommunityDefaults", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvAPIKey, "gsk-test")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, domain.TierCommunity, cfg.Tier)
		assert.Equal(t, "sqlite", cfg.Repository.Driver)
		assert.Equal(t, "memory", cfg.Cache.Type)
		assert.Equal(t, "channel", cfg.EventBus.Type)
		assert.Equal(t, "gsk-test", cfg.LLM.APIKey)
		assert.Equal(t, 8080, cfg.Server.Port)
	})

	t.Run("ProTier", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTier, "pro")
		t.Setenv(EnvAPIKey, "gsk-test")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, domain.TierPro, cfg.Tier)
		assert.Equal(t, "postgres", cfg.Repository.Driver)
		assert.Equal(t, "redis", cfg.Cache.Type)
		assert.Equal(t, "nats", cfg.EventBus.Type)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvAPIKey, "gsk-test")
		t.Setenv(EnvPort, "9090")
		t.Setenv(EnvDebug, "true")
		t.Setenv(EnvLLMModel, "llama-3.1-8b-instant")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "llama-3.1-8b-instant", cfg.LLM.Model)
	})

	t.Run("YAMLFile", func(t *testing.T) {
		clearEnv(t)

		path := filepath.Join(t.TempDir(), "kestrel.yaml")
		content := `
server:
  port: 7070
llm:
  enabled: false
scoring:
  highCut: 65
behavior:
  velocityThreshold: 20
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		t.Setenv(EnvConfigFile, path)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.False(t, cfg.LLM.Enabled)
		assert.Equal(t, 65.0, cfg.Scoring.HighCut)
		assert.Equal(t, 20, cfg.Behavior.VelocityThreshold)
		// File sections left out keep their defaults
		assert.Equal(t, "sqlite", cfg.Repository.Driver)
	})

	t.Run("EnvWinsOverFile", func(t *testing.T) {
		clearEnv(t)

		path := filepath.Join(t.TempDir(), "kestrel.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\nllm:\n  enabled: false\n"), 0o644))
		t.Setenv(EnvConfigFile, path)
		t.Setenv(EnvPort, "6060")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.Server.Port)
	})

	t.Run("MissingFile", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvConfigFile, "/nonexistent/kestrel.yaml")
		t.Setenv(EnvAPIKey, "gsk-test")

		_, err := Load()
		require.Error(t, err)
	})

	t.Run("MalformedFile", func(t *testing.T) {
		clearEnv(t)

		path := filepath.Join(t.TempDir(), "kestrel.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
		t.Setenv(EnvConfigFile, path)
		t.Setenv(EnvAPIKey, "gsk-test")

		_, err := Load()
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *domain.Config {
		cfg := domain.DefaultConfig()
		cfg.LLM.APIKey = "gsk-test"
		return cfg
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("LLMDisabledNeedsNoKey", func(t *testing.T) {
		cfg := base()
		cfg.LLM.Enabled = false
		cfg.LLM.APIKey = ""
		assert.NoError(t, Validate(cfg))
	})

	t.Run("NonPositiveScale", func(t *testing.T) {
		cfg := base()
		cfg.Scoring.ScaleMax = 0
		assert.Error(t, Validate(cfg))
	})

	t.Run("UnorderedCuts", func(t *testing.T) {
		cfg := base()
		cfg.Scoring.HighCut = cfg.Scoring.MediumCut
		assert.Error(t, Validate(cfg))
	})

	t.Run("CriticalCutAboveScale", func(t *testing.T) {
		cfg := base()
		cfg.Scoring.CriticalCut = 150
		assert.Error(t, Validate(cfg))
	})

	t.Run("DefaultSeverityOutOfRange", func(t *testing.T) {
		cfg := base()
		cfg.Scoring.DefaultSeverity = -1
		assert.Error(t, Validate(cfg))
	})

	t.Run("StructuringRatioBounds", func(t *testing.T) {
		cfg := base()
		cfg.Behavior.StructuringRatio = 1.0
		assert.Error(t, Validate(cfg))

		cfg.Behavior.StructuringRatio = 0
		assert.Error(t, Validate(cfg))
	})
}
