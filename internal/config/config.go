// Package config loads Kestrel configuration from defaults, an optional YAML
// file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Environment variable names.
const (
	EnvTier       = "KESTREL_TIER"
	EnvConfigFile = "KESTREL_CONFIG"
	EnvDebug      = "KESTREL_DEBUG"
	EnvPort       = "KESTREL_PORT"
	EnvAPIKey     = "GROQ_API_KEY"
	EnvLLMModel   = "KESTREL_LLM_MODEL"
	EnvPgPassword = "KESTREL_PG_PASSWORD"
	EnvRedisPass  = "KESTREL_REDIS_PASSWORD"
	EnvNATSToken  = "KESTREL_NATS_TOKEN"
)

// Load builds the effective configuration. A missing API key with the LLM
// enabled is a configuration error: it must fail at startup, not per request.
func Load() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv(EnvTier) == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays settings from a YAML file onto cfg.
func applyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment settings. Secrets only come from here.
func applyEnv(cfg *domain.Config) {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if os.Getenv(EnvDebug) == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv(EnvLLMModel); v != "" {
		cfg.LLM.Model = v
	}
	cfg.LLM.APIKey = os.Getenv(EnvAPIKey)
	cfg.Repository.PostgresPassword = os.Getenv(EnvPgPassword)
	cfg.Cache.RedisPassword = os.Getenv(EnvRedisPass)
	cfg.EventBus.NATSToken = os.Getenv(EnvNATSToken)
}

// Validate checks invariants the rest of the service assumes.
func Validate(cfg *domain.Config) error {
	if cfg.LLM.Enabled && cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm is enabled but %s is not set; set the key or disable llm in config", EnvAPIKey)
	}
	if cfg.Scoring.ScaleMax <= 0 {
		return fmt.Errorf("scoring.scaleMax must be positive, got %v", cfg.Scoring.ScaleMax)
	}
	if !(cfg.Scoring.MediumCut < cfg.Scoring.HighCut && cfg.Scoring.HighCut < cfg.Scoring.CriticalCut) {
		return fmt.Errorf("scoring cut points must be strictly increasing: %v/%v/%v",
			cfg.Scoring.MediumCut, cfg.Scoring.HighCut, cfg.Scoring.CriticalCut)
	}
	if cfg.Scoring.CriticalCut > cfg.Scoring.ScaleMax {
		return fmt.Errorf("scoring.criticalCut %v exceeds scaleMax %v", cfg.Scoring.CriticalCut, cfg.Scoring.ScaleMax)
	}
	if ds := cfg.Scoring.DefaultSeverity; ds < 0 || float64(ds) > cfg.Scoring.ScaleMax {
		return fmt.Errorf("scoring.defaultSeverity %d outside [0, %v]", ds, cfg.Scoring.ScaleMax)
	}
	if cfg.Behavior.StructuringRatio <= 0 || cfg.Behavior.StructuringRatio >= 1 {
		return fmt.Errorf("behavior.structuringRatio must be in (0,1), got %v", cfg.Behavior.StructuringRatio)
	}
	return nil
}
