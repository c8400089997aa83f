package internal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testScope(t *testing.T) Scope {
	t.Helper()
	tmpDir := t.TempDir()
	dataPath := filepath.Join(tmpDir, ".gcd")
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return Scope{Type: ScopeProject, Path: tmpDir, DataPath: dataPath}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Mining.TopK != 50 {
		t.Errorf("top_k = %d, want 50", cfg.Mining.TopK)
	}
	if !cfg.Sampler.FeedbackCache {
		t.Error("expected feedback cache enabled by default")
	}
	if cfg.Oracle.MaxRetries != 10 {
		t.Errorf("max_retries = %d, want 10", cfg.Oracle.MaxRetries)
	}
	if cfg.Providers == nil {
		t.Error("expected providers map to be initialized")
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	scope := testScope(t)

	cfg := DefaultConfig()
	cfg.Experiment = "banking-seed1"
	cfg.DefaultProvider = "claude"
	cfg.Oracle.BaseDelay = 2 * time.Second
	cfg.Oracle.KnownLabels = []string{"card_lost", "top_up"}
	cfg.Providers["claude"] = ProviderConfig{
		APIKey: "sk-test",
		Model:  "claude-3-haiku",
	}

	if err := SaveConfig(scope, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig(scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Experiment != "banking-seed1" {
		t.Errorf("experiment = %q", loaded.Experiment)
	}
	if loaded.Oracle.BaseDelay != 2*time.Second {
		t.Errorf("base delay = %v", loaded.Oracle.BaseDelay)
	}
	if len(loaded.Oracle.KnownLabels) != 2 {
		t.Errorf("known labels = %v", loaded.Oracle.KnownLabels)
	}
	name, p, ok := loaded.ActiveProvider()
	if !ok || name != "claude" {
		t.Fatalf("active provider = %q, %v", name, ok)
	}
	if p.APIKey != "sk-test" || p.Model != "claude-3-haiku" {
		t.Errorf("provider = %+v", p)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	scope := testScope(t)

	cfg, err := LoadConfig(scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Experiment != DefaultConfig().Experiment {
		t.Errorf("expected defaults, got experiment %q", cfg.Experiment)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	scope := testScope(t)

	if err := os.WriteFile(scope.ConfigPath(), []byte("{{invalid yaml:::"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadConfig(scope); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	scope := testScope(t)

	if err := os.WriteFile(scope.ConfigPath(), []byte("mining:\n  top_k: 7\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mining.TopK != 7 {
		t.Errorf("top_k = %d, want 7", cfg.Mining.TopK)
	}
	if cfg.Mining.Options != 2 {
		t.Errorf("options = %d, want default 2", cfg.Mining.Options)
	}
	if cfg.Providers == nil {
		t.Error("expected providers map to be initialized")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Mining.Strategy = "coin_flip" }},
		{"unknown backend", func(c *Config) { c.Mining.Backend = "faiss" }},
		{"unknown method", func(c *Config) { c.Sampler.RunningMethod = "magic" }},
		{"unknown ablation", func(c *Config) { c.Sampler.Ablation = "wo_everything" }},
		{"unknown views", func(c *Config) { c.Sampler.ViewStrategy = "mixup" }},
		{"rtr without vocab", func(c *Config) { c.Sampler.VocabSize = 0 }},
		{"unknown representatives", func(c *Config) { c.Characterize.Strategy = "farthest" }},
		{"unknown prompt ablation", func(c *Config) { c.Characterize.PromptAblation = "wo_all" }},
		{"unknown store", func(c *Config) { c.Store.Backend = "s3" }},
		{"zero top_k", func(c *Config) { c.Mining.TopK = 0 }},
		{"zero epochs", func(c *Config) { c.Schedule.Epochs = 0 }},
		{"cluster ratio above one", func(c *Config) { c.Sampler.ClusterRatio = 1.5 }},
		{"no experiment", func(c *Config) { c.Experiment = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestActiveProviderMissing(t *testing.T) {
	cfg := DefaultConfig()
	if _, _, ok := cfg.ActiveProvider(); ok {
		t.Error("expected no active provider")
	}

	cfg.Oracle.Provider = "ghost"
	name, _, ok := cfg.ActiveProvider()
	if ok || name != "ghost" {
		t.Errorf("ActiveProvider = %q, %v", name, ok)
	}
}
