package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termchat/termchat/llm"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OLLAMA_HOST", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ollama.Host != "http://localhost:11434" {
		t.Errorf("unexpected default ollama host: %q", cfg.Ollama.Host)
	}
	if cfg.IdleTimeout() != 5*time.Minute {
		t.Errorf("unexpected default idle timeout: %v", cfg.IdleTimeout())
	}
	if cfg.SweepInterval() != time.Minute {
		t.Errorf("unexpected default sweep interval: %v", cfg.SweepInterval())
	}
	if len(cfg.Styles) == 0 {
		t.Error("default styles missing")
	}
	if len(cfg.Title.Preferences) == 0 {
		t.Error("default title preferences missing")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OLLAMA_HOST", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
providers: [ollama]
ollama:
  host: http://inference:11434
  keep_alive: 10m
lifecycle:
  idle_timeout: 2m
styles:
  pirate: "Answer like a pirate."
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ollama.Host != "http://inference:11434" {
		t.Errorf("file value not applied: %q", cfg.Ollama.Host)
	}
	if cfg.OllamaKeepAlive() != 10*time.Minute {
		t.Errorf("keep_alive not applied: %v", cfg.OllamaKeepAlive())
	}
	if cfg.IdleTimeout() != 2*time.Minute {
		t.Errorf("idle_timeout not applied: %v", cfg.IdleTimeout())
	}
	// Merge keeps defaulted values the file does not mention.
	if cfg.SweepInterval() != time.Minute {
		t.Errorf("sweep interval default lost: %v", cfg.SweepInterval())
	}
	if cfg.Styles["pirate"] == "" {
		t.Error("file style not merged")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0] != llm.BackendOllama {
		t.Errorf("providers not overridden: %v", cfg.Providers)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
anthropic:
  api_key: file-key
ollama:
  host: http://file:11434
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("OLLAMA_HOST", "http://env:11434")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Anthropic.APIKey != "env-key" {
		t.Errorf("env did not override api key: %q", cfg.Anthropic.APIKey)
	}
	if cfg.Ollama.Host != "http://env:11434" {
		t.Errorf("env did not override ollama host: %q", cfg.Ollama.Host)
	}
}

func TestDurationFallbackOnGarbage(t *testing.T) {
	cfg := &Config{
		Lifecycle: LifecycleConfig{IdleTimeout: "not-a-duration"},
	}
	if cfg.IdleTimeout() != 5*time.Minute {
		t.Errorf("expected fallback, got %v", cfg.IdleTimeout())
	}
}

func TestTitlePreferencesConversion(t *testing.T) {
	cfg := &Config{
		Title: TitleConfig{Preferences: []ModelPreference{
			{Provider: "anthropic", Model: "claude-3-haiku"},
			{Provider: "ollama", Model: "llama2"},
		}},
	}

	prefs := cfg.TitlePreferences()
	if len(prefs) != 2 {
		t.Fatalf("expected 2 preferences, got %d", len(prefs))
	}
	if prefs[0].Backend != llm.BackendAnthropic || prefs[0].Model != "claude-3-haiku" {
		t.Errorf("unexpected first preference: %+v", prefs[0])
	}
}
