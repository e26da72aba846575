// Package config loads the termchat configuration: enabled providers, model
// tables, stream and lifecycle tuning, title inference preferences, and
// response styles. Values come from defaults, an optional YAML file, and
// environment variable overrides, merged in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/termchat/termchat/llm"
)

// AnthropicConfig represents configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey string            `yaml:"api_key,omitempty"` // Anthropic API key
	Models map[string]string `yaml:"models,omitempty"`  // User-facing name -> API model ID
}

// OllamaConfig represents configuration for the Ollama provider.
type OllamaConfig struct {
	Host      string            `yaml:"host,omitempty"`       // Ollama host (default: "http://localhost:11434")
	KeepAlive string            `yaml:"keep_alive,omitempty"` // Model keep-alive window, e.g. "5m"
	Models    map[string]string `yaml:"models,omitempty"`
}

// OpenAIConfig represents configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string            `yaml:"api_key,omitempty"`
	BaseURL      string            `yaml:"base_url,omitempty"` // Custom base URL (default: official API)
	Organization string            `yaml:"organization,omitempty"`
	Models       map[string]string `yaml:"models,omitempty"`
}

// StreamConfig tunes foreground generations.
type StreamConfig struct {
	FirstByteTimeout string   `yaml:"first_byte_timeout,omitempty"` // e.g. "30s"
	MaxTokens        int64    `yaml:"max_tokens,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	SubscriberBuffer int      `yaml:"subscriber_buffer,omitempty"`
}

// LifecycleConfig tunes local model warm-up and idle eviction.
type LifecycleConfig struct {
	IdleTimeout   string `yaml:"idle_timeout,omitempty"`   // e.g. "5m"
	SweepInterval string `yaml:"sweep_interval,omitempty"` // e.g. "1m"
}

// ModelPreference is one entry in the title-inference fast-model order.
type ModelPreference struct {
	Provider string `yaml:"provider"` // "anthropic", "ollama", or "openai"
	Model    string `yaml:"model"`
}

// TitleConfig configures background title inference.
type TitleConfig struct {
	Disabled    bool              `yaml:"disabled,omitempty"`
	Preferences []ModelPreference `yaml:"preferences,omitempty"`
}

// Config is the root termchat configuration.
type Config struct {
	// Providers lists the enabled backends.
	Providers []string `yaml:"providers,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`

	Stream    StreamConfig    `yaml:"stream,omitempty"`
	Lifecycle LifecycleConfig `yaml:"lifecycle,omitempty"`
	Title     TitleConfig     `yaml:"title,omitempty"`

	// Styles maps response-style names to system directive text.
	Styles map[string]string `yaml:"styles,omitempty"`

	// DefaultModel and DefaultStyle seed new conversations.
	DefaultModel string `yaml:"default_model,omitempty"`
	DefaultStyle string `yaml:"default_style,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via TERMCHAT_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("TERMCHAT_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.termchat/config.yaml"
	}
	return filepath.Join(homeDir, ".termchat", "config.yaml")
}

// GetDBPath returns the default sqlite database path.
func GetDBPath() string {
	if envPath := os.Getenv("TERMCHAT_DB_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.termchat/history.db"
	}
	return filepath.Join(homeDir, ".termchat", "history.db")
}

// Load reads configuration: defaults, then the YAML file at path (if it
// exists), then environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileConfig Config
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(cfg, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FirstByteTimeout parses the configured value, falling back to the default
// on absence or a malformed duration.
func (c *Config) FirstByteTimeout() time.Duration {
	return parseDuration(c.Stream.FirstByteTimeout, llm.DefaultFirstByteTimeout)
}

// OllamaKeepAlive parses the configured keep-alive window.
func (c *Config) OllamaKeepAlive() time.Duration {
	return parseDuration(c.Ollama.KeepAlive, 5*time.Minute)
}

// IdleTimeout parses the lifecycle idle window.
func (c *Config) IdleTimeout() time.Duration {
	return parseDuration(c.Lifecycle.IdleTimeout, 5*time.Minute)
}

// SweepInterval parses the lifecycle sweep tick interval.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Lifecycle.SweepInterval, time.Minute)
}

// TitlePreferences converts the configured preference order to the registry
// representation.
func (c *Config) TitlePreferences() []llm.Preference {
	prefs := make([]llm.Preference, 0, len(c.Title.Preferences))
	for _, p := range c.Title.Preferences {
		prefs = append(prefs, llm.Preference{Backend: p.Provider, Model: p.Model})
	}
	return prefs
}

func defaults() *Config {
	return &Config{
		Providers: []string{llm.BackendAnthropic, llm.BackendOllama, llm.BackendOpenAI},
		Anthropic: AnthropicConfig{
			Models: map[string]string{
				"claude-3-opus":   "claude-3-opus-20240229",
				"claude-3-sonnet": "claude-3-sonnet-20240229",
				"claude-3-haiku":  "claude-3-haiku-20240307",
			},
		},
		Ollama: OllamaConfig{
			Host:      "http://localhost:11434",
			KeepAlive: "5m",
			Models: map[string]string{
				"llama2":    "llama2",
				"mistral":   "mistral",
				"codellama": "codellama",
				"gemma":     "gemma",
			},
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
			Models: map[string]string{
				"gpt-3.5-turbo": "gpt-3.5-turbo",
				"gpt-4":         "gpt-4",
			},
		},
		Stream: StreamConfig{
			FirstByteTimeout: "30s",
			MaxTokens:        2048,
		},
		Lifecycle: LifecycleConfig{
			IdleTimeout:   "5m",
			SweepInterval: "1m",
		},
		Title: TitleConfig{
			Preferences: []ModelPreference{
				{Provider: llm.BackendAnthropic, Model: "claude-3-haiku"},
				{Provider: llm.BackendOpenAI, Model: "gpt-3.5-turbo"},
				{Provider: llm.BackendOllama, Model: "llama2"},
			},
		},
		Styles: map[string]string{
			"concise":   "Be extremely concise and to the point. Use short sentences and paragraphs. Avoid unnecessary details.",
			"detailed":  "Be comprehensive and thorough in your responses. Provide detailed explanations, examples, and cover all relevant aspects of the topic.",
			"technical": "Use precise technical language and terminology. Be formal and focus on accuracy and technical details.",
			"friendly":  "Be warm, approachable and conversational. Use casual language, personal examples, and a friendly tone.",
		},
		DefaultModel: "mistral",
		DefaultStyle: "default",
	}
}

// applyEnvOverrides layers environment variables over the merged config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_ORG_ID"); v != "" {
		cfg.OpenAI.Organization = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Ollama.Host = v
	}
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
