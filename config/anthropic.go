package config

import (
	"github.com/rs/zerolog"

	"github.com/termchat/termchat/llm"
	llmanthropic "github.com/termchat/termchat/llm/anthropic"
)

// NewAnthropicClient creates an Anthropic client from the configuration.
func NewAnthropicClient(cfg *Config, logger zerolog.Logger) (*llmanthropic.AnthropicClient, error) {
	return llmanthropic.NewAnthropicClient(
		cfg.Anthropic.APIKey,
		llm.ModelTable(cfg.Anthropic.Models),
		cfg.FirstByteTimeout(),
		logger,
	)
}
