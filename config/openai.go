package config

import (
	"github.com/termchat/termchat/llm"
	llmopenai "github.com/termchat/termchat/llm/openai"
)

// NewOpenAIClient creates an OpenAI client from the configuration.
func NewOpenAIClient(cfg *Config) (*llmopenai.OpenAIClient, error) {
	return llmopenai.NewOpenAIClient(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.OpenAI.Organization,
		llm.ModelTable(cfg.OpenAI.Models),
		cfg.FirstByteTimeout(),
	)
}
