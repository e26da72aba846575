package config

import (
	"github.com/termchat/termchat/llm"
	llmollama "github.com/termchat/termchat/llm/ollama"
)

// NewOllamaClient creates an Ollama client from the configuration. The
// lifecycle manager is bound separately via SetLifecycle once both exist.
func NewOllamaClient(cfg *Config) (*llmollama.OllamaClient, error) {
	return llmollama.NewOllamaClient(
		cfg.Ollama.Host,
		llm.ModelTable(cfg.Ollama.Models),
		cfg.OllamaKeepAlive(),
		cfg.FirstByteTimeout(),
	)
}
