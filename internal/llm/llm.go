package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/rentguntur/project-school/internal/config"
)

// NewClient creates a new OpenAI client. Provider "azure" selects the Azure
// OpenAI endpoint layout; anything else is treated as OpenAI-compatible.
func NewClient(cfg config.LLMConfig) *openai.Client {
	if cfg.Provider == "azure" {
		return openai.NewClientWithConfig(openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL))
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(c)
}
