package llm

import "strings"

// Provider identifiers accepted in ModelConfig.Provider. Anything not listed
// here is treated as an OpenAI-compatible endpoint.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ModelConfig carries everything needed for one completion call. Each minion
// stores its own config, so the client is stateless and config travels per
// request.
type ModelConfig struct {
	Provider     string  `json:"provider"`
	ModelID      string  `json:"model_id"`
	APIKey       string  `json:"-"`
	BaseURL      string  `json:"base_url,omitempty"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	MaxTokens    int     `json:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// Normalized returns the config with provider lowercased and defaults filled.
func (c ModelConfig) Normalized() ModelConfig {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.TopP <= 0 {
		c.TopP = 1.0
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult represents the content and usage information for a completion.
type ChatResult struct {
	Content string
	Usage   *ChatUsage
}
