package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIBaseURL    = "https://api.openai.com/v1"
	anthropicBaseURL = "https://api.anthropic.com/v1"
)

// Completer is the single entry point consumers depend on; tests substitute
// a fake instead of dialing a provider.
type Completer interface {
	Chat(ctx context.Context, cfg ModelConfig, messages []ChatMessage) (ChatResult, error)
}

// Client dispatches completions to the provider named in each ModelConfig.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 60 * time.Second}}
}

// Chat sends the conversation to the configured provider and returns the
// first assistant reply with usage metrics.
func (c *Client) Chat(ctx context.Context, cfg ModelConfig, messages []ChatMessage) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	cfg = cfg.Normalized()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return ChatResult{}, fmt.Errorf("llm: no API key configured for provider %s", cfg.Provider)
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		return ChatResult{}, errors.New("llm: model id is required")
	}

	payload := sanitizeMessages(cfg, messages)
	if len(payload) == 0 {
		return ChatResult{}, errors.New("llm: messages contain no content")
	}

	if cfg.Provider == ProviderAnthropic {
		return c.chatAnthropic(ctx, cfg, payload)
	}
	return c.chatOpenAI(ctx, cfg, payload)
}

// Complete wraps a single user prompt in the config's system prompt.
func (c *Client) Complete(ctx context.Context, cfg ModelConfig, prompt string) (ChatResult, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ChatResult{}, errors.New("llm: prompt cannot be empty")
	}
	return c.Chat(ctx, cfg, []ChatMessage{{Role: "user", Content: trimmed}})
}

// sanitizeMessages trims content, defaults blank roles to user, and injects
// the config's system prompt at the front when one is set.
func sanitizeMessages(cfg ModelConfig, messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages)+1)
	if sp := strings.TrimSpace(cfg.SystemPrompt); sp != "" {
		out = append(out, ChatMessage{Role: "system", Content: sp})
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if role == "system" && len(out) > 0 && out[0].Role == "system" {
			// Config system prompt wins over caller-provided ones.
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	if len(out) == 1 && out[0].Role == "system" {
		return nil
	}
	return out
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage"`
}

func (c *Client) chatOpenAI(ctx context.Context, cfg ModelConfig, messages []ChatMessage) (ChatResult, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = openAIBaseURL
	}

	payload := openAIRequest{
		Model:       cfg.ModelID,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Messages:    make([]openAIMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		payload.Messages = append(payload.Messages, openAIMessage{Role: msg.Role, Content: msg.Content})
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return ChatResult{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResult{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, errors.New("llm: response contains no choices")
	}

	return ChatResult{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage:   decoded.Usage,
	}, nil
}
