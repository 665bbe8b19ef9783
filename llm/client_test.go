package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestModelConfigNormalized(t *testing.T) {
	cfg := ModelConfig{Provider: " OpenAI "}.Normalized()
	if cfg.Provider != ProviderOpenAI {
		t.Errorf("provider = %q, want %q", cfg.Provider, ProviderOpenAI)
	}
	if cfg.Temperature != 0.7 || cfg.TopP != 1.0 || cfg.MaxTokens != 1024 {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	cfg = ModelConfig{Provider: "anthropic", Temperature: 0.1, TopP: 0.9, MaxTokens: 10}.Normalized()
	if cfg.Temperature != 0.1 || cfg.TopP != 0.9 || cfg.MaxTokens != 10 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestSanitizeMessages(t *testing.T) {
	cfg := ModelConfig{SystemPrompt: "You are a minion."}
	msgs := sanitizeMessages(cfg, []ChatMessage{
		{Role: "system", Content: "caller system prompt"},
		{Role: "", Content: "  hello  "},
		{Role: "assistant", Content: ""},
	})

	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are a minion." {
		t.Errorf("config system prompt should win: %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hello" {
		t.Errorf("blank role should default to user with trimmed content: %+v", msgs[1])
	}
}

func TestChatOpenAICompatible(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "  pong  "}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer server.Close()

	cfg := ModelConfig{
		Provider:     "openai",
		ModelID:      "gpt-4o-mini",
		APIKey:       "test-key",
		BaseURL:      server.URL,
		SystemPrompt: "be brief",
	}
	result, err := NewClient().Chat(context.Background(), cfg, []ChatMessage{{Role: "user", Content: "ping"}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "pong" {
		t.Errorf("content = %q, want pong", result.Content)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", captured.Messages)
	}
	if captured.Stream {
		t.Error("request should not enable streaming")
	}
}

func TestChatAnthropic(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key header = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "hello there"}},
			"usage":   map[string]int{"input_tokens": 5, "output_tokens": 2},
		})
	}))
	defer server.Close()

	cfg := ModelConfig{
		Provider:     ProviderAnthropic,
		ModelID:      "claude-sonnet",
		APIKey:       "test-key",
		BaseURL:      server.URL,
		SystemPrompt: "stay in character",
	}
	result, err := NewClient().Chat(context.Background(), cfg, []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "hello there" {
		t.Errorf("content = %q", result.Content)
	}
	if captured.System != "stay in character" {
		t.Errorf("system prompt not lifted out of messages: %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", captured.Messages)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestChatValidation(t *testing.T) {
	client := NewClient()
	ctx := context.Background()

	if _, err := client.Chat(ctx, ModelConfig{ModelID: "m"}, []ChatMessage{{Role: "user", Content: "x"}}); err == nil {
		t.Error("missing API key should fail")
	}
	if _, err := client.Chat(ctx, ModelConfig{APIKey: "k"}, []ChatMessage{{Role: "user", Content: "x"}}); err == nil {
		t.Error("missing model id should fail")
	}
	if _, err := client.Chat(ctx, ModelConfig{APIKey: "k", ModelID: "m"}, nil); err == nil {
		t.Error("empty messages should fail")
	}
}
