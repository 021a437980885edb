package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       Role
	Name       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a capability request made by the model. Arguments is raw JSON text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool advertises one capability to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  any
}

type Request struct {
	Messages []Message
	Tools    []Tool
}

// Response is the complete model output after streaming ends.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// DeltaHandler receives streamed text fragments as they arrive.
type DeltaHandler func(delta string) error

// Client is a streaming chat-completion backend.
type Client interface {
	Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64

	FallbackBaseURL string
	FallbackAPIKey  string
	FallbackModel   string
}

const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	OpenAIBaseURL = "https://api.openai.com/v1"
	DefaultModel  = "llama3-groq-70b-8192-tool-use-preview"
)

// NewClient builds a client for cfg.Provider: groq, openai, mock or auto.
// auto picks groq when an API key is present and the mock otherwise.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}

	var primary Client
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockClient(), nil
		}
		primary = newOpenAIFromConfig(cfg, GroqBaseURL)
	case "groq":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("LLM_API_KEY is required for provider %q", mode)
		}
		primary = newOpenAIFromConfig(cfg, GroqBaseURL)
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("LLM_API_KEY is required for provider %q", mode)
		}
		primary = newOpenAIFromConfig(cfg, OpenAIBaseURL)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	if strings.TrimSpace(cfg.FallbackModel) == "" {
		return primary, nil
	}
	fallback := NewOpenAIClient(OpenAIConfig{
		BaseURL:     firstNonEmpty(cfg.FallbackBaseURL, cfg.BaseURL, GroqBaseURL),
		APIKey:      firstNonEmpty(cfg.FallbackAPIKey, cfg.APIKey),
		Model:       cfg.FallbackModel,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		Temperature: cfg.Temperature,
	})
	return NewFallbackClient(primary, fallback), nil
}

func newOpenAIFromConfig(cfg Config, defaultBaseURL string) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		BaseURL:     firstNonEmpty(cfg.BaseURL, defaultBaseURL),
		APIKey:      cfg.APIKey,
		Model:       firstNonEmpty(cfg.Model, DefaultModel),
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		Temperature: cfg.Temperature,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
