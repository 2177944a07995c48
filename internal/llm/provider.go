package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/memory"
)

// ChatRequest is what the chat pipeline hands to a model. System is passed
// through untouched; Messages is the assembled, trimmed context.
type ChatRequest struct {
	System   string                   `json:"system,omitempty"`
	Messages []memory.ChatTurnMessage `json:"messages"`
}

// ChatResponse is the complete text once the stream ends.
type ChatResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error aborts
// the stream.
type DeltaHandler func(delta string) error

// Provider streams a model response.
type Provider interface {
	StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error)
}

// Config controls provider construction.
type Config struct {
	Provider string

	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int

	HTTPURL     string
	HTTPRetries int
	HTTPTimeout time.Duration
}

// NewProvider builds the configured provider. "auto" prefers Anthropic when an
// API key is set, then the HTTP endpoint, and falls back to the mock.
func NewProvider(cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoProvider(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicMaxTokens), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("LLM_HTTP_URL is required for the http provider")
		}
		return NewHTTPProvider(cfg.HTTPURL, HTTPOptions{Retries: cfg.HTTPRetries, Timeout: cfg.HTTPTimeout}), nil
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (expected auto|anthropic|http|mock)", cfg.Provider)
	}
}

func newAutoProvider(cfg Config) Provider {
	var secondary Provider = NewMockProvider()
	if url := strings.TrimSpace(cfg.HTTPURL); url != "" {
		secondary = NewHTTPProvider(url, HTTPOptions{Retries: cfg.HTTPRetries, Timeout: cfg.HTTPTimeout})
	}

	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		primary := NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicMaxTokens)
		if _, isMock := secondary.(*MockProvider); isMock {
			// A silent mock fallback would hide auth and quota problems.
			return primary
		}
		return NewFallbackProvider(primary, secondary)
	}
	return secondary
}

// Name reports a short label for logs and metrics.
func Name(p Provider) string {
	switch v := p.(type) {
	case *AnthropicProvider:
		return "anthropic"
	case *HTTPProvider:
		return "http"
	case *MockProvider:
		return "mock"
	case *FallbackProvider:
		return Name(v.Primary()) + "+" + Name(v.Secondary())
	default:
		return "custom"
	}
}

func lastUserContent(msgs []memory.ChatTurnMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == memory.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
