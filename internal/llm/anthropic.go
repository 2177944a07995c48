package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ent0n29/parley/internal/memory"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicProvider(apiKey, model string, maxTokens int, opts ...option.RequestOption) *AnthropicProvider {
	if strings.TrimSpace(model) == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	system, messages := toAnthropicMessages(req)
	if len(messages) == 0 {
		return ChatResponse{}, fmt.Errorf("anthropic: no user message to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		event := stream.Current()
		evt, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := evt.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}
		out.WriteString(delta.Text)
		if onDelta != nil {
			if err := onDelta(delta.Text); err != nil {
				return ChatResponse{Text: out.String()}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResponse{Text: out.String()}, fmt.Errorf("anthropic stream: %w", err)
	}
	return ChatResponse{Text: out.String()}, nil
}

// toAnthropicMessages folds system-role messages (such as injected memories)
// into the system prompt and merges consecutive same-role turns, since the
// Messages API accepts only alternating user/assistant turns starting with a
// user turn. Leading assistant turns left over from trimming are dropped.
func toAnthropicMessages(req ChatRequest) (string, []anthropic.MessageParam) {
	systemParts := make([]string, 0, 2)
	if s := strings.TrimSpace(req.System); s != "" {
		systemParts = append(systemParts, s)
	}

	type turn struct {
		role memory.Role
		text []string
	}
	var turns []turn
	for _, m := range req.Messages {
		content := withAttachments(m)
		switch m.Role {
		case memory.RoleSystem:
			if strings.TrimSpace(content) != "" {
				systemParts = append(systemParts, content)
			}
			continue
		case memory.RoleAssistant:
			if len(turns) == 0 {
				continue
			}
		}
		if n := len(turns); n > 0 && turns[n-1].role == m.Role {
			turns[n-1].text = append(turns[n-1].text, content)
			continue
		}
		turns = append(turns, turn{role: m.Role, text: []string{content}})
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == memory.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return strings.Join(systemParts, "\n\n"), out
}

func withAttachments(m memory.ChatTurnMessage) string {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, a := range m.Attachments {
		b.WriteString("\n[attachment] ")
		b.WriteString(a.Name)
		if a.URL != "" {
			b.WriteString(" ")
			b.WriteString(a.URL)
		}
	}
	return b.String()
}
