package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/memory"
)

// MockProvider streams a deterministic echo reply word by word. It is used
// for local runs without credentials and in tests.
type MockProvider struct {
	// Delay is slept between words.
	Delay time.Duration
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	text := buildMockReply(req)
	words := strings.SplitAfter(text, " ")

	var out strings.Builder
	for _, w := range words {
		select {
		case <-ctx.Done():
			return ChatResponse{Text: out.String()}, ctx.Err()
		default:
		}
		out.WriteString(w)
		if onDelta != nil {
			if err := onDelta(w); err != nil {
				return ChatResponse{Text: out.String()}, err
			}
		}
		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return ChatResponse{Text: out.String()}, ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	return ChatResponse{Text: out.String()}, nil
}

func buildMockReply(req ChatRequest) string {
	base := strings.TrimSpace(lastUserContent(req.Messages))
	if base == "" {
		base = "I am listening."
	}

	for _, m := range req.Messages {
		if m.Role != memory.RoleSystem {
			continue
		}
		if first := firstMemoryLine(m.Content); first != "" {
			return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, first)
		}
	}
	return fmt.Sprintf("I heard you: %s", base)
}

func firstMemoryLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			return line
		}
	}
	return ""
}
