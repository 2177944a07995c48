package recall

import (
	"context"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/sirupsen/logrus"
)

const (
	memoryPreamble = "Relevant memories from past conversations:\n\n"
	memorySuffix   = "\n\nUse this information to personalize your response when relevant."

	DefaultInjectLimit    = 3
	DefaultInjectMinScore = 0.3
)

// TrimPolicy bounds the message list sent to the model.
type TrimPolicy interface {
	Trim(msgs []memory.ChatTurnMessage, maxTokens int) []memory.ChatTurnMessage
}

// MessageCountTrim keeps the last max(MinMessages, maxTokens/TokensPerMessage)
// messages.
type MessageCountTrim struct {
	TokensPerMessage int
	MinMessages      int
}

func DefaultTrimPolicy() MessageCountTrim {
	return MessageCountTrim{TokensPerMessage: 500, MinMessages: 6}
}

func (p MessageCountTrim) MaxMessages(maxTokens int) int {
	per := p.TokensPerMessage
	if per <= 0 {
		per = 500
	}
	n := maxTokens / per
	if n < p.MinMessages {
		n = p.MinMessages
	}
	return n
}

func (p MessageCountTrim) Trim(msgs []memory.ChatTurnMessage, maxTokens int) []memory.ChatTurnMessage {
	n := p.MaxMessages(maxTokens)
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// Assembly is the result of context assembly.
type Assembly struct {
	Messages []memory.ChatTurnMessage
	Memories []ScoredMemory
	// Injected reports whether a memory message was prepended; it may still
	// have been trimmed away.
	Injected bool
	Trimmed  int
}

// Assembler injects retrieved memories and trims history to a budget.
type Assembler struct {
	retriever *Retriever
	trim      TrimPolicy
	limit     int
	minScore  float64
	timeout   time.Duration
	log       *logrus.Entry
}

type AssemblerConfig struct {
	Limit    int
	MinScore float64
	// Timeout bounds retrieval; zero means the caller's context only.
	Timeout time.Duration
	Trim    TrimPolicy
	Logger  *logrus.Entry
}

func NewAssembler(retriever *Retriever, cfg AssemblerConfig) *Assembler {
	a := &Assembler{
		retriever: retriever,
		trim:      cfg.Trim,
		limit:     cfg.Limit,
		minScore:  cfg.MinScore,
		timeout:   cfg.Timeout,
		log:       logging.OrComponent(cfg.Logger, "assembler"),
	}
	if a.trim == nil {
		a.trim = DefaultTrimPolicy()
	}
	if a.limit <= 0 {
		a.limit = DefaultInjectLimit
	}
	return a
}

// Assemble builds the model message list for one turn. Retrieval failures
// are logged and the turn continues without memory. The input slice is not
// modified.
func (a *Assembler) Assemble(ctx context.Context, conversationID string, msgs []memory.ChatTurnMessage, maxTokens int) Assembly {
	if len(msgs) == 0 {
		return Assembly{Messages: []memory.ChatTurnMessage{}}
	}

	out := make([]memory.ChatTurnMessage, 0, len(msgs)+1)
	var found []ScoredMemory
	if conversationID != "" {
		found = a.retrieve(ctx, conversationID, Query(msgs))
	}
	if len(found) > 0 {
		out = append(out, memory.ChatTurnMessage{
			Role:    memory.RoleSystem,
			Content: FormatMemories(found),
		})
	}
	out = append(out, msgs...)

	trimmed := a.trim.Trim(out, maxTokens)
	return Assembly{
		Messages: trimmed,
		Memories: found,
		Injected: len(found) > 0,
		Trimmed:  len(out) - len(trimmed),
	}
}

func (a *Assembler) retrieve(ctx context.Context, conversationID, query string) []ScoredMemory {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	found, err := a.retriever.Retrieve(ctx, query, conversationID, a.limit, a.minScore)
	if err != nil {
		a.log.WithError(err).WithField("conversation_id", conversationID).Warn("memory retrieval failed; continuing without memory")
		return nil
	}
	return found
}

// Query joins message contents with single spaces.
func Query(msgs []memory.ChatTurnMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, " ")
}

// FormatMemories renders the system directive carrying retrieved memories.
func FormatMemories(found []ScoredMemory) string {
	lines := make([]string, len(found))
	for i, m := range found {
		lines[i] = "[" + strings.ToUpper(string(m.Metadata.Type)) + "] " + m.Content
	}
	return memoryPreamble + strings.Join(lines, "\n\n") + memorySuffix
}
