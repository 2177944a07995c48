package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/policy"
	"github.com/sirupsen/logrus"
)

// ErrInvalidInput is returned for requests rejected before any store access.
var ErrInvalidInput = errors.New("invalid input")

// Scope identifies the conversation and owner a turn belongs to.
type Scope struct {
	ConversationID string
	UserID         string
}

// Memories is the single write path for memory entries: every add goes
// through the rolling summary policy.
type Memories struct {
	store     memory.Store
	redactPII bool
	log       *logrus.Entry
}

type MemoriesOption func(*Memories)

// WithPIIRedaction masks emails, phone numbers and card numbers in entry
// content before it is stored.
func WithPIIRedaction(enabled bool) MemoriesOption {
	return func(m *Memories) { m.redactPII = enabled }
}

func WithMemoriesLogger(log *logrus.Entry) MemoriesOption {
	return func(m *Memories) { m.log = log }
}

func NewMemories(store memory.Store, opts ...MemoriesOption) *Memories {
	m := &Memories{store: store}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.OrComponent(m.log, "memories")
	return m
}

// Add persists entry and then folds it into the conversation summary.
// The stored entry is returned (content may differ when redaction is on).
func (m *Memories) Add(ctx context.Context, entry memory.Entry) (memory.Entry, error) {
	if strings.TrimSpace(entry.Content) == "" {
		return memory.Entry{}, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if m.redactPII {
		if kinds := policy.RedactedKinds(entry.Content); len(kinds) > 0 {
			entry.Content, _ = policy.RedactPII(entry.Content)
			m.log.WithFields(logrus.Fields{
				"conversation_id": entry.Metadata.ConversationID,
				"kinds":           kinds,
			}).Debug("redacted pii from memory entry")
		}
	}
	if err := entry.Validate(); err != nil {
		return memory.Entry{}, err
	}

	convID := entry.Metadata.ConversationID
	if err := m.store.AppendEntry(ctx, convID, entry); err != nil {
		return memory.Entry{}, fmt.Errorf("append entry: %w", err)
	}

	rec, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return entry, fmt.Errorf("load summary: %w", err)
	}
	next, changed := memory.NextSummary(rec.Summary, entry)
	if !changed {
		return entry, nil
	}
	if err := m.store.SetSummary(ctx, convID, next); err != nil {
		return entry, fmt.Errorf("update summary: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"conversation_id": convID,
		"entry_type":      entry.Metadata.Type,
		"summary_runes":   len([]rune(next)),
	}).Debug("summary updated")
	return entry, nil
}

// Delete removes one entry. Unknown ids are a no-op.
func (m *Memories) Delete(ctx context.Context, conversationID, entryID string) error {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(entryID) == "" {
		return fmt.Errorf("%w: conversation id and memory id are required", ErrInvalidInput)
	}
	return m.store.DeleteEntry(ctx, conversationID, entryID)
}
