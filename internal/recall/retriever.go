package recall

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ent0n29/parley/internal/memory"
)

// Pool weights for pseudo-entries built from raw conversation state.
const (
	summaryImportance          = 8
	userMessageImportance      = 7
	assistantMessageImportance = 5

	DefaultPoolMessages = 20

	// maxPoolOverfetch bounds how far past partial rows the pool will page.
	maxPoolOverfetch = 8
)

// ScoredMemory is one retrieval result.
type ScoredMemory struct {
	Content  string               `json:"content"`
	Score    float64              `json:"score"`
	Metadata memory.EntryMetadata `json:"metadata"`
}

// Retriever ranks a conversation's summary, recent messages and optionally
// its stored entries against a query.
type Retriever struct {
	store          memory.Store
	scorer         Scorer
	poolMessages   int
	includeEntries bool
}

type RetrieverOption func(*Retriever)

func WithScorer(s Scorer) RetrieverOption {
	return func(r *Retriever) { r.scorer = s }
}

// WithStoredEntries adds the conversation's memory entries to the pool,
// between the summary and the recent messages.
func WithStoredEntries(enabled bool) RetrieverOption {
	return func(r *Retriever) { r.includeEntries = enabled }
}

func WithPoolMessages(n int) RetrieverOption {
	return func(r *Retriever) {
		if n > 0 {
			r.poolMessages = n
		}
	}
}

func NewRetriever(store memory.Store, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:        store,
		scorer:       OverlapScorer{},
		poolMessages: DefaultPoolMessages,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns at most limit memories scoring at least minScore, ordered
// by score*importance descending. Ties keep pool order. An unknown
// conversation yields no results and no error.
func (r *Retriever) Retrieve(ctx context.Context, query, conversationID string, limit int, minScore float64) ([]ScoredMemory, error) {
	if limit <= 0 {
		return []ScoredMemory{}, nil
	}
	pool, err := r.pool(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		ScoredMemory
		weight float64
	}
	scored := make([]ranked, 0, len(pool))
	for _, cand := range pool {
		score := r.scorer.Score(query, cand.Content)
		if score < minScore {
			continue
		}
		scored = append(scored, ranked{
			ScoredMemory: ScoredMemory{Content: cand.Content, Score: score, Metadata: cand.Metadata},
			weight:       score * float64(cand.Metadata.Importance),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].weight > scored[j].weight
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]ScoredMemory, len(scored))
	for i, s := range scored {
		out[i] = s.ScoredMemory
	}
	return out, nil
}

func (r *Retriever) pool(ctx context.Context, conversationID string) ([]memory.Entry, error) {
	var pool []memory.Entry

	rec, err := r.store.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load conversation: %w", err)
	default:
		if rec.Summary != "" {
			pool = append(pool, memory.Entry{
				Content: rec.Summary,
				Metadata: memory.EntryMetadata{
					ConversationID: rec.ID,
					UserID:         rec.UserID,
					CreatedAt:      rec.UpdatedAt,
					Type:           memory.TypeSummary,
					Importance:     summaryImportance,
				},
			})
		}
		if r.includeEntries {
			for i := len(rec.Entries) - 1; i >= 0; i-- {
				pool = append(pool, rec.Entries[i])
			}
		}
	}

	msgs, err := r.completeMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	for _, m := range msgs {
		typ, importance := memory.TypeContext, assistantMessageImportance
		if m.Role == memory.RoleUser {
			typ, importance = memory.TypeUserPreference, userMessageImportance
		}
		pool = append(pool, memory.Entry{
			ID:      m.ID,
			Content: m.Content,
			Metadata: memory.EntryMetadata{
				ConversationID: m.ConversationID,
				UserID:         m.UserID,
				CreatedAt:      m.CreatedAt,
				Type:           typ,
				Importance:     importance,
			},
		})
	}
	return pool, nil
}

// completeMessages returns up to poolMessages non-partial user and assistant
// messages, newest first. Partial rows are skipped, so the store is asked for
// a larger page until enough remain or history runs out.
func (r *Retriever) completeMessages(ctx context.Context, conversationID string) ([]memory.Message, error) {
	if r.poolMessages <= 0 {
		return nil, nil
	}
	fetch := r.poolMessages
	for {
		msgs, err := r.store.RecentMessages(ctx, conversationID, fetch, memory.RoleUser, memory.RoleAssistant)
		if err != nil {
			return nil, err
		}
		out := make([]memory.Message, 0, r.poolMessages)
		for _, m := range msgs {
			if m.Partial {
				continue
			}
			out = append(out, m)
			if len(out) == r.poolMessages {
				return out, nil
			}
		}
		if len(msgs) < fetch || fetch >= r.poolMessages*maxPoolOverfetch {
			return out, nil
		}
		fetch *= 2
	}
}
