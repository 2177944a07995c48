package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*ConversationRecord
	messages      map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*ConversationRecord),
		messages:      make(map[string][]Message),
	}
}

func (s *InMemoryStore) EnsureConversation(_ context.Context, conv NewConversation) (ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.conversations[conv.ID]; ok {
		return cloneRecord(rec), nil
	}
	now := time.Now().UTC()
	rec := &ConversationRecord{
		ID:        conv.ID,
		Title:     conv.Title,
		UserID:    conv.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = rec
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, conversationID string) (ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return ConversationRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string, limit int) ([]ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	if rec, ok := s.conversations[msg.ConversationID]; ok {
		rec.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int, roles ...Role) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	out := make([]Message, 0, len(arr))
	for i := len(arr) - 1; i >= 0; i-- {
		if !roleAllowed(arr[i].Role, roles) {
			continue
		}
		out = append(out, arr[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendEntry(_ context.Context, conversationID string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	rec.Entries = append(rec.Entries, entry)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) DeleteEntry(_ context.Context, conversationID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	kept := rec.Entries[:0]
	for _, e := range rec.Entries {
		if e.ID != entryID {
			kept = append(kept, e)
		}
	}
	rec.Entries = kept
	return nil
}

func (s *InMemoryStore) SetSummary(_ context.Context, conversationID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	rec.Summary = TruncateRunes(summary, SummaryCap)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func cloneRecord(rec *ConversationRecord) ConversationRecord {
	c := *rec
	if rec.Entries != nil {
		c.Entries = make([]Entry, len(rec.Entries))
		copy(c.Entries, rec.Entries)
	}
	return c
}

func roleAllowed(role Role, roles []Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
