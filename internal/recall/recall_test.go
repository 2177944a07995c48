package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, convID string) *memory.InMemoryStore {
	t.Helper()
	store := memory.NewInMemoryStore()
	_, err := store.EnsureConversation(context.Background(), memory.NewConversation{ID: convID, UserID: "u1", Title: "test"})
	require.NoError(t, err)
	return store
}

func appendMsg(t *testing.T, store memory.Store, convID string, role memory.Role, content string) {
	t.Helper()
	require.NoError(t, store.AppendMessage(context.Background(), memory.Message{
		ConversationID: convID,
		UserID:         "u1",
		Role:           role,
		Content:        content,
	}))
}

func turnMessages(n int, content func(i int) string) []memory.ChatTurnMessage {
	out := make([]memory.ChatTurnMessage, n)
	for i := range out {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		out[i] = memory.ChatTurnMessage{Role: role, Content: content(i)}
	}
	return out
}

// failingStore fails AppendEntry for entries whose content contains failOn.
type failingStore struct {
	memory.Store
	failOn string
}

func (s failingStore) AppendEntry(ctx context.Context, convID string, e memory.Entry) error {
	if strings.Contains(e.Content, s.failOn) {
		return errors.New("disk full")
	}
	return s.Store.AppendEntry(ctx, convID, e)
}

type downStore struct{ memory.Store }

func (downStore) GetConversation(context.Context, string) (memory.ConversationRecord, error) {
	return memory.ConversationRecord{}, errors.New("connection refused")
}

func TestRetrieveAllIncludesSummaryForAnyQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	require.NoError(t, store.SetSummary(ctx, "c1", "User likes Python"))
	appendMsg(t, store, "c1", memory.RoleUser, "hello there")

	got, err := NewRetriever(store).Retrieve(ctx, "totally unrelated", "c1", 50, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, memory.TypeSummary, got[0].Metadata.Type)
	assert.Equal(t, 8, got[0].Metadata.Importance)
	assert.Equal(t, "User likes Python", got[0].Content)
	assert.Equal(t, memory.TypeUserPreference, got[1].Metadata.Type)
	assert.Equal(t, 7, got[1].Metadata.Importance)
}

func TestRetrieveLiteralMatchLimitation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	require.NoError(t, store.SetSummary(ctx, "c1", "User likes Python"))

	got, err := NewRetriever(store).Retrieve(ctx, "what language do you prefer", "c1", 3, 0.3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveOrdersByWeightedScore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	// summary: score 0.5, importance 8 -> 4.0
	require.NoError(t, store.SetSummary(ctx, "c1", "python rocks"))
	// assistant: score 1.0, importance 5 -> 5.0
	appendMsg(t, store, "c1", memory.RoleAssistant, "python tips here")

	got, err := NewRetriever(store).Retrieve(ctx, "python tips", "c1", 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "python tips here", got[0].Content)
	assert.Equal(t, "python rocks", got[1].Content)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.InDelta(t, 0.5, got[1].Score, 1e-9)
}

func TestRetrieveTiesKeepRecencyOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	appendMsg(t, store, "c1", memory.RoleUser, "go is great")
	appendMsg(t, store, "c1", memory.RoleUser, "go is fast")

	got, err := NewRetriever(store).Retrieve(ctx, "go", "c1", 5, 0.3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "go is fast", got[0].Content)
	assert.Equal(t, "go is great", got[1].Content)
}

func TestRetrieveRespectsLimitAndMinScore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	for i := 0; i < 30; i++ {
		content := fmt.Sprintf("message %d about go", i)
		if i%3 == 0 {
			content = fmt.Sprintf("message %d", i)
		}
		appendMsg(t, store, "c1", memory.RoleUser, content)
	}

	r := NewRetriever(store)
	got, err := r.Retrieve(ctx, "about go", "c1", 4, 0.5)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	for _, m := range got {
		assert.GreaterOrEqual(t, m.Score, 0.5)
	}

	all, err := r.Retrieve(ctx, "", "c1", 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, DefaultPoolMessages)

	none, err := r.Retrieve(ctx, "", "c1", 50, 0.1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieveSkipsSystemAndPartialMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	appendMsg(t, store, "c1", memory.RoleSystem, "go system")
	require.NoError(t, store.AppendMessage(ctx, memory.Message{
		ConversationID: "c1", Role: memory.RoleAssistant, Content: "go partial", Partial: true,
	}))
	appendMsg(t, store, "c1", memory.RoleAssistant, "go final")

	got, err := NewRetriever(store).Retrieve(ctx, "go", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "go final", got[0].Content)
	assert.Equal(t, memory.TypeContext, got[0].Metadata.Type)
}

func TestRetrievePoolFillsPastPartialMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	for i := 0; i < 3; i++ {
		appendMsg(t, store, "c1", memory.RoleUser, fmt.Sprintf("go question %d", i))
	}
	// Newest rows are partial and must not crowd out complete ones.
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendMessage(ctx, memory.Message{
			ConversationID: "c1", Role: memory.RoleAssistant, Content: "go partial", Partial: true,
		}))
	}

	got, err := NewRetriever(store, WithPoolMessages(3)).Retrieve(ctx, "go", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, m := range got {
		assert.NotEqual(t, "go partial", m.Content)
	}
}

func TestRetrieveStoredEntriesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	entry := memory.NewEntry("c1", "u1", memory.TypeFact, 9, "Fact: tabs over spaces")
	require.NoError(t, store.AppendEntry(ctx, "c1", entry))

	without, err := NewRetriever(store).Retrieve(ctx, "tabs", "c1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, without)

	with, err := NewRetriever(store, WithStoredEntries(true)).Retrieve(ctx, "tabs", "c1", 5, 0)
	require.NoError(t, err)
	require.Len(t, with, 1)
	assert.Equal(t, memory.TypeFact, with[0].Metadata.Type)
	assert.Equal(t, 9, with[0].Metadata.Importance)
}

func TestRetrieveUnknownConversationIsEmpty(t *testing.T) {
	got, err := NewRetriever(memory.NewInMemoryStore()).Retrieve(context.Background(), "x", "missing", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssembleTrimsToLastSix(t *testing.T) {
	store := newTestStore(t, "c1")
	a := NewAssembler(NewRetriever(store), AssemblerConfig{Limit: 3, MinScore: 0.3, Logger: logging.Discard()})
	in := turnMessages(10, func(i int) string { return fmt.Sprintf("m%d", i) })

	out := a.Assemble(context.Background(), "c1", in, 3000)
	require.Len(t, out.Messages, 6)
	assert.Equal(t, in[4:], out.Messages)
	assert.False(t, out.Injected)
	assert.Equal(t, 4, out.Trimmed)
	assert.Equal(t, "m0", in[0].Content, "input must not be modified")
}

func TestAssembleInjectsMemoryMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	require.NoError(t, store.SetSummary(ctx, "c1", "likes go"))
	a := NewAssembler(NewRetriever(store), AssemblerConfig{Limit: 3, MinScore: 0.3, Logger: logging.Discard()})
	in := turnMessages(3, func(int) string { return "go" })

	out := a.Assemble(ctx, "c1", in, 3000)
	require.Len(t, out.Messages, 4)
	assert.True(t, out.Injected)
	assert.Equal(t, memory.RoleSystem, out.Messages[0].Role)
	assert.Equal(t,
		"Relevant memories from past conversations:\n\n[SUMMARY] likes go\n\nUse this information to personalize your response when relevant.",
		out.Messages[0].Content)
	assert.Equal(t, in, out.Messages[1:])
}

func TestAssembleTrimmingMayEvictInjectedMemory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	require.NoError(t, store.SetSummary(ctx, "c1", "likes go"))
	a := NewAssembler(NewRetriever(store), AssemblerConfig{Limit: 3, MinScore: 0.3, Logger: logging.Discard()})
	in := turnMessages(6, func(int) string { return "go" })

	out := a.Assemble(ctx, "c1", in, 3000)
	assert.True(t, out.Injected)
	require.Len(t, out.Messages, 6)
	assert.Equal(t, in, out.Messages)
	for _, m := range out.Messages {
		assert.NotEqual(t, memory.RoleSystem, m.Role)
	}
}

func TestAssembleEmptyInput(t *testing.T) {
	a := NewAssembler(NewRetriever(memory.NewInMemoryStore()), AssemblerConfig{Logger: logging.Discard()})
	out := a.Assemble(context.Background(), "c1", nil, 4000)
	assert.Empty(t, out.Messages)
	assert.NotNil(t, out.Messages)
}

func TestAssembleSurvivesStoreOutage(t *testing.T) {
	store := downStore{Store: memory.NewInMemoryStore()}
	a := NewAssembler(NewRetriever(store), AssemblerConfig{MinScore: 0.3, Logger: logging.Discard()})
	in := turnMessages(2, func(int) string { return "hi" })

	out := a.Assemble(context.Background(), "c1", in, 4000)
	assert.Equal(t, in, out.Messages)
	assert.False(t, out.Injected)
}

func TestMessageCountTrimBudget(t *testing.T) {
	p := DefaultTrimPolicy()
	assert.Equal(t, 6, p.MaxMessages(0))
	assert.Equal(t, 6, p.MaxMessages(3000))
	assert.Equal(t, 8, p.MaxMessages(4000))
	assert.Equal(t, 10, p.MaxMessages(5499))
}

func TestExtractorPreference(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	ex := NewExtractor(NewMemories(store, WithMemoriesLogger(logging.Discard())), nil, logging.Discard())

	stored, err := ex.Extract(ctx, Scope{ConversationID: "c1", UserID: "u1"}, []memory.ChatTurnMessage{
		{Role: memory.RoleUser, Content: "I prefer dark mode"},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, memory.TypeUserPreference, stored[0].Metadata.Type)
	assert.Equal(t, 8, stored[0].Metadata.Importance)
	assert.Equal(t, "User preference: I prefer dark mode", stored[0].Content)

	rec, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, "\n\nImportant: User preference: I prefer dark mode", rec.Summary)
}

func TestExtractorNoMatch(t *testing.T) {
	store := newTestStore(t, "c1")
	ex := NewExtractor(NewMemories(store), NewKeywordClassifier(), logging.Discard())

	stored, err := ex.Extract(context.Background(), Scope{ConversationID: "c1"}, []memory.ChatTurnMessage{
		{Role: memory.RoleUser, Content: "What time is it?"},
		{Role: memory.RoleAssistant, Content: "It is noon."},
		{Role: memory.RoleAssistant, Content: "I prefer tea"},
	})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestExtractorOneEntryPerMessage(t *testing.T) {
	store := newTestStore(t, "c1")
	ex := NewExtractor(NewMemories(store), nil, logging.Discard())

	stored, err := ex.Extract(context.Background(), Scope{ConversationID: "c1"}, []memory.ChatTurnMessage{
		{Role: memory.RoleAssistant, Content: "Remember: this is important. Keep in mind the data: 42"},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, memory.TypeFact, stored[0].Metadata.Type)
	assert.Equal(t, 6, stored[0].Metadata.Importance)
	assert.True(t, strings.HasPrefix(stored[0].Content, "Fact: "))
}

func TestExtractorIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t, "c1")
	store := failingStore{Store: base, failOn: "coffee"}
	ex := NewExtractor(NewMemories(store, WithMemoriesLogger(logging.Discard())), nil, logging.Discard())

	stored, err := ex.Extract(ctx, Scope{ConversationID: "c1"}, []memory.ChatTurnMessage{
		{Role: memory.RoleUser, Content: "I like tea"},
		{Role: memory.RoleUser, Content: "I like coffee"},
		{Role: memory.RoleUser, Content: "I love cake"},
	})
	require.Error(t, err)
	assert.Len(t, stored, 2)

	rec, err := base.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, rec.Entries, 2)
}

func TestMemoriesAddRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t, "c1")
	_, err := NewMemories(store).Add(context.Background(), memory.NewEntry("c1", "u1", memory.TypeFact, 5, "  "))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoriesAddSummaryEntryReplaces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	require.NoError(t, store.SetSummary(ctx, "c1", "old"))

	long := strings.Repeat("x", 1500)
	_, err := NewMemories(store).Add(ctx, memory.NewEntry("c1", "u1", memory.TypeSummary, 5, long))
	require.NoError(t, err)

	rec, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 1000), rec.Summary)
}

func TestMemoriesAddRedactsPII(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	m := NewMemories(store, WithPIIRedaction(true), WithMemoriesLogger(logging.Discard()))

	saved, err := m.Add(ctx, memory.NewEntry("c1", "u1", memory.TypeFact, 5, "mail me at jane@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "mail me at [REDACTED_EMAIL]", saved.Content)
}

func TestMemoriesDeleteUnknownIsNoop(t *testing.T) {
	store := newTestStore(t, "c1")
	m := NewMemories(store)
	assert.NoError(t, m.Delete(context.Background(), "c1", "mem_missing"))
	assert.ErrorIs(t, m.Delete(context.Background(), "", "mem_1"), ErrInvalidInput)
}

func TestTurnRecorderCompleteTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	rec := NewTurnRecorder(store, NewMemories(store), logging.Discard())
	scope := Scope{ConversationID: "c1", UserID: "u1"}

	require.NoError(t, rec.OnUserTurnStart(ctx, scope, memory.ChatTurnMessage{Role: memory.RoleUser, Content: "hi"}))
	require.NoError(t, rec.OnAssistantTurnComplete(ctx, scope, "hello!"))

	msgs, err := store.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "hello!", msgs[0].Content)
	assert.Equal(t, memory.RoleUser, msgs[1].Role)

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Entries, 1)
	assert.Equal(t, "Assistant response: hello!", conv.Entries[0].Content)
	assert.Equal(t, memory.TypeContext, conv.Entries[0].Metadata.Type)
	assert.Equal(t, 6, conv.Entries[0].Metadata.Importance)
	assert.Empty(t, conv.Summary, "importance 6 must not touch the summary")
}

func TestTurnRecorderCompleteTurnWithEmptyReply(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	rec := NewTurnRecorder(store, NewMemories(store), logging.Discard())

	require.NoError(t, rec.OnAssistantTurnComplete(ctx, Scope{ConversationID: "c1", UserID: "u1"}, ""))

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Entries, 1)
	assert.Equal(t, "Assistant response: ", conv.Entries[0].Content)
	assert.Equal(t, memory.TypeContext, conv.Entries[0].Metadata.Type)
}

func TestTurnRecorderAbortedTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "c1")
	rec := NewTurnRecorder(store, NewMemories(store), logging.Discard())
	scope := Scope{ConversationID: "c1", UserID: "u1"}

	require.NoError(t, rec.OnAssistantTurnAborted(ctx, scope, "half an ans"))
	require.NoError(t, rec.OnAssistantTurnAborted(ctx, scope, ""))

	msgs, err := store.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Partial)

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conv.Entries)
}
