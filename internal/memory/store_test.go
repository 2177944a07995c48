package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviors every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.GetConversation(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := store.EnsureConversation(ctx, NewConversation{ID: "c1", UserID: "u1", Title: "First"})
	require.NoError(t, err)
	assert.Equal(t, "First", rec.Title)

	again, err := store.EnsureConversation(ctx, NewConversation{ID: "c1", UserID: "u1", Title: "Other"})
	require.NoError(t, err)
	assert.Equal(t, "First", again.Title, "ensure must not overwrite")

	require.NoError(t, store.AppendMessage(ctx, Message{ConversationID: "c1", UserID: "u1", Role: RoleUser, Content: "one"}))
	require.NoError(t, store.AppendMessage(ctx, Message{ConversationID: "c1", UserID: "u1", Role: RoleAssistant, Content: "two"}))
	require.NoError(t, store.AppendMessage(ctx, Message{ConversationID: "c1", UserID: "u1", Role: RoleSystem, Content: "three"}))

	msgs, err := store.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[0].Content)

	users, err := store.RecentMessages(ctx, "c1", 10, RoleUser)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "one", users[0].Content)

	limited, err := store.RecentMessages(ctx, "c1", 1, RoleUser, RoleAssistant)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "two", limited[0].Content)

	require.NoError(t, store.AppendMessage(ctx, Message{ConversationID: "c1", UserID: "u1", Role: RoleAssistant, Content: "cut", Partial: true}))
	partial, err := store.RecentMessages(ctx, "c1", 1, RoleAssistant)
	require.NoError(t, err)
	require.Len(t, partial, 1)
	assert.Equal(t, "cut", partial[0].Content)
	assert.True(t, partial[0].Partial)

	entry := NewEntry("c1", "u1", TypeFact, 6, "Fact: water is wet")
	require.NoError(t, store.AppendEntry(ctx, "c1", entry))
	require.ErrorIs(t, store.AppendEntry(ctx, "c1", Entry{ID: "bad"}), ErrInvalidEntry)

	require.NoError(t, store.SetSummary(ctx, "c1", "summary text"))
	rec, err = store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "summary text", rec.Summary)
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, entry.ID, rec.Entries[0].ID)
	assert.Equal(t, TypeFact, rec.Entries[0].Metadata.Type)

	require.NoError(t, store.DeleteEntry(ctx, "c1", "mem_unknown"))
	require.NoError(t, store.DeleteEntry(ctx, "c1", entry.ID))
	rec, err = store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, rec.Entries)

	_, err = store.EnsureConversation(ctx, NewConversation{ID: "c2", UserID: "u2", Title: "Second"})
	require.NoError(t, err)
	list, err := store.ListConversations(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ID)

	require.NoError(t, store.DeleteConversation(ctx, "c1"))
	_, err = store.GetConversation(ctx, "c1")
	require.True(t, errors.Is(err, ErrNotFound))
	msgs, err = store.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, store.Ping(ctx))
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client, "test")
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestRedisStoreSetSummaryCapsLength(t *testing.T) {
	s := miniredis.RunT(t)
	store := NewRedisStoreWithClient(goredis.NewClient(&goredis.Options{Addr: s.Addr()}), "")
	ctx := context.Background()

	require.ErrorIs(t, store.SetSummary(ctx, "nope", "x"), ErrNotFound)

	_, err := store.EnsureConversation(ctx, NewConversation{ID: "c1", UserID: "u1"})
	require.NoError(t, err)
	long := make([]rune, SummaryCap+50)
	for i := range long {
		long[i] = 'z'
	}
	require.NoError(t, store.SetSummary(ctx, "c1", string(long)))
	rec, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, rec.Summary, SummaryCap)
	assert.True(t, s.Exists("parley:conv:c1"))
}

func TestNewStoreAutoSelectsMemory(t *testing.T) {
	store, backend, err := NewStore(context.Background(), FactoryConfig{Backend: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "memory", backend)
	assert.IsType(t, &InMemoryStore{}, store)

	_, _, err = NewStore(context.Background(), FactoryConfig{Backend: "postgres"})
	assert.Error(t, err)

	_, _, err = NewStore(context.Background(), FactoryConfig{Backend: "sqlite"})
	assert.Error(t, err)
}
