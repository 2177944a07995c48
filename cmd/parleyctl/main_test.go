package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/llm"
	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/recall"
)

func newTestAPI(t *testing.T) (*httptest.Server, memory.Store) {
	t.Helper()
	store := memory.NewInMemoryStore()
	log := logging.Discard()
	memories := recall.NewMemories(store, recall.WithMemoriesLogger(log))
	svc := chat.New(chat.Config{SaveTimeout: time.Second}, chat.Deps{
		Store: store,
		Assembler: recall.NewAssembler(recall.NewRetriever(store), recall.AssemblerConfig{
			Limit:    recall.DefaultInjectLimit,
			MinScore: recall.DefaultInjectMinScore,
			Logger:   log,
		}),
		Recorder:  recall.NewTurnRecorder(store, memories, log),
		Extractor: recall.NewExtractor(memories, nil, log),
		Provider:  llm.NewMockProvider(),
		Logger:    log,
	})
	api := httpapi.New(config.Config{}, httpapi.Deps{
		Store:     store,
		Memories:  memories,
		Retriever: recall.NewRetriever(store, recall.WithStoredEntries(true)),
		Chat:      svc,
		Logger:    log,
	})
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestWSURLFor(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":      "ws://127.0.0.1:8080/v1/chat/ws",
		"https://chat.example/base/": "wss://chat.example/base/v1/chat/ws",
	}
	for in, want := range cases {
		got, err := wsURLFor(in)
		if err != nil {
			t.Fatalf("wsURLFor(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("wsURLFor(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := wsURLFor("ftp://x"); err == nil {
		t.Fatalf("wsURLFor(ftp) error = nil, want error")
	}
}

func TestChatCommandStreamsTurns(t *testing.T) {
	ts, store := newTestAPI(t)

	out, err := execute(t, "--base-url", ts.URL, "chat", "--conversation", "c1", "I prefer tea", "what do I prefer")
	if err != nil {
		t.Fatalf("chat error = %v, output:\n%s", err, out)
	}
	if !strings.Contains(out, "I heard you: I prefer tea") {
		t.Fatalf("output missing first reply:\n%s", out)
	}
	if !strings.Contains(out, "conversation=c1 turns=2") {
		t.Fatalf("output missing summary:\n%s", out)
	}

	msgs, err := store.RecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("persisted messages = %d, want 4", len(msgs))
	}
}

func TestMemoryCommands(t *testing.T) {
	ts, _ := newTestAPI(t)

	out, err := execute(t, "--base-url", ts.URL, "memory", "add", "--conversation", "c1", "--content", "User likes jazz", "--type", "user_preference", "--importance", "8")
	if err != nil {
		t.Fatalf("memory add error = %v, output:\n%s", err, out)
	}
	if !strings.Contains(out, `"user_preference"`) {
		t.Fatalf("add output missing type:\n%s", out)
	}

	out, err = execute(t, "--base-url", ts.URL, "memory", "list", "--conversation", "c1", "--query", "jazz")
	if err != nil {
		t.Fatalf("memory list error = %v", err)
	}
	if !strings.Contains(out, "User likes jazz") {
		t.Fatalf("list output missing memory:\n%s", out)
	}

	if _, err := execute(t, "--base-url", ts.URL, "memory", "add", "--conversation", "c1", "--content", "x", "--importance", "42"); err == nil {
		t.Fatalf("memory add with bad importance error = nil, want HTTP 400")
	}
}

func TestConversationCommands(t *testing.T) {
	ts, _ := newTestAPI(t)

	if _, err := execute(t, "--base-url", ts.URL, "chat", "--quiet", "--conversation", "c9", "--user", "u9", "hello"); err != nil {
		t.Fatalf("chat error = %v", err)
	}
	out, err := execute(t, "--base-url", ts.URL, "conversations", "list", "--user", "u9")
	if err != nil {
		t.Fatalf("conversations list error = %v", err)
	}
	if !strings.Contains(out, `"c9"`) {
		t.Fatalf("list output missing conversation:\n%s", out)
	}

	out, err = execute(t, "--base-url", ts.URL, "conv", "show", "c9")
	if err != nil {
		t.Fatalf("conversations show error = %v", err)
	}
	if !strings.Contains(out, "I heard you: hello") {
		t.Fatalf("show output missing messages:\n%s", out)
	}

	if _, err := execute(t, "--base-url", ts.URL, "conversations", "delete", "c9"); err != nil {
		t.Fatalf("conversations delete error = %v", err)
	}
	if _, err := execute(t, "--base-url", ts.URL, "conversations", "show", "c9"); err == nil {
		t.Fatalf("show after delete error = nil, want 404")
	}
}
