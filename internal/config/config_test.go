package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MemoryStore != "auto" {
		t.Fatalf("MemoryStore = %q, want auto", cfg.MemoryStore)
	}
	if cfg.MemoryRetrieveLimit != 3 || cfg.MemoryMinScore != 0.3 {
		t.Fatalf("retrieval defaults = (%d, %v), want (3, 0.3)", cfg.MemoryRetrieveLimit, cfg.MemoryMinScore)
	}
	if cfg.ChatMaxContextTokens != 4000 {
		t.Fatalf("ChatMaxContextTokens = %d, want 4000", cfg.ChatMaxContextTokens)
	}
	if !cfg.ChatPersistPartial {
		t.Fatalf("ChatPersistPartial = false, want true")
	}
	if cfg.MemoryRetrieveEntries || cfg.MemoryRedactPII {
		t.Fatalf("opt-in memory features should default off")
	}
	if cfg.LLMProvider != "auto" || cfg.LLMHTTPURL != "" {
		t.Fatalf("LLM defaults = (%q, %q), want (auto, empty)", cfg.LLMProvider, cfg.LLMHTTPURL)
	}
	if cfg.LLMHTTPTimeout != 30*time.Second {
		t.Fatalf("LLMHTTPTimeout = %s, want 30s", cfg.LLMHTTPTimeout)
	}
	if cfg.MongoDatabase != "parley" || cfg.RedisNamespace != "parley" {
		t.Fatalf("namespace defaults = (%q, %q)", cfg.MongoDatabase, cfg.RedisNamespace)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("MEMORY_STORE", "redis")
	t.Setenv("REDIS_ADDR", " localhost:6379 ")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("MEMORY_MIN_SCORE", "0.5")
	t.Setenv("MEMORY_RETRIEVE_ENTRIES", "yes")
	t.Setenv("MEMORY_SAVE_TIMEOUT", "3s")
	t.Setenv("LLM_PROVIDER", "http")
	t.Setenv("LLM_HTTP_URL", "http://localhost:7777/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.RedisDB != 2 {
		t.Fatalf("redis = (%q, %d)", cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.MemoryMinScore != 0.5 {
		t.Fatalf("MemoryMinScore = %v, want 0.5", cfg.MemoryMinScore)
	}
	if !cfg.MemoryRetrieveEntries {
		t.Fatalf("MemoryRetrieveEntries = false, want true")
	}
	if cfg.MemorySaveTimeout != 3*time.Second {
		t.Fatalf("MemorySaveTimeout = %v, want 3s", cfg.MemorySaveTimeout)
	}
	if cfg.LLMHTTPURL != "http://localhost:7777/chat" {
		t.Fatalf("LLMHTTPURL = %q", cfg.LLMHTTPURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MEMORY_STORE":            "sqlite",
		"LLM_PROVIDER":            "carrier-pigeon",
		"MEMORY_MIN_SCORE":        "1.5",
		"MEMORY_RETRIEVE_LIMIT":   "0",
		"CHAT_MAX_CONTEXT_TOKENS": "-1",
		"CHAT_PERSIST_PARTIAL":    "maybe",
		"APP_SHUTDOWN_TIMEOUT":    "soon",
		"REDIS_DB":                "x",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"MEMORY_STORE",
		"DATABASE_URL",
		"MONGO_URI",
		"MONGO_DATABASE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_NAMESPACE",
		"MEMORY_RETRIEVE_LIMIT",
		"MEMORY_MIN_SCORE",
		"MEMORY_RETRIEVE_ENTRIES",
		"MEMORY_REDACT_PII",
		"MEMORY_SAVE_TIMEOUT",
		"MEMORY_RETRIEVE_TIMEOUT",
		"CHAT_MAX_CONTEXT_TOKENS",
		"CHAT_PERSIST_PARTIAL",
		"LLM_PROVIDER",
		"ANTHROPIC_API_KEY",
		"ANTHROPIC_MODEL",
		"ANTHROPIC_MAX_TOKENS",
		"LLM_HTTP_URL",
		"LLM_HTTP_RETRIES",
		"LLM_HTTP_TIMEOUT",
		"LLM_FIRST_DELTA_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadHTTPTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LLM_HTTP_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMHTTPTimeout != 5*time.Second {
		t.Fatalf("LLMHTTPTimeout = %s, want 5s", cfg.LLMHTTPTimeout)
	}

	t.Setenv("LLM_HTTP_TIMEOUT", "0s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for zero LLM_HTTP_TIMEOUT")
	}
}
