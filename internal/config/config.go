package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	MemoryStore    string
	DatabaseURL    string
	MongoURI       string
	MongoDatabase  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	MemoryRetrieveLimit   int
	MemoryMinScore        float64
	MemoryRetrieveEntries bool
	MemoryRedactPII       bool
	MemorySaveTimeout     time.Duration
	MemoryRetrieveTimeout time.Duration

	ChatMaxContextTokens int
	ChatPersistPartial   bool

	LLMProvider          string
	AnthropicAPIKey      string
	AnthropicModel       string
	AnthropicMaxTokens   int
	LLMHTTPURL           string
	LLMHTTPRetries       int
	LLMHTTPTimeout       time.Duration
	LLMFirstDeltaTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		MemoryStore:      envOrDefault("MEMORY_STORE", "auto"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		MongoURI:         stringsTrimSpace("MONGO_URI"),
		MongoDatabase:    envOrDefault("MONGO_DATABASE", "parley"),
		RedisAddr:        stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisNamespace:   envOrDefault("REDIS_NAMESPACE", "parley"),
		LLMProvider:      envOrDefault("LLM_PROVIDER", "auto"),
		AnthropicAPIKey:  stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicModel:   stringsTrimSpace("ANTHROPIC_MODEL"),
		LLMHTTPURL:       stringsTrimSpace("LLM_HTTP_URL"),

		ShutdownTimeout:       15 * time.Second,
		MemoryRetrieveLimit:   3,
		MemoryMinScore:        0.3,
		MemorySaveTimeout:     10 * time.Second,
		MemoryRetrieveTimeout: 2 * time.Second,
		ChatMaxContextTokens:  4000,
		ChatPersistPartial:    true,
		AnthropicMaxTokens:    1024,
		LLMHTTPRetries:        2,
		LLMHTTPTimeout:        30 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRetrieveLimit, err = intFromEnv("MEMORY_RETRIEVE_LIMIT", cfg.MemoryRetrieveLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMinScore, err = floatFromEnv("MEMORY_MIN_SCORE", cfg.MemoryMinScore)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRetrieveEntries, err = boolFromEnv("MEMORY_RETRIEVE_ENTRIES", cfg.MemoryRetrieveEntries)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.MemorySaveTimeout, err = durationFromEnv("MEMORY_SAVE_TIMEOUT", cfg.MemorySaveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRetrieveTimeout, err = durationFromEnv("MEMORY_RETRIEVE_TIMEOUT", cfg.MemoryRetrieveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatMaxContextTokens, err = intFromEnv("CHAT_MAX_CONTEXT_TOKENS", cfg.ChatMaxContextTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatPersistPartial, err = boolFromEnv("CHAT_PERSIST_PARTIAL", cfg.ChatPersistPartial)
	if err != nil {
		return Config{}, err
	}
	cfg.AnthropicMaxTokens, err = intFromEnv("ANTHROPIC_MAX_TOKENS", cfg.AnthropicMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMHTTPRetries, err = intFromEnv("LLM_HTTP_RETRIES", cfg.LLMHTTPRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMHTTPTimeout, err = durationFromEnv("LLM_HTTP_TIMEOUT", cfg.LLMHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMFirstDeltaTimeout, err = durationFromEnv("LLM_FIRST_DELTA_TIMEOUT", cfg.LLMFirstDeltaTimeout)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(cfg.MemoryStore) {
	case "auto", "memory", "postgres", "mongo", "redis":
	default:
		return Config{}, fmt.Errorf("MEMORY_STORE must be one of auto|memory|postgres|mongo|redis")
	}
	switch strings.ToLower(cfg.LLMProvider) {
	case "auto", "anthropic", "http", "mock":
	default:
		return Config{}, fmt.Errorf("LLM_PROVIDER must be one of auto|anthropic|http|mock")
	}
	if cfg.MemoryRetrieveLimit <= 0 {
		return Config{}, fmt.Errorf("MEMORY_RETRIEVE_LIMIT must be positive")
	}
	if cfg.MemoryMinScore < 0 || cfg.MemoryMinScore > 1 {
		return Config{}, fmt.Errorf("MEMORY_MIN_SCORE must be within [0,1]")
	}
	if cfg.MemorySaveTimeout <= 0 {
		return Config{}, fmt.Errorf("MEMORY_SAVE_TIMEOUT must be positive")
	}
	if cfg.ChatMaxContextTokens <= 0 {
		return Config{}, fmt.Errorf("CHAT_MAX_CONTEXT_TOKENS must be positive")
	}
	if cfg.AnthropicMaxTokens <= 0 {
		return Config{}, fmt.Errorf("ANTHROPIC_MAX_TOKENS must be positive")
	}
	if cfg.LLMHTTPRetries < 0 {
		return Config{}, fmt.Errorf("LLM_HTTP_RETRIES must be >= 0")
	}
	if cfg.LLMHTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("LLM_HTTP_TIMEOUT must be positive")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("REDIS_DB must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
