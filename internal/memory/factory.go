package memory

import (
	"context"
	"fmt"
	"strings"
)

// FactoryConfig selects and configures a store backend.
type FactoryConfig struct {
	Backend       string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	Redis         RedisConfig
}

// NewStore creates the configured backend. In "auto" mode the first
// configured of postgres, mongo and redis wins, otherwise in-memory.
func NewStore(ctx context.Context, cfg FactoryConfig) (Store, string, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		backend = autoBackend(cfg)
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(), backend, nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, "", fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, backend, nil
	case "mongo":
		if strings.TrimSpace(cfg.MongoURI) == "" {
			return nil, "", fmt.Errorf("MONGO_URI is required for the mongo store")
		}
		s, err := NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, "", err
		}
		return s, backend, nil
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, "", fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, "", err
		}
		return s, backend, nil
	default:
		return nil, "", fmt.Errorf("unsupported memory store %q (expected auto|memory|postgres|mongo|redis)", cfg.Backend)
	}
}

func autoBackend(cfg FactoryConfig) string {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(cfg.MongoURI) != "":
		return "mongo"
	case strings.TrimSpace(cfg.Redis.Addr) != "":
		return "redis"
	default:
		return "memory"
	}
}
