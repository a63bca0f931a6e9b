package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NewStore creates a store instance based on the configured backend.
func NewStore(backend, redisURL string, memoryEntries int, log *zap.Logger) (Store, error) {
	switch backend {
	case "redis":
		store, err := NewRedisStore(redisURL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			// Not fatal: the front end degrades to pass-through until
			// the backend comes back.
			log.Warn("Redis unreachable at startup, continuing degraded", zap.Error(err))
		}
		log.Info("Using redis cache", zap.String("url", redisURL))
		return store, nil
	case "memory":
		log.Info("Using memory cache", zap.Int("max_entries", memoryEntries))
		return NewMemoryStore(memoryEntries), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s (supported: redis, memory, disabled)", backend)
	}
}
