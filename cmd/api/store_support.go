package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/session-gate/internal/clock"
	"github.com/yourusername/session-gate/internal/config"
	"github.com/yourusername/session-gate/internal/session"
)

// setupSessionStore は SESSION_STORE に応じたストアと後始末関数を返します。
func setupSessionStore(ctx context.Context, cfg *config.Config, c clock.Clock) (session.Store, func(), error) {
	limits := session.Limits{
		MaxSessions: cfg.MaxSessions,
		MaxLifetime: cfg.SessionMaxLifetime,
	}

	switch cfg.SessionStore {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.SessionRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse SESSION_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect session redis: %w", err)
		}
		return session.NewRedisStore(rdb, c, limits), func() { _ = rdb.Close() }, nil
	default:
		return session.NewMemoryStore(c, limits), func() {}, nil
	}
}
