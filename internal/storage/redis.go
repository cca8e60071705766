// Package storage provides the Redis-backed state primitives shared by all
// worker processes: rule records, context windows, idempotency keys, the LLM
// response cache, trigger-mode state, and the notification queue. Every
// mutating operation uses server-side atomic primitives so that multiple
// workers can share the keyspace safely.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmtrigger/llmtrigger/internal/config"
)

// Connect opens a Redis client from the configured URL and verifies the
// connection with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// retryOp runs a store operation with brief backoff, retrying transient
// failures. Sustained failure surfaces to the caller, which nacks the broker
// message for redelivery.
func retryOp(ctx context.Context, attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}
