package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// ContextStore maintains the per-key context windows as sorted sets scored by
// event timestamp. Trimming is eager: every append removes entries outside
// the time window and beyond the count bound, then refreshes the key TTL.
type ContextStore struct {
	redis  *redis.Client
	logger *slog.Logger

	windowSeconds int
	maxEvents     int
}

// NewContextStore creates a context store with the configured window bounds.
func NewContextStore(rdb *redis.Client, cfg config.ContextConfig, logger *slog.Logger) *ContextStore {
	return &ContextStore{
		redis:         rdb,
		logger:        logger,
		windowSeconds: cfg.WindowSeconds,
		maxEvents:     cfg.MaxEvents,
	}
}

// Append inserts the event scored by its timestamp, trims the window by time
// and count, and refreshes the key TTL. Appending the same (key, timestamp,
// payload) twice is a no-op at the set level, so replays leave the window
// unchanged.
func (s *ContextStore) Append(ctx context.Context, event *model.Event) error {
	key := contextKey(event.ContextKey)

	entry, err := json.Marshal(event.ToContextEntry())
	if err != nil {
		return fmt.Errorf("marshal context entry: %w", err)
	}

	score := float64(event.Timestamp.UnixMilli())
	cutoff := s.cutoffMillis(time.Now())

	return retryOp(ctx, 3, func() error {
		pipe := s.redis.TxPipeline()
		pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: string(entry)})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
		pipe.Expire(ctx, key, time.Duration(s.windowSeconds+60)*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("append context event: %w", err)
		}
		return s.trimByCount(ctx, key)
	})
}

func (s *ContextStore) trimByCount(ctx context.Context, key string) error {
	count, err := s.redis.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("context window size: %w", err)
	}
	if count > int64(s.maxEvents) {
		// Drop the oldest entries beyond the bound.
		if err := s.redis.ZRemRangeByRank(ctx, key, 0, count-int64(s.maxEvents)-1).Err(); err != nil {
			return fmt.Errorf("trim context window: %w", err)
		}
	}
	return nil
}

// Read returns the events inside the time window in ascending timestamp
// order. Entries that fail to decode are skipped.
func (s *ContextStore) Read(ctx context.Context, ctxKey string) ([]*model.Event, error) {
	key := contextKey(ctxKey)
	cutoff := s.cutoffMillis(time.Now())

	entries, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read context window: %w", err)
	}

	events := make([]*model.Event, 0, len(entries))
	for _, raw := range entries {
		var entry model.ContextEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("Skipping undecodable context entry", "context_key", ctxKey, "error", err)
			continue
		}
		events = append(events, model.EventFromContextEntry(entry, ctxKey))
	}
	return events, nil
}

// Size returns the number of in-window events for a context key.
func (s *ContextStore) Size(ctx context.Context, ctxKey string) (int64, error) {
	key := contextKey(ctxKey)
	cutoff := s.cutoffMillis(time.Now())
	return s.redis.ZCount(ctx, key, fmt.Sprintf("%d", cutoff), "+inf").Result()
}

// Clear removes a context window entirely.
func (s *ContextStore) Clear(ctx context.Context, ctxKey string) error {
	return s.redis.Del(ctx, contextKey(ctxKey)).Err()
}

func (s *ContextStore) cutoffMillis(now time.Time) int64 {
	return now.Add(-time.Duration(s.windowSeconds) * time.Second).UnixMilli()
}
