package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

const (
	idempotencyTTL = time.Hour
	llmCacheTTL    = 60 * time.Second
	rateKeyTTL     = 120 * time.Second
)

// IdempotencyStore marks processed event IDs so replays are acknowledged
// without side effects.
type IdempotencyStore struct {
	redis *redis.Client
}

// NewIdempotencyStore creates an idempotency store.
func NewIdempotencyStore(rdb *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{redis: rdb}
}

// MarkProcessed atomically claims an event ID. It returns true when the event
// is new and this caller won the claim.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, processedKey(eventID), "1", idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return ok, nil
}

// LLMCacheStore caches parsed LLM decisions keyed by (rule, context hash).
type LLMCacheStore struct {
	redis *redis.Client
}

// NewLLMCacheStore creates an LLM cache store.
func NewLLMCacheStore(rdb *redis.Client) *LLMCacheStore {
	return &LLMCacheStore{redis: rdb}
}

// CachedDecision is the stored shape of an LLM evaluation result.
type CachedDecision struct {
	ShouldTrigger bool    `json:"should_trigger"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
}

// Get returns the cached decision or (nil, nil) on a miss.
func (s *LLMCacheStore) Get(ctx context.Context, ruleID, contextHash string) (*CachedDecision, error) {
	data, err := s.redis.Get(ctx, llmCacheKey(ruleID, contextHash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("llm cache get: %w", err)
	}
	var decision CachedDecision
	if err := json.Unmarshal([]byte(data), &decision); err != nil {
		return nil, fmt.Errorf("llm cache decode: %w", err)
	}
	return &decision, nil
}

// Set stores a decision with the cache TTL.
func (s *LLMCacheStore) Set(ctx context.Context, ruleID, contextHash string, decision CachedDecision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("llm cache encode: %w", err)
	}
	if err := s.redis.Set(ctx, llmCacheKey(ruleID, contextHash), string(data), llmCacheTTL).Err(); err != nil {
		return fmt.Errorf("llm cache set: %w", err)
	}
	return nil
}

// NotificationQueue is the durable task queue plus its dead-letter tail.
type NotificationQueue struct {
	redis *redis.Client
}

// NewNotificationQueue creates a notification queue.
func NewNotificationQueue(rdb *redis.Client) *NotificationQueue {
	return &NotificationQueue{redis: rdb}
}

// Enqueue pushes a task onto the queue head.
func (q *NotificationQueue) Enqueue(ctx context.Context, task *model.NotificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode notification task: %w", err)
	}
	if err := q.redis.LPush(ctx, keyNotifyQueue, string(data)).Err(); err != nil {
		return fmt.Errorf("enqueue notification task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. Returns (nil, nil) when the
// timeout elapses with an empty queue.
func (q *NotificationQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.NotificationTask, error) {
	result, err := q.redis.BRPop(ctx, timeout, keyNotifyQueue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue notification task: %w", err)
	}
	// BRPop returns [key, value].
	var task model.NotificationTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("decode notification task: %w", err)
	}
	return &task, nil
}

// Length returns the current queue depth.
func (q *NotificationQueue) Length(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, keyNotifyQueue).Result()
}

// MoveToDeadLetter appends a terminally failed task to the dead-letter list.
func (q *NotificationQueue) MoveToDeadLetter(ctx context.Context, task *model.NotificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode dead-letter task: %w", err)
	}
	if err := q.redis.LPush(ctx, keyNotifyDeadLetter, string(data)).Err(); err != nil {
		return fmt.Errorf("move task to dead letter: %w", err)
	}
	return nil
}

// DeadLetterLength returns the dead-letter depth for operator triage.
func (q *NotificationQueue) DeadLetterLength(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, keyNotifyDeadLetter).Result()
}

// DedupStore suppresses repeated fires for a (rule, context_key) pair inside
// the cooldown window.
type DedupStore struct {
	redis *redis.Client
}

// NewDedupStore creates a dedup store.
func NewDedupStore(rdb *redis.Client) *DedupStore {
	return &DedupStore{redis: rdb}
}

// TryAcquire claims the dedup slot for the pair. It returns true when no
// enqueue happened within the cooldown; the claim itself starts the window.
func (s *DedupStore) TryAcquire(ctx context.Context, ruleID, ctxKey string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := s.redis.SetNX(ctx, notifyDedupKey(ruleID, ctxKey), "1", cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("notification dedup: %w", err)
	}
	return ok, nil
}

// RateStore enforces the per-rule per-minute enqueue bound using UTC
// clock-minute buckets.
type RateStore struct {
	redis *redis.Client
}

// NewRateStore creates a rate store.
func NewRateStore(rdb *redis.Client) *RateStore {
	return &RateStore{redis: rdb}
}

// Allow increments the current minute's counter and reports whether the
// post-increment value stays within maxPerMinute. A limit of zero blocks all
// enqueues.
func (s *RateStore) Allow(ctx context.Context, ruleID string, maxPerMinute int) (bool, error) {
	minute := time.Now().UTC().Format("200601021504")
	key := notifyRateKey(ruleID, minute)

	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("notification rate counter: %w", err)
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, rateKeyTTL).Err(); err != nil {
			return false, fmt.Errorf("notification rate ttl: %w", err)
		}
	}
	return count <= int64(maxPerMinute), nil
}
