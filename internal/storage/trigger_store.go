package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

const (
	intervalLastTTL = time.Hour
	// Advisory lock bound; released explicitly when analysis completes.
	intervalLockTTL = 30 * time.Second
)

// snapshotAndClearScript atomically reads a batch accumulator and deletes it
// together with its first-event timestamp. Concurrent appends either land in
// the snapshot or in the next batch, never both and never lost.
var snapshotAndClearScript = redis.NewScript(`
local entries = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
return entries
`)

// TriggerStateStore owns the per-(rule, context_key) trigger-mode state:
// batch accumulators, first-event timestamps, last-analysis times, and the
// interval advisory lock. All mutations are server-side atomic so multiple
// worker processes share the state without split-brain.
type TriggerStateStore struct {
	redis *redis.Client
}

// NewTriggerStateStore creates a trigger state store.
func NewTriggerStateStore(rdb *redis.Client) *TriggerStateStore {
	return &TriggerStateStore{redis: rdb}
}

// AddToBatch appends the event to the accumulator and records the first-event
// timestamp if absent. Returns the accumulator size after the append.
func (s *TriggerStateStore) AddToBatch(ctx context.Context, ruleID, ctxKey string, event *model.Event, maxWait time.Duration) (int64, error) {
	entry, err := json.Marshal(event.ToContextEntry())
	if err != nil {
		return 0, fmt.Errorf("encode batch entry: %w", err)
	}

	key := batchKey(ruleID, ctxKey)
	sinceKey := batchSinceKey(ruleID, ctxKey)
	ttl := maxWait + 60*time.Second

	pipe := s.redis.TxPipeline()
	size := pipe.RPush(ctx, key, string(entry))
	pipe.Expire(ctx, key, ttl)
	pipe.SetNX(ctx, sinceKey, strconv.FormatInt(time.Now().UnixMilli(), 10), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("append to batch: %w", err)
	}
	return size.Val(), nil
}

// BatchSince returns the first-event timestamp of a pending batch, or false
// when the accumulator is empty.
func (s *TriggerStateStore) BatchSince(ctx context.Context, ruleID, ctxKey string) (time.Time, bool, error) {
	raw, err := s.redis.Get(ctx, batchSinceKey(ruleID, ctxKey)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("batch first-event timestamp: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode batch timestamp: %w", err)
	}
	return time.UnixMilli(millis), true, nil
}

// SnapshotAndClearBatch atomically drains the accumulator and returns its
// events in append order. An empty result means another worker already
// flushed it.
func (s *TriggerStateStore) SnapshotAndClearBatch(ctx context.Context, ruleID, ctxKey string) ([]*model.Event, error) {
	raw, err := snapshotAndClearScript.Run(ctx, s.redis,
		[]string{batchKey(ruleID, ctxKey), batchSinceKey(ruleID, ctxKey)},
	).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot batch: %w", err)
	}

	entries, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected snapshot result type %T", raw)
	}

	events := make([]*model.Event, 0, len(entries))
	for _, item := range entries {
		text, ok := item.(string)
		if !ok {
			continue
		}
		var entry model.ContextEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			continue
		}
		events = append(events, model.EventFromContextEntry(entry, ctxKey))
	}
	return events, nil
}

// PendingBatchKeys lists the context keys with a pending batch for a rule.
// Used by the periodic tick to flush accumulators whose wait expired with no
// new events arriving.
func (s *TriggerStateStore) PendingBatchKeys(ctx context.Context, ruleID string) ([]string, error) {
	pattern := batchSinceKey(ruleID, "*")
	prefix := batchSinceKey(ruleID, "")

	var keys []string
	iter := s.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending batches: %w", err)
	}
	return keys, nil
}

// IntervalKeys lists the context keys with a recorded last-analysis time for
// a rule. The periodic tick uses it to fire interval analyses when no event
// arrives.
func (s *TriggerStateStore) IntervalKeys(ctx context.Context, ruleID string) ([]string, error) {
	pattern := intervalLastKey(ruleID, "*")
	prefix := intervalLastKey(ruleID, "")

	var keys []string
	iter := s.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan interval keys: %w", err)
	}
	return keys, nil
}

// LastAnalysis returns the last LLM analysis time for the pair, or false when
// it has never been analyzed (or the record expired).
func (s *TriggerStateStore) LastAnalysis(ctx context.Context, ruleID, ctxKey string) (time.Time, bool, error) {
	raw, err := s.redis.Get(ctx, intervalLastKey(ruleID, ctxKey)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last analysis time: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode last analysis time: %w", err)
	}
	return time.UnixMilli(millis), true, nil
}

// SetLastAnalysis records the completion of an LLM analysis.
func (s *TriggerStateStore) SetLastAnalysis(ctx context.Context, ruleID, ctxKey string, at time.Time) error {
	err := s.redis.Set(ctx, intervalLastKey(ruleID, ctxKey),
		strconv.FormatInt(at.UnixMilli(), 10), intervalLastTTL).Err()
	if err != nil {
		return fmt.Errorf("record last analysis: %w", err)
	}
	return nil
}

// TryAcquireIntervalLock claims the per-rule interval lock. Exactly one
// process wins per interval; the others skip.
func (s *TriggerStateStore) TryAcquireIntervalLock(ctx context.Context, ruleID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, intervalLockKey(ruleID),
		strconv.FormatInt(time.Now().UnixMilli(), 10), intervalLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire interval lock: %w", err)
	}
	return ok, nil
}

// ReleaseIntervalLock releases the advisory lock after analysis completes.
// The TTL covers crashed holders.
func (s *TriggerStateStore) ReleaseIntervalLock(ctx context.Context, ruleID string) error {
	if err := s.redis.Del(ctx, intervalLockKey(ruleID)).Err(); err != nil {
		return fmt.Errorf("release interval lock: %w", err)
	}
	return nil
}
