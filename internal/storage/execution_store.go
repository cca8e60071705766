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
	executionHistoryCap = 200
	executionHistoryTTL = 24 * time.Hour
)

// ExecutionStore keeps a capped per-rule history of evaluation outcomes for
// the history API. Newest first; the list is trimmed on every write.
type ExecutionStore struct {
	redis *redis.Client
}

// NewExecutionStore creates an execution store.
func NewExecutionStore(rdb *redis.Client) *ExecutionStore {
	return &ExecutionStore{redis: rdb}
}

// Record appends an execution record and trims the history to its cap.
func (s *ExecutionStore) Record(ctx context.Context, record *model.ExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}

	key := executionsKey(record.RuleID)
	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, 0, executionHistoryCap-1)
	pipe.Expire(ctx, key, executionHistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record execution for %s: %w", record.RuleID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *ExecutionStore) Recent(ctx context.Context, ruleID string, limit int) ([]*model.ExecutionRecord, error) {
	if limit <= 0 || limit > executionHistoryCap {
		limit = executionHistoryCap
	}

	entries, err := s.redis.LRange(ctx, executionsKey(ruleID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("execution history for %s: %w", ruleID, err)
	}

	records := make([]*model.ExecutionRecord, 0, len(entries))
	for _, raw := range entries {
		var record model.ExecutionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
