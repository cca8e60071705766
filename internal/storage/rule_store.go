package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

// RuleStore persists rule records in Redis: a detail hash per rule, a
// by-event-type secondary index, a global version counter, and a best-effort
// pub/sub channel for push invalidation. Every write bumps the version
// counter; consumers rely on the counter, not the channel, for correctness.
type RuleStore struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewRuleStore creates a rule store.
func NewRuleStore(rdb *redis.Client, logger *slog.Logger) *RuleStore {
	return &RuleStore{redis: rdb, logger: logger}
}

// Create persists a new rule, indexes it, and publishes the change.
func (s *RuleStore) Create(ctx context.Context, rule *model.Rule) error {
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Version == 0 {
		rule.Version = 1
	}

	if err := s.writeDetail(ctx, rule); err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, keyRuleAll, rule.RuleID)
	for _, eventType := range rule.EventTypes {
		pipe.SAdd(ctx, ruleIndexKey(eventType), rule.RuleID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index rule %s: %w", rule.RuleID, err)
	}

	return s.publishUpdate(ctx, "create", rule.RuleID)
}

// Get fetches a rule by ID. Returns (nil, nil) when the rule does not exist.
func (s *RuleStore) Get(ctx context.Context, ruleID string) (*model.Rule, error) {
	data, err := s.redis.HGet(ctx, ruleDetailKey(ruleID), "config").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", ruleID, err)
	}

	var rule model.Rule
	if err := json.Unmarshal([]byte(data), &rule); err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", ruleID, err)
	}
	return &rule, nil
}

// Update overwrites an existing rule, reconciles the event-type index, bumps
// the per-rule version, and publishes the change.
func (s *RuleStore) Update(ctx context.Context, ruleID string, rule *model.Rule) (*model.Rule, error) {
	existing, err := s.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	rule.RuleID = ruleID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	rule.Version = existing.Version + 1

	oldTypes := make(map[string]bool, len(existing.EventTypes))
	for _, t := range existing.EventTypes {
		oldTypes[t] = true
	}
	newTypes := make(map[string]bool, len(rule.EventTypes))
	for _, t := range rule.EventTypes {
		newTypes[t] = true
	}

	pipe := s.redis.TxPipeline()
	for t := range oldTypes {
		if !newTypes[t] {
			pipe.SRem(ctx, ruleIndexKey(t), ruleID)
		}
	}
	for t := range newTypes {
		if !oldTypes[t] {
			pipe.SAdd(ctx, ruleIndexKey(t), ruleID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reindex rule %s: %w", ruleID, err)
	}

	if err := s.writeDetail(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.publishUpdate(ctx, "update", ruleID); err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete removes a rule and all its index entries.
func (s *RuleStore) Delete(ctx context.Context, ruleID string) (bool, error) {
	existing, err := s.Get(ctx, ruleID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	pipe := s.redis.TxPipeline()
	for _, eventType := range existing.EventTypes {
		pipe.SRem(ctx, ruleIndexKey(eventType), ruleID)
	}
	pipe.SRem(ctx, keyRuleAll, ruleID)
	pipe.Del(ctx, ruleDetailKey(ruleID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete rule %s: %w", ruleID, err)
	}

	return true, s.publishUpdate(ctx, "delete", ruleID)
}

// SetEnabled flips the enabled flag in place.
func (s *RuleStore) SetEnabled(ctx context.Context, ruleID string, enabled bool) (bool, error) {
	rule, err := s.Get(ctx, ruleID)
	if err != nil {
		return false, err
	}
	if rule == nil {
		return false, nil
	}

	rule.Enabled = enabled
	rule.UpdatedAt = time.Now().UTC()
	rule.Version++

	if err := s.writeDetail(ctx, rule); err != nil {
		return false, err
	}
	return true, s.publishUpdate(ctx, "update", ruleID)
}

// ListAll returns every stored rule.
func (s *RuleStore) ListAll(ctx context.Context) ([]*model.Rule, error) {
	ruleIDs, err := s.redis.SMembers(ctx, keyRuleAll).Result()
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return s.fetchRules(ctx, ruleIDs)
}

// ListByEventType returns the rules indexed under an event type, enabled or
// not; filtering and ordering is the repository's concern.
func (s *RuleStore) ListByEventType(ctx context.Context, eventType string) ([]*model.Rule, error) {
	ruleIDs, err := s.redis.SMembers(ctx, ruleIndexKey(eventType)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rules for %s: %w", eventType, err)
	}
	return s.fetchRules(ctx, ruleIDs)
}

// Version returns the global rules version counter.
func (s *RuleStore) Version(ctx context.Context) (int64, error) {
	version, err := s.redis.Get(ctx, keyRuleVersion).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rules version: %w", err)
	}
	return version, nil
}

// Subscribe opens the rule-change pub/sub channel. The caller owns the
// returned subscription.
func (s *RuleStore) Subscribe(ctx context.Context) *redis.PubSub {
	return s.redis.Subscribe(ctx, RuleUpdateChannel)
}

func (s *RuleStore) fetchRules(ctx context.Context, ruleIDs []string) ([]*model.Rule, error) {
	rules := make([]*model.Rule, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		rule, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			// Stale index entry; the detail hash is the source of truth.
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *RuleStore) writeDetail(ctx context.Context, rule *model.Rule) error {
	blob, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.RuleID, err)
	}
	err = s.redis.HSet(ctx, ruleDetailKey(rule.RuleID),
		"config", string(blob),
		"enabled", fmt.Sprintf("%t", rule.Enabled),
		"version", fmt.Sprintf("%d", rule.Version),
		"updated_at", fmt.Sprintf("%d", rule.UpdatedAt.UnixMilli()),
	).Err()
	if err != nil {
		return fmt.Errorf("write rule %s: %w", rule.RuleID, err)
	}
	return nil
}

func (s *RuleStore) publishUpdate(ctx context.Context, action, ruleID string) error {
	if err := s.redis.Incr(ctx, keyRuleVersion).Err(); err != nil {
		return fmt.Errorf("bump rules version: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"action":    action,
		"rule_id":   ruleID,
		"timestamp": time.Now().UnixMilli(),
	})
	// Best effort: consumers fall back to the version counter.
	if err := s.redis.Publish(ctx, RuleUpdateChannel, string(payload)).Err(); err != nil {
		s.logger.Warn("Failed to publish rule update", "rule_id", ruleID, "error", err)
	}
	return nil
}
