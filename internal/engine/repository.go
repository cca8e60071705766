// Package engine contains the rule repository, the per-kind evaluation
// engines, the router that composes them, and the event handler that drives
// the end-to-end pipeline.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

// RuleSource is the persistence contract the repository consumes.
type RuleSource interface {
	ListByEventType(ctx context.Context, eventType string) ([]*model.Rule, error)
	Version(ctx context.Context) (int64, error)
}

type cachedRules struct {
	rules   []*model.Rule
	version int64
}

// Repository serves rule matching with a per-process cache. Every match
// compares the cached version against the store's global counter and
// refetches when stale, so correctness never depends on pub/sub delivery;
// the push channel only shortens the staleness window.
type Repository struct {
	source RuleSource
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedRules
}

// NewRepository creates a rule repository.
func NewRepository(source RuleSource, logger *slog.Logger) *Repository {
	return &Repository{
		source: source,
		logger: logger,
		cache:  make(map[string]cachedRules),
	}
}

// Match returns the enabled rules subscribed to the event type whose
// context-key patterns match the key, ordered by priority descending with
// rule_id as the tiebreak.
func (r *Repository) Match(ctx context.Context, eventType, contextKey string) ([]*model.Rule, error) {
	rules, err := r.rulesForEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}

	matched := make([]*model.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.MatchesContextKey(contextKey) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

func (r *Repository) rulesForEventType(ctx context.Context, eventType string) ([]*model.Rule, error) {
	version, err := r.source.Version(ctx)
	if err != nil {
		// Degrade to the cached snapshot rather than dropping the event.
		r.mu.RLock()
		entry, ok := r.cache[eventType]
		r.mu.RUnlock()
		if ok {
			r.logger.Warn("Rules version check failed, serving cached rules", "error", err)
			return entry.rules, nil
		}
		return nil, err
	}

	r.mu.RLock()
	entry, ok := r.cache[eventType]
	r.mu.RUnlock()
	if ok && entry.version == version {
		return entry.rules, nil
	}

	fetched, err := r.source.ListByEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}

	enabled := make([]*model.Rule, 0, len(fetched))
	for _, rule := range fetched {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority > enabled[j].Priority
		}
		return enabled[i].RuleID < enabled[j].RuleID
	})

	r.mu.Lock()
	r.cache[eventType] = cachedRules{rules: enabled, version: version}
	r.mu.Unlock()
	return enabled, nil
}

// Invalidate drops the cached snapshots. Called on push notifications; the
// next match refetches.
func (r *Repository) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cachedRules)
	r.mu.Unlock()
}

// ListenUpdates consumes the rule-change pub/sub subscription until the
// context ends, invalidating the cache on every message.
func (r *Repository) ListenUpdates(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.logger.Debug("Rule update received", "payload", msg.Payload)
			r.Invalidate()
		}
	}
}
