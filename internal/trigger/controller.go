// Package trigger implements the per-(rule, context_key) state machine that
// decides when an LLM-backed rule actually invokes the model: on every event
// (realtime), after enough events accumulate (batch), or at most once per
// clock interval (interval).
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

// Decision is the controller's verdict for one event.
type Decision string

const (
	// DecisionSkip drops the event for this rule without analysis.
	DecisionSkip Decision = "skip"
	// DecisionPending accumulated the event for a future batch analysis.
	DecisionPending Decision = "pending"
	// DecisionTrigger runs LLM analysis now.
	DecisionTrigger Decision = "trigger"
)

// Result carries the decision plus the batch snapshot when one was flushed.
type Result struct {
	Decision    Decision
	Reason      string
	BatchEvents []*model.Event
}

// StateStore is the shared trigger-mode state. All operations are atomic at
// the store so concurrent workers agree on batch flushes and interval locks.
type StateStore interface {
	AddToBatch(ctx context.Context, ruleID, ctxKey string, event *model.Event, maxWait time.Duration) (int64, error)
	BatchSince(ctx context.Context, ruleID, ctxKey string) (time.Time, bool, error)
	SnapshotAndClearBatch(ctx context.Context, ruleID, ctxKey string) ([]*model.Event, error)
	PendingBatchKeys(ctx context.Context, ruleID string) ([]string, error)
	IntervalKeys(ctx context.Context, ruleID string) ([]string, error)
	LastAnalysis(ctx context.Context, ruleID, ctxKey string) (time.Time, bool, error)
	SetLastAnalysis(ctx context.Context, ruleID, ctxKey string, at time.Time) error
	TryAcquireIntervalLock(ctx context.Context, ruleID string) (bool, error)
	ReleaseIntervalLock(ctx context.Context, ruleID string) error
}

// Controller evaluates trigger-mode state transitions.
type Controller struct {
	store  StateStore
	logger *slog.Logger
	now    func() time.Time
}

// NewController creates a trigger mode controller.
func NewController(store StateStore, logger *slog.Logger) *Controller {
	return &Controller{store: store, logger: logger, now: time.Now}
}

// Decide processes one event for an LLM-backed rule and returns whether to
// skip, pend, or trigger analysis.
func (c *Controller) Decide(ctx context.Context, rule *model.Rule, event *model.Event) (*Result, error) {
	llmCfg := rule.RuleConfig.LLMConfig
	if llmCfg == nil {
		return nil, fmt.Errorf("rule %s has no llm configuration", rule.RuleID)
	}

	switch llmCfg.TriggerMode {
	case model.TriggerModeRealtime:
		return &Result{Decision: DecisionTrigger, Reason: "realtime"}, nil
	case model.TriggerModeBatch:
		return c.decideBatch(ctx, rule, event, llmCfg)
	case model.TriggerModeInterval:
		return c.decideInterval(ctx, rule, event, llmCfg)
	default:
		return nil, fmt.Errorf("rule %s has unknown trigger mode %q", rule.RuleID, llmCfg.TriggerMode)
	}
}

func (c *Controller) decideBatch(ctx context.Context, rule *model.Rule, event *model.Event, llmCfg *model.LLMConfig) (*Result, error) {
	maxWait := time.Duration(llmCfg.MaxWaitSeconds) * time.Second

	size, err := c.store.AddToBatch(ctx, rule.RuleID, event.ContextKey, event, maxWait)
	if err != nil {
		return nil, err
	}

	if size >= int64(llmCfg.BatchSize) {
		return c.flushBatch(ctx, rule.RuleID, event.ContextKey, "batch_size_reached")
	}

	since, ok, err := c.store.BatchSince(ctx, rule.RuleID, event.ContextKey)
	if err != nil {
		return nil, err
	}
	if ok && c.now().Sub(since) >= maxWait {
		return c.flushBatch(ctx, rule.RuleID, event.ContextKey, "max_wait_elapsed")
	}

	return &Result{
		Decision: DecisionPending,
		Reason:   fmt.Sprintf("batch %d/%d", size, llmCfg.BatchSize),
	}, nil
}

func (c *Controller) flushBatch(ctx context.Context, ruleID, ctxKey, reason string) (*Result, error) {
	events, err := c.store.SnapshotAndClearBatch(ctx, ruleID, ctxKey)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		// Another worker flushed first.
		return &Result{Decision: DecisionSkip, Reason: "batch_already_flushed"}, nil
	}
	return &Result{Decision: DecisionTrigger, Reason: reason, BatchEvents: events}, nil
}

func (c *Controller) decideInterval(ctx context.Context, rule *model.Rule, event *model.Event, llmCfg *model.LLMConfig) (*Result, error) {
	interval := time.Duration(llmCfg.IntervalSeconds) * time.Second

	last, found, err := c.store.LastAnalysis(ctx, rule.RuleID, event.ContextKey)
	if err != nil {
		return nil, err
	}
	if found && c.now().Sub(last) < interval {
		return &Result{Decision: DecisionSkip, Reason: "interval_not_elapsed"}, nil
	}

	won, err := c.store.TryAcquireIntervalLock(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}
	if !won {
		return &Result{Decision: DecisionSkip, Reason: "interval_lock_held"}, nil
	}
	return &Result{Decision: DecisionTrigger, Reason: "interval_elapsed"}, nil
}

// MarkAnalyzed records the completion of an analysis so the next interval
// starts counting from now, and releases the interval lock.
func (c *Controller) MarkAnalyzed(ctx context.Context, rule *model.Rule, ctxKey string) error {
	llmCfg := rule.RuleConfig.LLMConfig
	if llmCfg == nil || llmCfg.TriggerMode != model.TriggerModeInterval {
		return nil
	}
	if err := c.store.SetLastAnalysis(ctx, rule.RuleID, ctxKey, c.now()); err != nil {
		return err
	}
	return c.store.ReleaseIntervalLock(ctx, rule.RuleID)
}

// BatchFlush is one expired accumulator drained by the periodic sweep.
type BatchFlush struct {
	ContextKey string
	Events     []*model.Event
}

// SweepExpiredBatches drains every accumulator for the rule whose max-wait
// elapsed, so the delay bound holds even when no further event arrives.
func (c *Controller) SweepExpiredBatches(ctx context.Context, rule *model.Rule) ([]BatchFlush, error) {
	llmCfg := rule.RuleConfig.LLMConfig
	if llmCfg == nil || llmCfg.TriggerMode != model.TriggerModeBatch {
		return nil, nil
	}
	maxWait := time.Duration(llmCfg.MaxWaitSeconds) * time.Second

	ctxKeys, err := c.store.PendingBatchKeys(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}

	var flushes []BatchFlush
	for _, ctxKey := range ctxKeys {
		since, ok, err := c.store.BatchSince(ctx, rule.RuleID, ctxKey)
		if err != nil {
			c.logger.Warn("Failed to read batch age", "rule_id", rule.RuleID, "context_key", ctxKey, "error", err)
			continue
		}
		if !ok || c.now().Sub(since) < maxWait {
			continue
		}
		events, err := c.store.SnapshotAndClearBatch(ctx, rule.RuleID, ctxKey)
		if err != nil {
			c.logger.Warn("Failed to flush expired batch", "rule_id", rule.RuleID, "context_key", ctxKey, "error", err)
			continue
		}
		if len(events) == 0 {
			continue
		}
		flushes = append(flushes, BatchFlush{ContextKey: ctxKey, Events: events})
	}
	return flushes, nil
}

// DueIntervalKeys returns the context keys of an interval rule whose clocks
// have elapsed, claiming the rule lock once when any are due. The caller runs
// the analyses and must MarkAnalyzed each key.
func (c *Controller) DueIntervalKeys(ctx context.Context, rule *model.Rule) ([]string, error) {
	llmCfg := rule.RuleConfig.LLMConfig
	if llmCfg == nil || llmCfg.TriggerMode != model.TriggerModeInterval {
		return nil, nil
	}
	interval := time.Duration(llmCfg.IntervalSeconds) * time.Second

	ctxKeys, err := c.store.IntervalKeys(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}

	var due []string
	for _, ctxKey := range ctxKeys {
		last, found, err := c.store.LastAnalysis(ctx, rule.RuleID, ctxKey)
		if err != nil {
			c.logger.Warn("Failed to read last analysis", "rule_id", rule.RuleID, "context_key", ctxKey, "error", err)
			continue
		}
		if found && c.now().Sub(last) < interval {
			continue
		}
		due = append(due, ctxKey)
	}
	if len(due) == 0 {
		return nil, nil
	}

	won, err := c.store.TryAcquireIntervalLock(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	return due, nil
}
