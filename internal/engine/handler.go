package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/llmtrigger/llmtrigger/internal/metrics"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// IdempotencyMarker claims event IDs so redeliveries are acknowledged
// without re-processing.
type IdempotencyMarker interface {
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// ContextAppender feeds the context window.
type ContextAppender interface {
	Append(ctx context.Context, event *model.Event) error
}

// RuleMatcher serves the enabled rules for an event.
type RuleMatcher interface {
	Match(ctx context.Context, eventType, contextKey string) ([]*model.Rule, error)
}

// Notifier runs the enqueue gate for a fired rule and reports whether the
// task was queued or dropped.
type Notifier interface {
	Dispatch(ctx context.Context, rule *model.Rule, event *model.Event, result *EvaluationResult) (model.NotificationStatus, error)
}

// ExecutionRecorder persists evaluation history.
type ExecutionRecorder interface {
	Record(ctx context.Context, record *model.ExecutionRecord) error
}

// Handler drives the per-event pipeline: idempotency, context append, rule
// match, per-rule evaluation, and notification dispatch. An error return
// means a systemic failure the broker should requeue; per-rule failures are
// contained and logged.
type Handler struct {
	idempotency IdempotencyMarker
	contexts    ContextAppender
	rules       RuleMatcher
	router      *Router
	notifier    Notifier
	executions  ExecutionRecorder
	collector   *metrics.Collector
	logger      *slog.Logger
}

// NewHandler creates an event handler.
func NewHandler(
	idempotency IdempotencyMarker,
	contexts ContextAppender,
	rules RuleMatcher,
	router *Router,
	notifier Notifier,
	executions ExecutionRecorder,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		idempotency: idempotency,
		contexts:    contexts,
		rules:       rules,
		router:      router,
		notifier:    notifier,
		executions:  executions,
		collector:   collector,
		logger:      logger,
	}
}

// HandleEvent processes one ingested event end to end.
func (h *Handler) HandleEvent(ctx context.Context, event *model.Event) error {
	start := time.Now()

	fresh, err := h.idempotency.MarkProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check for %s: %w", event.EventID, err)
	}
	if !fresh {
		h.logger.Debug("Duplicate event acknowledged", "event_id", event.EventID)
		h.recordEvent("duplicate", start)
		return nil
	}

	if err := h.contexts.Append(ctx, event); err != nil {
		h.recordEvent("failed", start)
		return fmt.Errorf("context append for %s: %w", event.EventID, err)
	}

	rules, err := h.rules.Match(ctx, event.EventType, event.ContextKey)
	if err != nil {
		h.recordEvent("failed", start)
		return fmt.Errorf("rule match for %s: %w", event.EventType, err)
	}

	for _, rule := range rules {
		h.evaluateRule(ctx, rule, event)
	}

	h.recordEvent("processed", start)
	return nil
}

// evaluateRule runs one rule in isolation. Multiple rules may fire for the
// same event; one rule's failure never short-circuits its siblings.
func (h *Handler) evaluateRule(ctx context.Context, rule *model.Rule, event *model.Event) {
	start := time.Now()

	result, err := h.router.Route(ctx, rule, event)
	if err != nil {
		h.logger.Error("Rule evaluation failed",
			"rule_id", rule.RuleID, "event_id", event.EventID, "error", err)
		h.recordEvaluation(rule, "error")
		return
	}

	status := model.NotificationSkipped
	if result.ShouldTrigger {
		status, err = h.notifier.Dispatch(ctx, rule, event, result)
		if err != nil {
			h.logger.Error("Notification dispatch failed",
				"rule_id", rule.RuleID, "event_id", event.EventID, "error", err)
			status = model.NotificationFailed
		}
		h.recordEvaluation(rule, "fired")
	} else {
		h.recordEvaluation(rule, "not_fired")
	}

	h.recordExecution(ctx, rule, event, result, status, time.Since(start))
}

// RunAnalysis evaluates a rule outside the event path (the periodic tick's
// batch flushes and empty-window interval checks). The synthetic event
// carries the context key; the context window is the payload.
func (h *Handler) RunAnalysis(ctx context.Context, rule *model.Rule, ctxKey string, batchEvents []*model.Event) {
	event := &model.Event{
		EventID:    "tick-" + uuid.NewString(),
		EventType:  firstEventType(rule),
		ContextKey: ctxKey,
		Timestamp:  time.Now().UTC(),
		Data:       map[string]any{},
	}
	if len(batchEvents) > 0 {
		event = batchEvents[len(batchEvents)-1]
	}

	start := time.Now()
	result, err := h.router.Analyze(ctx, rule, event, batchEvents)
	if err != nil {
		h.logger.Error("Scheduled analysis failed",
			"rule_id", rule.RuleID, "context_key", ctxKey, "error", err)
		h.recordEvaluation(rule, "error")
		return
	}

	status := model.NotificationSkipped
	if result.ShouldTrigger {
		status, err = h.notifier.Dispatch(ctx, rule, event, result)
		if err != nil {
			h.logger.Error("Notification dispatch failed",
				"rule_id", rule.RuleID, "context_key", ctxKey, "error", err)
			status = model.NotificationFailed
		}
		h.recordEvaluation(rule, "fired")
	} else {
		h.recordEvaluation(rule, "not_fired")
	}

	h.recordExecution(ctx, rule, event, result, status, time.Since(start))
}

// RuleTestResult pairs a matched rule with its evaluation outcome for the
// test endpoint.
type RuleTestResult struct {
	RuleID        string         `json:"rule_id"`
	Name          string         `json:"name"`
	Kind          model.RuleKind `json:"kind"`
	ShouldTrigger bool           `json:"should_trigger"`
	Confidence    float64        `json:"confidence"`
	Reason        string         `json:"reason"`
}

// TestEvent evaluates an event against every matching rule without side
// effects: no idempotency claim, no context append, no trigger-mode state,
// no notifications, no execution records.
func (h *Handler) TestEvent(ctx context.Context, event *model.Event) ([]RuleTestResult, error) {
	rules, err := h.rules.Match(ctx, event.EventType, event.ContextKey)
	if err != nil {
		return nil, fmt.Errorf("rule match for %s: %w", event.EventType, err)
	}

	results := make([]RuleTestResult, 0, len(rules))
	for _, rule := range rules {
		entry := RuleTestResult{
			RuleID: rule.RuleID,
			Name:   rule.Name,
			Kind:   rule.RuleConfig.Kind,
		}
		result, err := h.router.Test(ctx, rule, event)
		if err != nil {
			entry.Reason = fmt.Sprintf("error: %v", err)
		} else {
			entry.ShouldTrigger = result.ShouldTrigger
			entry.Confidence = result.Confidence
			entry.Reason = result.Reason
		}
		results = append(results, entry)
	}
	return results, nil
}

func (h *Handler) recordExecution(ctx context.Context, rule *model.Rule, event *model.Event, result *EvaluationResult, status model.NotificationStatus, latency time.Duration) {
	if h.executions == nil {
		return
	}
	confidence := result.Confidence
	record := &model.ExecutionRecord{
		ExecutionID:        uuid.NewString(),
		RuleID:             rule.RuleID,
		EventID:            event.EventID,
		ContextKey:         event.ContextKey,
		Triggered:          result.ShouldTrigger,
		Confidence:         &confidence,
		Reason:             result.Reason,
		NotificationStatus: status,
		LatencyMs:          latency.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}
	if err := h.executions.Record(ctx, record); err != nil {
		h.logger.Warn("Failed to record execution",
			"rule_id", rule.RuleID, "event_id", event.EventID, "error", err)
	}
}

func (h *Handler) recordEvent(status string, start time.Time) {
	if h.collector != nil {
		h.collector.RecordEventProcessed(status, time.Since(start))
	}
}

func (h *Handler) recordEvaluation(rule *model.Rule, outcome string) {
	if h.collector != nil {
		h.collector.RecordRuleEvaluation(string(rule.RuleConfig.Kind), outcome)
	}
}

func firstEventType(rule *model.Rule) string {
	if len(rule.EventTypes) > 0 {
		return rule.EventTypes[0]
	}
	return ""
}
