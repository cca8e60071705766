package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/engine"
	"github.com/llmtrigger/llmtrigger/internal/metrics"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// maxMessageDataFields caps the event-data lines in a message.
const maxMessageDataFields = 5

// DedupGate claims the per-(rule, context_key) cooldown slot.
type DedupGate interface {
	TryAcquire(ctx context.Context, ruleID, ctxKey string, cooldown time.Duration) (bool, error)
}

// RateGate enforces the per-rule per-minute bound.
type RateGate interface {
	Allow(ctx context.Context, ruleID string, maxPerMinute int) (bool, error)
}

// TaskQueue is the enqueue side of the durable queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *model.NotificationTask) error
	Length(ctx context.Context) (int64, error)
}

// Dispatcher runs the enqueue gate for fired rules: dedup first, then rate
// limit, then the optional high-water check, then enqueue. Dropped tasks are
// recorded as skipped.
type Dispatcher struct {
	dedup     DedupGate
	rate      RateGate
	queue     TaskQueue
	cfg       config.NotificationConfig
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(dedup DedupGate, rate RateGate, queue TaskQueue, cfg config.NotificationConfig, collector *metrics.Collector, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		dedup:     dedup,
		rate:      rate,
		queue:     queue,
		cfg:       cfg,
		collector: collector,
		logger:    logger,
	}
}

// Dispatch gates and enqueues a notification for a fired rule.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *model.Rule, event *model.Event, result *engine.EvaluationResult) (model.NotificationStatus, error) {
	policy := rule.NotifyPolicy
	if len(policy.Targets) == 0 {
		d.logger.Debug("No notification targets", "rule_id", rule.RuleID)
		return model.NotificationSkipped, nil
	}

	cooldown := time.Duration(policy.RateLimit.CooldownSeconds) * time.Second
	if policy.RateLimit.CooldownSeconds == 0 {
		cooldown = time.Duration(d.cfg.DefaultCooldown) * time.Second
	}

	// Dedup claims the slot first; a later rate-limit drop still leaves the
	// cooldown in place.
	fresh, err := d.dedup.TryAcquire(ctx, rule.RuleID, event.ContextKey, cooldown)
	if err != nil {
		return model.NotificationFailed, fmt.Errorf("dedup gate: %w", err)
	}
	if !fresh {
		d.logger.Info("Notification suppressed by cooldown",
			"rule_id", rule.RuleID, "context_key", event.ContextKey)
		d.recordSkip()
		return model.NotificationSkipped, nil
	}

	allowed, err := d.rate.Allow(ctx, rule.RuleID, policy.RateLimit.MaxPerMinute)
	if err != nil {
		return model.NotificationFailed, fmt.Errorf("rate gate: %w", err)
	}
	if !allowed {
		d.logger.Info("Notification suppressed by rate limit",
			"rule_id", rule.RuleID, "max_per_minute", policy.RateLimit.MaxPerMinute)
		d.recordSkip()
		return model.NotificationSkipped, nil
	}

	if d.cfg.QueueHighWater > 0 {
		depth, err := d.queue.Length(ctx)
		if err == nil && depth >= d.cfg.QueueHighWater {
			d.logger.Warn("Notification dropped at queue high-water mark",
				"rule_id", rule.RuleID, "depth", depth)
			d.recordSkip()
			return model.NotificationSkipped, nil
		}
	}

	task := &model.NotificationTask{
		TaskID:     "notify_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		RuleID:     rule.RuleID,
		ContextKey: event.ContextKey,
		Targets:    policy.Targets,
		Message:    buildMessage(rule, event, result),
		CreatedAt:  time.Now().UTC(),
		Metadata: map[string]any{
			"event_id":   event.EventID,
			"event_type": event.EventType,
			"confidence": result.Confidence,
			"reason":     result.Reason,
		},
	}

	if err := d.queue.Enqueue(ctx, task); err != nil {
		return model.NotificationFailed, fmt.Errorf("enqueue notification: %w", err)
	}

	d.logger.Info("Notification queued",
		"task_id", task.TaskID, "rule_id", rule.RuleID, "targets", len(policy.Targets))
	if d.collector != nil {
		d.collector.RecordNotification("queued")
	}
	return model.NotificationQueued, nil
}

func (d *Dispatcher) recordSkip() {
	if d.collector != nil {
		d.collector.RecordNotification("skipped")
	}
}

// buildMessage renders the markdown notification body.
func buildMessage(rule *model.Rule, event *model.Event, result *engine.EvaluationResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n\n", rule.Name)
	fmt.Fprintf(&sb, "**Trigger Time:** %s\n", event.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "**Event Type:** %s\n\n", event.EventType)
	sb.WriteString("**Decision:**\n")
	sb.WriteString(result.Reason)

	if result.Confidence > 0 {
		fmt.Fprintf(&sb, "\n**Confidence:** %.0f%%", result.Confidence*100)
	}

	if len(event.Data) > 0 {
		sb.WriteString("\n\n**Event Data:**")
		keys := make([]string, 0, len(event.Data))
		for key := range event.Data {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if len(keys) > maxMessageDataFields {
			keys = keys[:maxMessageDataFields]
		}
		for _, key := range keys {
			fmt.Fprintf(&sb, "\n- %s: %v", key, event.Data[key])
		}
	}
	return sb.String()
}
