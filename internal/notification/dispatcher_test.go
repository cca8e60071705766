package notification

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/engine"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

type fakeDedup struct {
	blocked  bool
	acquired []time.Duration
}

func (f *fakeDedup) TryAcquire(_ context.Context, _, _ string, cooldown time.Duration) (bool, error) {
	f.acquired = append(f.acquired, cooldown)
	return !f.blocked, nil
}

type fakeRate struct {
	blocked bool
	calls   int
}

func (f *fakeRate) Allow(_ context.Context, _ string, _ int) (bool, error) {
	f.calls++
	return !f.blocked, nil
}

type fakeQueue struct {
	tasks      []*model.NotificationTask
	deadLetter []*model.NotificationTask
	depth      int64
}

func (f *fakeQueue) Enqueue(_ context.Context, task *model.NotificationTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeQueue) Length(_ context.Context) (int64, error) { return f.depth, nil }

func (f *fakeQueue) Dequeue(_ context.Context, _ time.Duration) (*model.NotificationTask, error) {
	if len(f.tasks) == 0 {
		return nil, nil
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task, nil
}

func (f *fakeQueue) MoveToDeadLetter(_ context.Context, task *model.NotificationTask) error {
	f.deadLetter = append(f.deadLetter, task)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func notifyRule(maxPerMinute, cooldownSeconds int) *model.Rule {
	return &model.Rule{
		RuleID: "rule-1",
		Name:   "Losing Streak Alert",
		NotifyPolicy: model.NotifyPolicy{
			Targets: []model.Target{{Type: model.TargetTelegram, ChatID: "42"}},
			RateLimit: model.RateLimit{
				MaxPerMinute:    maxPerMinute,
				CooldownSeconds: cooldownSeconds,
			},
		},
	}
}

func notifyEvent() *model.Event {
	return &model.Event{
		EventID:    "evt-1",
		EventType:  "trade.closed",
		ContextKey: "trade.btcusdt",
		Timestamp:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Data:       map[string]any{"profit": -4.2, "symbol": "BTCUSDT"},
	}
}

func firedResult() *engine.EvaluationResult {
	return &engine.EvaluationResult{ShouldTrigger: true, Confidence: 0.9, Reason: "loss streak detected"}
}

func newDispatcher(dedup *fakeDedup, rate *fakeRate, queue *fakeQueue, highWater int64) *Dispatcher {
	cfg := config.NotificationConfig{DefaultCooldown: 60, QueueHighWater: highWater}
	return NewDispatcher(dedup, rate, queue, cfg, nil, testLogger())
}

func TestDispatchQueuesTask(t *testing.T) {
	dedup, rate, queue := &fakeDedup{}, &fakeRate{}, &fakeQueue{}
	d := newDispatcher(dedup, rate, queue, 0)

	status, err := d.Dispatch(context.Background(), notifyRule(5, 120), notifyEvent(), firedResult())
	require.NoError(t, err)
	assert.Equal(t, model.NotificationQueued, status)
	require.Len(t, queue.tasks, 1)

	task := queue.tasks[0]
	assert.Equal(t, "rule-1", task.RuleID)
	assert.Equal(t, "trade.btcusdt", task.ContextKey)
	assert.Len(t, task.Targets, 1)
	assert.Contains(t, task.Message, "Losing Streak Alert")
	assert.Contains(t, task.Message, "loss streak detected")
	assert.Contains(t, task.Message, "Confidence:** 90%")
	assert.Contains(t, task.Message, "profit: -4.2")
	// The rule's own cooldown wins over the default.
	assert.Equal(t, []time.Duration{120 * time.Second}, dedup.acquired)
}

func TestDispatchNoTargetsSkips(t *testing.T) {
	dedup, rate, queue := &fakeDedup{}, &fakeRate{}, &fakeQueue{}
	d := newDispatcher(dedup, rate, queue, 0)

	rule := notifyRule(5, 60)
	rule.NotifyPolicy.Targets = nil

	status, err := d.Dispatch(context.Background(), rule, notifyEvent(), firedResult())
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSkipped, status)
	assert.Empty(t, dedup.acquired)
	assert.Empty(t, queue.tasks)
}

func TestDispatchCooldownSuppresses(t *testing.T) {
	dedup, rate, queue := &fakeDedup{blocked: true}, &fakeRate{}, &fakeQueue{}
	d := newDispatcher(dedup, rate, queue, 0)

	status, err := d.Dispatch(context.Background(), notifyRule(5, 60), notifyEvent(), firedResult())
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSkipped, status)
	// Rate gate is never consulted once dedup suppresses.
	assert.Zero(t, rate.calls)
	assert.Empty(t, queue.tasks)
}

func TestDispatchRateLimitSuppressesAfterDedupClaim(t *testing.T) {
	dedup, rate, queue := &fakeDedup{}, &fakeRate{blocked: true}, &fakeQueue{}
	d := newDispatcher(dedup, rate, queue, 0)

	status, err := d.Dispatch(context.Background(), notifyRule(1, 60), notifyEvent(), firedResult())
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSkipped, status)
	// The cooldown slot was claimed even though the rate gate dropped it.
	assert.Len(t, dedup.acquired, 1)
	assert.Empty(t, queue.tasks)
}

func TestDispatchDefaultCooldownApplied(t *testing.T) {
	dedup, rate, queue := &fakeDedup{}, &fakeRate{}, &fakeQueue{}
	d := newDispatcher(dedup, rate, queue, 0)

	_, err := d.Dispatch(context.Background(), notifyRule(5, 0), notifyEvent(), firedResult())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{60 * time.Second}, dedup.acquired)
}

func TestDispatchHighWaterFailsClosed(t *testing.T) {
	dedup, rate, queue := &fakeDedup{}, &fakeRate{}, &fakeQueue{depth: 1000}
	d := newDispatcher(dedup, rate, queue, 1000)

	status, err := d.Dispatch(context.Background(), notifyRule(5, 60), notifyEvent(), firedResult())
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSkipped, status)
	assert.Empty(t, queue.tasks)
}
