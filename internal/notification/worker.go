package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/metrics"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// WorkQueue is the consume side of the durable queue.
type WorkQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*model.NotificationTask, error)
	Enqueue(ctx context.Context, task *model.NotificationTask) error
	MoveToDeadLetter(ctx context.Context, task *model.NotificationTask) error
}

// Worker drains the notification queue and fans each task out to its
// targets. Transient failures retry with exponential backoff and jitter;
// exhausted or permanently failed tasks land in the dead-letter list.
type Worker struct {
	queue     WorkQueue
	channels  map[model.TargetType]Channel
	cfg       config.NotificationConfig
	collector *metrics.Collector
	logger    *slog.Logger

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewWorker creates a notification worker over the given channels.
func NewWorker(queue WorkQueue, channels []Channel, cfg config.NotificationConfig, collector *metrics.Collector, logger *slog.Logger) *Worker {
	byType := make(map[model.TargetType]Channel, len(channels))
	for _, ch := range channels {
		byType[ch.Type()] = ch
	}
	return &Worker{
		queue:        queue,
		channels:     byType,
		cfg:          cfg,
		collector:    collector,
		logger:       logger,
		shutdownChan: make(chan struct{}),
	}
}

// Start runs the worker loop until Stop is called or the context ends.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Stop signals the worker and waits for the in-flight task to finish.
func (w *Worker) Stop() {
	w.logger.Info("Stopping notification worker")
	close(w.shutdownChan)
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdownChan:
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Notification dequeue failed", "error", err)
			w.sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}

		if task.Deferred(time.Now()) {
			// Not due yet; push it back and yield so a deferred-only queue
			// does not spin.
			if err := w.queue.Enqueue(ctx, task); err != nil {
				w.logger.Error("Failed to requeue deferred task", "task_id", task.TaskID, "error", err)
			}
			w.sleep(ctx, 500*time.Millisecond)
			continue
		}

		w.processTask(ctx, task)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-w.shutdownChan:
	}
}

// ProcessTask delivers one task to all its targets. Exported for the
// synchronous test-notification path.
func (w *Worker) ProcessTask(ctx context.Context, task *model.NotificationTask) {
	w.processTask(ctx, task)
}

func (w *Worker) processTask(ctx context.Context, task *model.NotificationTask) {
	var transient, permanent int

	for _, target := range task.Targets {
		channel, ok := w.channels[target.Type]
		if !ok {
			w.logger.Warn("Unknown notification channel", "type", target.Type, "task_id", task.TaskID)
			permanent++
			continue
		}

		err := channel.Send(ctx, target, task)
		switch {
		case err == nil:
		case errors.Is(err, ErrPermanent):
			w.logger.Error("Permanent delivery failure",
				"task_id", task.TaskID, "channel", target.Type, "error", err)
			permanent++
		default:
			w.logger.Warn("Transient delivery failure",
				"task_id", task.TaskID, "channel", target.Type, "error", err)
			transient++
		}
	}

	switch {
	case transient > 0:
		w.retryTask(ctx, task)
	case permanent > 0:
		w.deadLetter(ctx, task, "permanent failure")
	default:
		w.logger.Info("Notification delivered",
			"task_id", task.TaskID, "targets", len(task.Targets))
		w.record("sent")
	}
}

func (w *Worker) retryTask(ctx context.Context, task *model.NotificationTask) {
	task.RetryCount++
	if task.RetryCount > w.cfg.MaxRetry {
		w.deadLetter(ctx, task, "retries exhausted")
		return
	}

	delay := task.RetryDelay(w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay)
	retryAfter := time.Now().Add(delay)
	task.RetryAfter = &retryAfter

	if err := w.queue.Enqueue(ctx, task); err != nil {
		w.logger.Error("Failed to requeue notification", "task_id", task.TaskID, "error", err)
		w.deadLetter(ctx, task, "requeue failed")
		return
	}

	w.logger.Info("Notification scheduled for retry",
		"task_id", task.TaskID, "retry_count", task.RetryCount, "delay", delay)
	w.record("retried")
}

func (w *Worker) deadLetter(ctx context.Context, task *model.NotificationTask, cause string) {
	if err := w.queue.MoveToDeadLetter(ctx, task); err != nil {
		w.logger.Error("Failed to dead-letter notification", "task_id", task.TaskID, "error", err)
	}
	w.logger.Warn("Notification dead-lettered",
		"task_id", task.TaskID, "rule_id", task.RuleID, "cause", cause)
	w.record("dead_lettered")
	w.record("failed")
}

func (w *Worker) record(status string) {
	if w.collector != nil {
		w.collector.RecordNotification(status)
	}
}
