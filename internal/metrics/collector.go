// Package metrics exposes Prometheus instrumentation for the trigger
// service: event throughput, rule evaluations, LLM calls, and the
// notification pipeline.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueLengths reports the notification queue depths for gauge collection.
type QueueLengths interface {
	Length(ctx context.Context) (int64, error)
	DeadLetterLength(ctx context.Context) (int64, error)
}

// Collector manages Prometheus metrics for the trigger service.
type Collector struct {
	logger *slog.Logger
	queue  QueueLengths

	eventsProcessed   *prometheus.CounterVec
	eventProcessing   prometheus.Histogram
	ruleEvaluations   *prometheus.CounterVec
	llmCalls          *prometheus.CounterVec
	llmCallDuration   prometheus.Histogram
	notifications     *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	deadLetterDepth   prometheus.Gauge
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewCollector creates a metrics collector and registers its metrics with
// the default registry.
func NewCollector(queue QueueLengths, logger *slog.Logger) *Collector {
	c := &Collector{logger: logger, queue: queue}
	c.register()
	return c
}

func (c *Collector) register() {
	c.eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmtrigger_events_processed_total",
			Help: "Total number of events consumed, by outcome",
		},
		[]string{"status"},
	)

	c.eventProcessing = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmtrigger_event_processing_duration_seconds",
			Help:    "Duration of end-to-end event handling",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	c.ruleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmtrigger_rule_evaluations_total",
			Help: "Total number of rule evaluations, by rule kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.llmCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmtrigger_llm_calls_total",
			Help: "Total number of LLM evaluations, by outcome",
		},
		[]string{"outcome"},
	)

	c.llmCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmtrigger_llm_call_duration_seconds",
			Help:    "Duration of LLM evaluations including prompt assembly",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	c.notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmtrigger_notifications_total",
			Help: "Total number of notification tasks, by stage",
		},
		[]string{"status"},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmtrigger_notification_queue_depth",
			Help: "Current depth of the notification queue",
		},
	)

	c.deadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmtrigger_notification_dead_letter_depth",
			Help: "Current depth of the notification dead-letter list",
		},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmtrigger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	c.httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmtrigger_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
}

// Start collects queue-depth gauges periodically until the context ends.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectQueueDepth(ctx)
		}
	}
}

func (c *Collector) collectQueueDepth(ctx context.Context) {
	if c.queue == nil {
		return
	}
	if depth, err := c.queue.Length(ctx); err == nil {
		c.queueDepth.Set(float64(depth))
	} else {
		c.logger.Debug("Failed to collect queue depth", "error", err)
	}
	if depth, err := c.queue.DeadLetterLength(ctx); err == nil {
		c.deadLetterDepth.Set(float64(depth))
	}
}

// RecordEventProcessed records one consumed event with its outcome:
// processed, duplicate, malformed, or failed.
func (c *Collector) RecordEventProcessed(status string, duration time.Duration) {
	c.eventsProcessed.WithLabelValues(status).Inc()
	c.eventProcessing.Observe(duration.Seconds())
}

// RecordRuleEvaluation records one rule evaluation outcome: fired,
// not_fired, pending, skipped, or error.
func (c *Collector) RecordRuleEvaluation(kind, outcome string) {
	c.ruleEvaluations.WithLabelValues(kind, outcome).Inc()
}

// RecordLLMCall records one LLM evaluation outcome: success, cache_hit,
// parse_error, or transport_error.
func (c *Collector) RecordLLMCall(outcome string, duration time.Duration) {
	c.llmCalls.WithLabelValues(outcome).Inc()
	c.llmCallDuration.Observe(duration.Seconds())
}

// RecordNotification records a notification task stage: queued, sent,
// failed, skipped, retried, or dead_lettered.
func (c *Collector) RecordNotification(status string) {
	c.notifications.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an API request.
func (c *Collector) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
