package model

import (
	"math/rand"
	"time"
)

// NotificationTask is one queued fan-out to a rule's targets.
type NotificationTask struct {
	TaskID     string         `json:"task_id"`
	RuleID     string         `json:"rule_id"`
	ContextKey string         `json:"context_key"`
	Targets    []Target       `json:"targets"`
	Message    string         `json:"message"`
	RetryCount int            `json:"retry_count"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryAfter *time.Time     `json:"retry_after,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ShouldRetry reports whether the task is still within its retry budget.
func (t *NotificationTask) ShouldRetry(maxRetry int) bool {
	return t.RetryCount < maxRetry
}

// RetryDelay computes the exponential backoff before the next attempt:
// min(2^retry_count * base, max) plus up to 20% jitter.
func (t *NotificationTask) RetryDelay(base, max time.Duration) time.Duration {
	delay := base << uint(t.RetryCount)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// Deferred reports whether the task must not run yet.
func (t *NotificationTask) Deferred(now time.Time) bool {
	return t.RetryAfter != nil && t.RetryAfter.After(now)
}
