package model

import "time"

// NotificationStatus records the outcome of the notification step for an
// execution record.
type NotificationStatus string

const (
	NotificationQueued  NotificationStatus = "queued"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationSkipped NotificationStatus = "skipped"
)

// ExecutionRecord captures one rule evaluation against one event.
type ExecutionRecord struct {
	ExecutionID        string             `json:"execution_id"`
	RuleID             string             `json:"rule_id"`
	EventID            string             `json:"event_id"`
	ContextKey         string             `json:"context_key"`
	Triggered          bool               `json:"triggered"`
	Confidence         *float64           `json:"confidence,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	NotificationStatus NotificationStatus `json:"notification_status"`
	LatencyMs          int64              `json:"latency_ms"`
	CreatedAt          time.Time          `json:"created_at"`
}
