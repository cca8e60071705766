package model

import (
	"fmt"
	"strings"
	"time"
)

// RuleKind selects which engine composition evaluates a rule.
type RuleKind string

const (
	RuleKindExpression RuleKind = "expression"
	RuleKindLLM        RuleKind = "llm"
	RuleKindHybrid     RuleKind = "hybrid"
)

// TriggerMode controls when an LLM rule actually invokes the model.
type TriggerMode string

const (
	TriggerModeRealtime TriggerMode = "realtime"
	TriggerModeBatch    TriggerMode = "batch"
	TriggerModeInterval TriggerMode = "interval"
)

// TargetType identifies a notification channel.
type TargetType string

const (
	TargetTelegram TargetType = "telegram"
	TargetWeCom    TargetType = "wecom"
	TargetEmail    TargetType = "email"
)

// PreFilter is the expression gate for expression and hybrid rules.
type PreFilter struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// LLMConfig parameterizes LLM evaluation for llm and hybrid rules.
type LLMConfig struct {
	Description         string      `json:"description"`
	TriggerMode         TriggerMode `json:"trigger_mode"`
	BatchSize           int         `json:"batch_size,omitempty"`
	MaxWaitSeconds      int         `json:"max_wait_seconds,omitempty"`
	IntervalSeconds     int         `json:"interval_seconds,omitempty"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
}

// Threshold returns the confidence threshold clamped to [0,1], defaulting
// to 0.7 when unset.
func (c *LLMConfig) Threshold() float64 {
	t := c.ConfidenceThreshold
	if t == 0 {
		t = 0.7
	}
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return t
}

// RuleConfig is the kind-tagged union of engine configurations.
type RuleConfig struct {
	Kind      RuleKind   `json:"kind"`
	PreFilter *PreFilter `json:"pre_filter,omitempty"`
	LLMConfig *LLMConfig `json:"llm_config,omitempty"`
}

// Target is one notification destination. Exactly the fields for its type are
// set; the rest stay empty.
type Target struct {
	Type       TargetType `json:"type"`
	ChatID     string     `json:"chat_id,omitempty"`
	WebhookKey string     `json:"webhook_key,omitempty"`
	To         []string   `json:"to,omitempty"`
}

// RateLimit bounds notification frequency per rule.
type RateLimit struct {
	MaxPerMinute    int `json:"max_per_minute"`
	CooldownSeconds int `json:"cooldown_seconds"`
}

// NotifyPolicy describes where and how often a rule notifies.
type NotifyPolicy struct {
	Targets   []Target  `json:"targets"`
	RateLimit RateLimit `json:"rate_limit"`
}

// Rule is the complete rule record.
type Rule struct {
	RuleID       string       `json:"rule_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Enabled      bool         `json:"enabled"`
	Priority     int          `json:"priority"`
	EventTypes   []string     `json:"event_types"`
	ContextKeys  []string     `json:"context_keys,omitempty"`
	RuleConfig   RuleConfig   `json:"rule_config"`
	NotifyPolicy NotifyPolicy `json:"notify_policy"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// MatchesEventType reports whether the rule subscribes to the event type.
func (r *Rule) MatchesEventType(eventType string) bool {
	for _, t := range r.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// MatchesContextKey reports whether the rule applies to the context key.
// An empty pattern list matches everything.
func (r *Rule) MatchesContextKey(contextKey string) bool {
	if len(r.ContextKeys) == 0 {
		return true
	}
	for _, pattern := range r.ContextKeys {
		if MatchGlob(pattern, contextKey) {
			return true
		}
	}
	return false
}

// MatchGlob matches a literal-`*`-wildcard pattern against a dotted key.
// `*` matches any substring, including across dots and the empty string.
// No regular expressions are compiled.
func MatchGlob(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	// Anchored prefix.
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		value = value[len(parts[0]):]
	}
	// Anchored suffix. Checked last; middle parts must fit before it.
	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(value, last) {
			return false
		}
		value = value[:len(value)-len(last)]
	}
	// Middle parts match greedily left to right.
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}
	return true
}

// Validate enforces the write-time invariants: the kind's sub-configs must be
// present and well-formed, and the rule must subscribe to at least one event
// type. Expression syntax is validated by the repository caller, which owns
// the expression engine.
func (r *Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.EventTypes) == 0 {
		return fmt.Errorf("event_types must not be empty")
	}

	switch r.RuleConfig.Kind {
	case RuleKindExpression:
		if r.RuleConfig.PreFilter == nil || r.RuleConfig.PreFilter.Expression == "" {
			return fmt.Errorf("expression rule requires pre_filter.expression")
		}
	case RuleKindLLM:
		if err := validateLLMConfig(r.RuleConfig.LLMConfig); err != nil {
			return err
		}
	case RuleKindHybrid:
		if r.RuleConfig.PreFilter == nil || r.RuleConfig.PreFilter.Expression == "" {
			return fmt.Errorf("hybrid rule requires pre_filter.expression")
		}
		if err := validateLLMConfig(r.RuleConfig.LLMConfig); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.RuleConfig.Kind)
	}

	for i, target := range r.NotifyPolicy.Targets {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("target %d: %w", i, err)
		}
	}
	if r.NotifyPolicy.RateLimit.MaxPerMinute < 0 {
		return fmt.Errorf("rate_limit.max_per_minute must not be negative")
	}
	if r.NotifyPolicy.RateLimit.CooldownSeconds < 0 {
		return fmt.Errorf("rate_limit.cooldown_seconds must not be negative")
	}
	return nil
}

func validateLLMConfig(c *LLMConfig) error {
	if c == nil || c.Description == "" {
		return fmt.Errorf("llm rule requires llm_config.description")
	}
	switch c.TriggerMode {
	case TriggerModeRealtime:
	case TriggerModeBatch:
		if c.BatchSize < 1 {
			return fmt.Errorf("batch mode requires batch_size >= 1")
		}
		if c.MaxWaitSeconds < 1 {
			return fmt.Errorf("batch mode requires max_wait_seconds >= 1")
		}
	case TriggerModeInterval:
		if c.IntervalSeconds < 1 {
			return fmt.Errorf("interval mode requires interval_seconds >= 1")
		}
	default:
		return fmt.Errorf("unknown trigger mode %q", c.TriggerMode)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1]")
	}
	return nil
}

// Validate checks that the target carries the fields its type requires.
func (t *Target) Validate() error {
	switch t.Type {
	case TargetTelegram:
		if t.ChatID == "" {
			return fmt.Errorf("telegram target requires chat_id")
		}
	case TargetWeCom:
		if t.WebhookKey == "" {
			return fmt.Errorf("wecom target requires webhook_key")
		}
	case TargetEmail:
		if len(t.To) == 0 {
			return fmt.Errorf("email target requires at least one recipient")
		}
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}
