package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything.at.all", true},
		{"trade.btcusdt", "trade.btcusdt", true},
		{"trade.btcusdt", "trade.ethusdt", false},
		{"trade.*", "trade.btcusdt", true},
		{"trade.*", "trade.", true},
		{"trade.*", "system.cpu", false},
		{"*.usdt", "trade.btc.usdt", true},
		{"*.usdt", "trade.btc.busd", false},
		{"trade.*.closed", "trade.btcusdt.closed", true},
		{"trade.*.closed", "trade.closed", false},
		// `*` crosses dot boundaries.
		{"trade.*", "trade.a.b.c", true},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "acb", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchGlob(tt.pattern, tt.value),
			"pattern %q against %q", tt.pattern, tt.value)
	}
}

func TestMatchesContextKeyEmptyPatternsMatchAll(t *testing.T) {
	rule := &Rule{}
	assert.True(t, rule.MatchesContextKey("trade.btcusdt"))

	rule.ContextKeys = []string{"system.*"}
	assert.False(t, rule.MatchesContextKey("trade.btcusdt"))
	assert.True(t, rule.MatchesContextKey("system.cpu"))
}

func baseRule() *Rule {
	return &Rule{
		RuleID:     "rule-1",
		Name:       "Losing Trade Alert",
		EventTypes: []string{"trade.closed"},
		RuleConfig: RuleConfig{
			Kind:      RuleKindExpression,
			PreFilter: &PreFilter{Type: "expression", Expression: "profit < 0"},
		},
	}
}

func TestRuleValidate(t *testing.T) {
	require.NoError(t, baseRule().Validate())

	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"missing rule_id", func(r *Rule) { r.RuleID = "" }},
		{"missing name", func(r *Rule) { r.Name = "" }},
		{"no event types", func(r *Rule) { r.EventTypes = nil }},
		{"unknown kind", func(r *Rule) { r.RuleConfig.Kind = "regex" }},
		{"expression without pre_filter", func(r *Rule) { r.RuleConfig.PreFilter = nil }},
		{"negative cooldown", func(r *Rule) { r.NotifyPolicy.RateLimit.CooldownSeconds = -1 }},
		{"negative rate limit", func(r *Rule) { r.NotifyPolicy.RateLimit.MaxPerMinute = -1 }},
		{"telegram target without chat_id", func(r *Rule) {
			r.NotifyPolicy.Targets = []Target{{Type: TargetTelegram}}
		}},
		{"unknown target type", func(r *Rule) {
			r.NotifyPolicy.Targets = []Target{{Type: "pager"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := baseRule()
			tt.mutate(rule)
			assert.Error(t, rule.Validate())
		})
	}
}

func TestRuleValidateLLMModes(t *testing.T) {
	llmRule := func(mode TriggerMode) *Rule {
		rule := baseRule()
		rule.RuleConfig = RuleConfig{
			Kind: RuleKindLLM,
			LLMConfig: &LLMConfig{
				Description: "watch for losing streaks",
				TriggerMode: mode,
			},
		}
		return rule
	}

	require.NoError(t, llmRule(TriggerModeRealtime).Validate())

	// Batch and interval need their mode parameters.
	assert.Error(t, llmRule(TriggerModeBatch).Validate())
	batch := llmRule(TriggerModeBatch)
	batch.RuleConfig.LLMConfig.BatchSize = 5
	batch.RuleConfig.LLMConfig.MaxWaitSeconds = 60
	require.NoError(t, batch.Validate())

	assert.Error(t, llmRule(TriggerModeInterval).Validate())
	interval := llmRule(TriggerModeInterval)
	interval.RuleConfig.LLMConfig.IntervalSeconds = 300
	require.NoError(t, interval.Validate())

	missingDesc := llmRule(TriggerModeRealtime)
	missingDesc.RuleConfig.LLMConfig.Description = ""
	assert.Error(t, missingDesc.Validate())

	outOfRange := llmRule(TriggerModeRealtime)
	outOfRange.RuleConfig.LLMConfig.ConfidenceThreshold = 1.5
	assert.Error(t, outOfRange.Validate())
}

func TestRuleValidateHybridNeedsBoth(t *testing.T) {
	rule := baseRule()
	rule.RuleConfig.Kind = RuleKindHybrid
	assert.Error(t, rule.Validate(), "hybrid without llm_config")

	rule.RuleConfig.LLMConfig = &LLMConfig{
		Description: "confirm the loss streak",
		TriggerMode: TriggerModeRealtime,
	}
	require.NoError(t, rule.Validate())

	rule.RuleConfig.PreFilter = nil
	assert.Error(t, rule.Validate(), "hybrid without pre_filter")
}

func TestThresholdDefaultsAndClamps(t *testing.T) {
	assert.InDelta(t, 0.7, (&LLMConfig{}).Threshold(), 1e-9)
	assert.InDelta(t, 0.9, (&LLMConfig{ConfidenceThreshold: 0.9}).Threshold(), 1e-9)
	assert.InDelta(t, 0.0, (&LLMConfig{ConfidenceThreshold: -1}).Threshold(), 1e-9)
	assert.InDelta(t, 1.0, (&LLMConfig{ConfidenceThreshold: 3}).Threshold(), 1e-9)
}
