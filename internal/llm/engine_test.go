package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrigger/llmtrigger/internal/model"
	"github.com/llmtrigger/llmtrigger/internal/storage"
)

type fakeClient struct {
	response string
	err      error
	calls    int
}

func (c *fakeClient) ChatCompletion(_ context.Context, _, _ string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

type fakeCache struct {
	entries map[string]storage.CachedDecision
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]storage.CachedDecision)}
}

func (c *fakeCache) Get(_ context.Context, ruleID, hash string) (*storage.CachedDecision, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	if d, ok := c.entries[ruleID+":"+hash]; ok {
		return &d, nil
	}
	return nil, nil
}

func (c *fakeCache) Set(_ context.Context, ruleID, hash string, d storage.CachedDecision) error {
	c.entries[ruleID+":"+hash] = d
	return nil
}

func llmRule(threshold float64) *model.Rule {
	return &model.Rule{
		RuleID:  "rule-1",
		Enabled: true,
		RuleConfig: model.RuleConfig{
			Kind: model.RuleKindLLM,
			LLMConfig: &model.LLMConfig{
				Description:         "alert on three consecutive losing trades",
				TriggerMode:         model.TriggerModeRealtime,
				ConfidenceThreshold: threshold,
			},
		},
	}
}

func sampleEvent() *model.Event {
	return &model.Event{
		EventID:    "evt-1",
		EventType:  "trade.closed",
		ContextKey: "trade.btcusdt",
		Timestamp:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Data:       map[string]any{"profit": -4.2},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEvaluateSuccessCachesDecision(t *testing.T) {
	client := &fakeClient{response: `{"should_trigger": true, "confidence": 0.9, "reason": "loss streak"}`}
	cache := newFakeCache()
	engine := NewEngine(client, cache, nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	require.True(t, decision.ShouldTrigger)
	assert.Equal(t, 0.9, decision.Confidence)
	assert.Len(t, cache.entries, 1)

	// Second evaluation of the same window short-circuits.
	again := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.True(t, again.ShouldTrigger)
	assert.Contains(t, again.Reason, "(cached)")
	assert.Equal(t, 1, client.calls)
}

func TestEvaluateConfidenceGate(t *testing.T) {
	client := &fakeClient{response: `{"should_trigger": true, "confidence": 0.5, "reason": "weak signal"}`}
	engine := NewEngine(client, newFakeCache(), nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.False(t, decision.ShouldTrigger)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.Equal(t, "weak signal", decision.Reason)
}

func TestEvaluateThresholdBoundaryPasses(t *testing.T) {
	client := &fakeClient{response: `{"should_trigger": true, "confidence": 0.7, "reason": "exact"}`}
	engine := NewEngine(client, newFakeCache(), nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.True(t, decision.ShouldTrigger)
}

func TestEvaluateTransportErrorNotCached(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	cache := newFakeCache()
	engine := NewEngine(client, cache, nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.False(t, decision.ShouldTrigger)
	assert.Equal(t, "llm_error:network", decision.Reason)
	assert.Empty(t, cache.entries)
}

func TestEvaluateUpstream5xxKind(t *testing.T) {
	client := &fakeClient{err: &APIError{StatusCode: 503, Body: "overloaded"}}
	engine := NewEngine(client, newFakeCache(), nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.Equal(t, "llm_error:upstream_5xx", decision.Reason)
}

func TestEvaluateParseErrorNotCached(t *testing.T) {
	client := &fakeClient{response: "I refuse to answer in JSON."}
	cache := newFakeCache()
	engine := NewEngine(client, cache, nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.False(t, decision.ShouldTrigger)
	assert.Contains(t, decision.Reason, "parse_error:")
	assert.Empty(t, cache.entries)
}

func TestEvaluateCacheFailureFallsThrough(t *testing.T) {
	client := &fakeClient{response: `{"should_trigger": false, "confidence": 0.2, "reason": "quiet"}`}
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	engine := NewEngine(client, cache, nil, testLogger())

	decision := engine.Evaluate(context.Background(), llmRule(0.7), sampleEvent(), nil, nil)
	assert.False(t, decision.ShouldTrigger)
	assert.Equal(t, 1, client.calls)
}

func TestEvaluateMissingLLMConfig(t *testing.T) {
	rule := &model.Rule{RuleID: "r", RuleConfig: model.RuleConfig{Kind: model.RuleKindLLM}}
	engine := NewEngine(&fakeClient{}, newFakeCache(), nil, testLogger())

	decision := engine.Evaluate(context.Background(), rule, sampleEvent(), nil, nil)
	assert.False(t, decision.ShouldTrigger)
	assert.Equal(t, "missing llm configuration", decision.Reason)
}
