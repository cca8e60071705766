package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrigger/llmtrigger/internal/engine"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

type fakeRuleStore struct {
	rules map[string]*model.Rule
	err   error
}

func newFakeRuleStore(rules ...*model.Rule) *fakeRuleStore {
	s := &fakeRuleStore{rules: map[string]*model.Rule{}}
	for _, rule := range rules {
		s.rules[rule.RuleID] = rule
	}
	return s
}

func (s *fakeRuleStore) Create(_ context.Context, rule *model.Rule) error {
	if s.err != nil {
		return s.err
	}
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt
	rule.Version = 1
	s.rules[rule.RuleID] = rule
	return nil
}

func (s *fakeRuleStore) Get(_ context.Context, ruleID string) (*model.Rule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules[ruleID], nil
}

func (s *fakeRuleStore) Update(_ context.Context, ruleID string, rule *model.Rule) (*model.Rule, error) {
	existing, ok := s.rules[ruleID]
	if !ok {
		return nil, nil
	}
	rule.RuleID = ruleID
	rule.Version = existing.Version + 1
	s.rules[ruleID] = rule
	return rule, nil
}

func (s *fakeRuleStore) Delete(_ context.Context, ruleID string) (bool, error) {
	if _, ok := s.rules[ruleID]; !ok {
		return false, nil
	}
	delete(s.rules, ruleID)
	return true, nil
}

func (s *fakeRuleStore) SetEnabled(_ context.Context, ruleID string, enabled bool) (bool, error) {
	rule, ok := s.rules[ruleID]
	if !ok {
		return false, nil
	}
	rule.Enabled = enabled
	return true, nil
}

func (s *fakeRuleStore) ListAll(_ context.Context) ([]*model.Rule, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*model.Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule)
	}
	return out, nil
}

type fakeExecutions struct {
	records []*model.ExecutionRecord
	limit   int
}

func (f *fakeExecutions) Recent(_ context.Context, _ string, limit int) ([]*model.ExecutionRecord, error) {
	f.limit = limit
	return f.records, nil
}

type fakeEvents struct {
	tested  []*model.Event
	results []engine.RuleTestResult
	err     error
}

func (f *fakeEvents) TestEvent(_ context.Context, event *model.Event) ([]engine.RuleTestResult, error) {
	f.tested = append(f.tested, event)
	return f.results, f.err
}

type fakeQueueStats struct {
	depth, dead int64
}

func (f *fakeQueueStats) Length(_ context.Context) (int64, error)           { return f.depth, nil }
func (f *fakeQueueStats) DeadLetterLength(_ context.Context) (int64, error) { return f.dead, nil }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type apiFixture struct {
	router     *mux.Router
	rules      *fakeRuleStore
	executions *fakeExecutions
	events     *fakeEvents
	healthErr  error
}

func newFixture(rules ...*model.Rule) *apiFixture {
	f := &apiFixture{
		rules:      newFakeRuleStore(rules...),
		executions: &fakeExecutions{},
		events:     &fakeEvents{},
	}
	handler := NewHTTPHandler(
		testLogger(),
		f.rules,
		f.executions,
		f.events,
		engine.NewExpressionEngine(testLogger()),
		&fakeQueueStats{depth: 3, dead: 1},
		func(context.Context) error { return f.healthErr },
	)
	f.router = mux.NewRouter()
	handler.RegisterRoutes(f.router)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func validRule(ruleID string) *model.Rule {
	return &model.Rule{
		RuleID:     ruleID,
		Name:       "Losing Trade Alert",
		Enabled:    true,
		EventTypes: []string{"trade.closed"},
		RuleConfig: model.RuleConfig{
			Kind:      model.RuleKindExpression,
			PreFilter: &model.PreFilter{Type: "expression", Expression: "profit < 0"},
		},
		NotifyPolicy: model.NotifyPolicy{
			Targets: []model.Target{{Type: model.TargetTelegram, ChatID: "42"}},
		},
	}
}

func TestCreateRule(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/rules", validRule("rule-1"))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, f.rules.rules, "rule-1")
}

func TestCreateRuleGeneratesID(t *testing.T) {
	f := newFixture()

	rule := validRule("")
	rec := f.do(t, http.MethodPost, "/rules", rule)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Regexp(t, `^rule_[0-9a-f]{12}$`, created.RuleID)
}

func TestCreateRuleRejectsBadExpression(t *testing.T) {
	f := newFixture()

	rule := validRule("rule-1")
	rule.RuleConfig.PreFilter.Expression = "profit <"
	rec := f.do(t, http.MethodPost, "/rules", rule)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, f.rules.rules, "rule-1")
}

func TestCreateRuleRejectsMissingEventTypes(t *testing.T) {
	f := newFixture()

	rule := validRule("rule-1")
	rule.EventTypes = nil
	rec := f.do(t, http.MethodPost, "/rules", rule)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRuleConflict(t *testing.T) {
	f := newFixture(validRule("rule-1"))

	rec := f.do(t, http.MethodPost, "/rules", validRule("rule-1"))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRuleNotFound(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/rules/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateRuleBumpsVersion(t *testing.T) {
	existing := validRule("rule-1")
	existing.Version = 3
	f := newFixture(existing)

	updated := validRule("rule-1")
	updated.Name = "Renamed"
	rec := f.do(t, http.MethodPut, "/rules/rule-1", updated)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, int64(4), got.Version)
}

func TestDeleteRule(t *testing.T) {
	f := newFixture(validRule("rule-1"))

	rec := f.do(t, http.MethodDelete, "/rules/rule-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, f.rules.rules, "rule-1")
}

func TestEnableDisableRule(t *testing.T) {
	rule := validRule("rule-1")
	rule.Enabled = false
	f := newFixture(rule)

	rec := f.do(t, http.MethodPost, "/rules/rule-1/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.rules.rules["rule-1"].Enabled)

	rec = f.do(t, http.MethodPost, "/rules/rule-1/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.rules.rules["rule-1"].Enabled)
}

func TestRuleHistoryLimit(t *testing.T) {
	f := newFixture(validRule("rule-1"))
	f.executions.records = []*model.ExecutionRecord{{ExecutionID: "exec-1", RuleID: "rule-1"}}

	rec := f.do(t, http.MethodGet, "/rules/rule-1/history?limit=10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, f.executions.limit)
	assert.Contains(t, rec.Body.String(), "exec-1")
}

func TestTestEventEvaluatesMatchingRules(t *testing.T) {
	f := newFixture()
	f.events.results = []engine.RuleTestResult{
		{RuleID: "rule-1", ShouldTrigger: true, Confidence: 1.0, Reason: "expression matched"},
	}

	rec := f.do(t, http.MethodPost, "/events/test", map[string]any{
		"event_type": "trade.closed",
		"data":       map[string]any{"profit": -3.5},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.events.tested, 1)
	event := f.events.tested[0]
	assert.Equal(t, "trade.closed", event.EventType)
	assert.Equal(t, "trade.closed", event.ContextKey)
	assert.True(t, len(event.EventID) > len("test-"))
	assert.Contains(t, rec.Body.String(), "expression matched")
}

func TestTestEventRequiresEventType(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/events/test", map[string]any{"data": map[string]any{}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.events.tested)
}

func TestTestEventPipelineFailure(t *testing.T) {
	f := newFixture()
	f.events.err = errors.New("redis down")

	rec := f.do(t, http.MethodPost, "/events/test", map[string]any{"event_type": "trade.closed"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.healthErr = fmt.Errorf("connection refused")
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusReportsQueueDepths(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.EqualValues(t, 3, status["notify_queue_depth"])
	assert.EqualValues(t, 1, status["dead_letter_depth"])
}
