package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

type fakeStateStore struct {
	batches      map[string][]*model.Event
	batchSince   map[string]time.Time
	lastAnalysis map[string]time.Time
	locks        map[string]bool
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		batches:      make(map[string][]*model.Event),
		batchSince:   make(map[string]time.Time),
		lastAnalysis: make(map[string]time.Time),
		locks:        make(map[string]bool),
	}
}

func pairKey(ruleID, ctxKey string) string { return ruleID + "|" + ctxKey }

func (s *fakeStateStore) AddToBatch(_ context.Context, ruleID, ctxKey string, event *model.Event, _ time.Duration) (int64, error) {
	key := pairKey(ruleID, ctxKey)
	s.batches[key] = append(s.batches[key], event)
	if _, ok := s.batchSince[key]; !ok {
		s.batchSince[key] = time.Now()
	}
	return int64(len(s.batches[key])), nil
}

func (s *fakeStateStore) BatchSince(_ context.Context, ruleID, ctxKey string) (time.Time, bool, error) {
	since, ok := s.batchSince[pairKey(ruleID, ctxKey)]
	return since, ok, nil
}

func (s *fakeStateStore) SnapshotAndClearBatch(_ context.Context, ruleID, ctxKey string) ([]*model.Event, error) {
	key := pairKey(ruleID, ctxKey)
	events := s.batches[key]
	delete(s.batches, key)
	delete(s.batchSince, key)
	return events, nil
}

func (s *fakeStateStore) PendingBatchKeys(_ context.Context, ruleID string) ([]string, error) {
	var keys []string
	for key := range s.batchSince {
		if n := len(ruleID); len(key) > n && key[:n] == ruleID && key[n] == '|' {
			keys = append(keys, key[n+1:])
		}
	}
	return keys, nil
}

func (s *fakeStateStore) IntervalKeys(_ context.Context, ruleID string) ([]string, error) {
	var keys []string
	for key := range s.lastAnalysis {
		if n := len(ruleID); len(key) > n && key[:n] == ruleID && key[n] == '|' {
			keys = append(keys, key[n+1:])
		}
	}
	return keys, nil
}

func (s *fakeStateStore) LastAnalysis(_ context.Context, ruleID, ctxKey string) (time.Time, bool, error) {
	last, ok := s.lastAnalysis[pairKey(ruleID, ctxKey)]
	return last, ok, nil
}

func (s *fakeStateStore) SetLastAnalysis(_ context.Context, ruleID, ctxKey string, at time.Time) error {
	s.lastAnalysis[pairKey(ruleID, ctxKey)] = at
	return nil
}

func (s *fakeStateStore) TryAcquireIntervalLock(_ context.Context, ruleID string) (bool, error) {
	if s.locks[ruleID] {
		return false, nil
	}
	s.locks[ruleID] = true
	return true, nil
}

func (s *fakeStateStore) ReleaseIntervalLock(_ context.Context, ruleID string) error {
	delete(s.locks, ruleID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func batchRule(batchSize, maxWait int) *model.Rule {
	return &model.Rule{
		RuleID: "rule-batch",
		RuleConfig: model.RuleConfig{
			Kind: model.RuleKindLLM,
			LLMConfig: &model.LLMConfig{
				Description:    "batch rule",
				TriggerMode:    model.TriggerModeBatch,
				BatchSize:      batchSize,
				MaxWaitSeconds: maxWait,
			},
		},
	}
}

func intervalRule(seconds int) *model.Rule {
	return &model.Rule{
		RuleID: "rule-interval",
		RuleConfig: model.RuleConfig{
			Kind: model.RuleKindLLM,
			LLMConfig: &model.LLMConfig{
				Description:     "interval rule",
				TriggerMode:     model.TriggerModeInterval,
				IntervalSeconds: seconds,
			},
		},
	}
}

func event(id string) *model.Event {
	return &model.Event{
		EventID:    id,
		EventType:  "trade.closed",
		ContextKey: "trade.btcusdt",
		Timestamp:  time.Now().UTC(),
		Data:       map[string]any{"profit": -1.0},
	}
}

func TestRealtimeAlwaysTriggers(t *testing.T) {
	c := NewController(newFakeStateStore(), testLogger())
	rule := &model.Rule{
		RuleID: "rule-rt",
		RuleConfig: model.RuleConfig{
			Kind:      model.RuleKindLLM,
			LLMConfig: &model.LLMConfig{Description: "rt", TriggerMode: model.TriggerModeRealtime},
		},
	}

	for i := 0; i < 3; i++ {
		result, err := c.Decide(context.Background(), rule, event(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		assert.Equal(t, DecisionTrigger, result.Decision)
	}
}

func TestBatchAccumulatesThenTriggersOnSize(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := batchRule(3, 60)

	for i := 0; i < 2; i++ {
		result, err := c.Decide(context.Background(), rule, event(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		assert.Equal(t, DecisionPending, result.Decision)
	}

	result, err := c.Decide(context.Background(), rule, event("e2"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTrigger, result.Decision)
	assert.Equal(t, "batch_size_reached", result.Reason)
	assert.Len(t, result.BatchEvents, 3)

	// Accumulator was cleared: the next event starts a fresh batch.
	next, err := c.Decide(context.Background(), rule, event("e3"))
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, next.Decision)
}

func TestBatchTriggersOnMaxWait(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := batchRule(100, 30)

	_, err := c.Decide(context.Background(), rule, event("e0"))
	require.NoError(t, err)

	// Age the batch past max_wait.
	key := pairKey(rule.RuleID, "trade.btcusdt")
	store.batchSince[key] = time.Now().Add(-31 * time.Second)

	result, err := c.Decide(context.Background(), rule, event("e1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTrigger, result.Decision)
	assert.Equal(t, "max_wait_elapsed", result.Reason)
	assert.Len(t, result.BatchEvents, 2)
}

func TestBatchRaceYieldsSkip(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := batchRule(1, 60)

	// Another worker drains the batch between append and flush.
	key := pairKey(rule.RuleID, "trade.btcusdt")
	store.batches[key] = nil

	result, err := c.flushBatch(context.Background(), rule.RuleID, "trade.btcusdt", "batch_size_reached")
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, result.Decision)
}

func TestIntervalFirstEventTriggers(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := intervalRule(300)

	result, err := c.Decide(context.Background(), rule, event("e0"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTrigger, result.Decision)
}

func TestIntervalSkipsInsideWindow(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := intervalRule(300)

	require.NoError(t, store.SetLastAnalysis(context.Background(), rule.RuleID, "trade.btcusdt", time.Now().Add(-10*time.Second)))

	result, err := c.Decide(context.Background(), rule, event("e0"))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, result.Decision)
	assert.Equal(t, "interval_not_elapsed", result.Reason)
}

func TestIntervalLockLoserSkips(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := intervalRule(300)

	store.locks[rule.RuleID] = true

	result, err := c.Decide(context.Background(), rule, event("e0"))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, result.Decision)
	assert.Equal(t, "interval_lock_held", result.Reason)
}

func TestMarkAnalyzedResetsIntervalClock(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := intervalRule(300)

	first, err := c.Decide(context.Background(), rule, event("e0"))
	require.NoError(t, err)
	require.Equal(t, DecisionTrigger, first.Decision)

	require.NoError(t, c.MarkAnalyzed(context.Background(), rule, "trade.btcusdt"))
	assert.False(t, store.locks[rule.RuleID])

	second, err := c.Decide(context.Background(), rule, event("e1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, second.Decision)
}

func TestSweepExpiredBatches(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := batchRule(100, 30)

	_, err := c.Decide(context.Background(), rule, event("e0"))
	require.NoError(t, err)

	// Fresh batch: nothing to flush yet.
	flushes, err := c.SweepExpiredBatches(context.Background(), rule)
	require.NoError(t, err)
	assert.Empty(t, flushes)

	store.batchSince[pairKey(rule.RuleID, "trade.btcusdt")] = time.Now().Add(-31 * time.Second)

	flushes, err = c.SweepExpiredBatches(context.Background(), rule)
	require.NoError(t, err)
	require.Len(t, flushes, 1)
	assert.Equal(t, "trade.btcusdt", flushes[0].ContextKey)
	assert.Len(t, flushes[0].Events, 1)
}

func TestDueIntervalKeys(t *testing.T) {
	store := newFakeStateStore()
	c := NewController(store, testLogger())
	rule := intervalRule(60)

	require.NoError(t, store.SetLastAnalysis(context.Background(), rule.RuleID, "fresh", time.Now()))
	require.NoError(t, store.SetLastAnalysis(context.Background(), rule.RuleID, "stale", time.Now().Add(-2*time.Minute)))

	due, err := c.DueIntervalKeys(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, due)

	// Lock is now held; a second sweep yields nothing.
	due, err = c.DueIntervalKeys(context.Background(), rule)
	require.NoError(t, err)
	assert.Empty(t, due)
}
