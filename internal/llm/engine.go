package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/llmtrigger/llmtrigger/internal/metrics"
	"github.com/llmtrigger/llmtrigger/internal/model"
	"github.com/llmtrigger/llmtrigger/internal/storage"
)

// DecisionCache is the short-TTL decision store keyed by (rule, context hash).
type DecisionCache interface {
	Get(ctx context.Context, ruleID, contextHash string) (*storage.CachedDecision, error)
	Set(ctx context.Context, ruleID, contextHash string, decision storage.CachedDecision) error
}

// Engine runs the full evaluation pipeline for LLM-backed rules. It never
// returns an error: transport and parse failures fold into a non-firing
// decision with a machine-readable reason prefix, so one flaky call cannot
// break sibling rule evaluation.
type Engine struct {
	client     Client
	cache      DecisionCache
	summarizer *Summarizer
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewEngine creates an LLM engine.
func NewEngine(client Client, cache DecisionCache, collector *metrics.Collector, logger *slog.Logger) *Engine {
	return &Engine{
		client:     client,
		cache:      cache,
		summarizer: NewSummarizer(),
		collector:  collector,
		logger:     logger,
	}
}

// Evaluate analyzes the event (or the batch under analysis) against the
// rule's natural-language description over the context window.
func (e *Engine) Evaluate(ctx context.Context, rule *model.Rule, event *model.Event, contextEvents, batchEvents []*model.Event) *Decision {
	llmCfg := rule.RuleConfig.LLMConfig
	if llmCfg == nil {
		return &Decision{Reason: "missing llm configuration"}
	}

	start := time.Now()
	summary := e.summarizer.Summarize(contextEvents)
	contextHash := computeCacheKey(rule.RuleID, summary, event)

	if cached := e.cacheLookup(ctx, rule.RuleID, contextHash); cached != nil {
		e.logger.Debug("LLM cache hit", "rule_id", rule.RuleID)
		e.record("cache_hit", start)
		return &Decision{
			ShouldTrigger: cached.ShouldTrigger,
			Confidence:    cached.Confidence,
			Reason:        cached.Reason + " (cached)",
		}
	}

	userPrompt := buildUserPrompt(llmCfg.Description, summary, event, batchEvents)
	content, err := e.client.ChatCompletion(ctx, systemPrompt, userPrompt)
	if err != nil {
		kind := classifyTransportError(err)
		e.logger.Error("LLM call failed", "rule_id", rule.RuleID, "kind", kind, "error", err)
		e.record("transport_error", start)
		return &Decision{Reason: "llm_error:" + kind}
	}

	decision, err := parseResponse(content)
	if err != nil {
		e.logger.Warn("Unparseable LLM response", "rule_id", rule.RuleID, "error", err)
		e.record("parse_error", start)
		return &Decision{Reason: fmt.Sprintf("parse_error:%v", err)}
	}

	// Below-threshold confidence never fires, whatever the model claimed.
	if decision.Confidence < llmCfg.Threshold() {
		decision.ShouldTrigger = false
	}

	e.logger.Info("LLM evaluation complete",
		"rule_id", rule.RuleID,
		"should_trigger", decision.ShouldTrigger,
		"confidence", decision.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds())
	e.record("success", start)

	if err := e.cache.Set(ctx, rule.RuleID, contextHash, storage.CachedDecision{
		ShouldTrigger: decision.ShouldTrigger,
		Confidence:    decision.Confidence,
		Reason:        decision.Reason,
	}); err != nil {
		e.logger.Warn("Failed to cache LLM decision", "rule_id", rule.RuleID, "error", err)
	}
	return decision
}

func (e *Engine) record(outcome string, start time.Time) {
	if e.collector != nil {
		e.collector.RecordLLMCall(outcome, time.Since(start))
	}
}

func (e *Engine) cacheLookup(ctx context.Context, ruleID, contextHash string) *storage.CachedDecision {
	cached, err := e.cache.Get(ctx, ruleID, contextHash)
	if err != nil {
		e.logger.Warn("LLM cache lookup failed", "rule_id", ruleID, "error", err)
		return nil
	}
	return cached
}

// computeCacheKey hashes the summary and the current event so identical
// windows within the cache TTL reuse one model call.
func computeCacheKey(ruleID, contextSummary string, event *model.Event) string {
	payload := fmt.Sprintf("%s:%s:%s:%s", ruleID, contextSummary, event.EventType, compactJSON(event.Data))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
