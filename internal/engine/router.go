package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llmtrigger/llmtrigger/internal/llm"
	"github.com/llmtrigger/llmtrigger/internal/model"
	"github.com/llmtrigger/llmtrigger/internal/trigger"
)

// LLMEvaluator runs the model pipeline for one (rule, event, window).
type LLMEvaluator interface {
	Evaluate(ctx context.Context, rule *model.Rule, event *model.Event, contextEvents, batchEvents []*model.Event) *llm.Decision
}

// TriggerController gates LLM analysis per trigger mode.
type TriggerController interface {
	Decide(ctx context.Context, rule *model.Rule, event *model.Event) (*trigger.Result, error)
	MarkAnalyzed(ctx context.Context, rule *model.Rule, ctxKey string) error
}

// ContextReader supplies the analysis window.
type ContextReader interface {
	Read(ctx context.Context, contextKey string) ([]*model.Event, error)
}

// Router dispatches a matched (rule, event) pair to the engine composition
// for the rule's kind: expression only, trigger-gated LLM, or the hybrid
// where the expression pre-filter guards entry into the trigger controller.
type Router struct {
	expression *ExpressionEngine
	llm        LLMEvaluator
	tmc        TriggerController
	contexts   ContextReader
	logger     *slog.Logger
}

// NewRouter creates a rule router.
func NewRouter(expression *ExpressionEngine, llmEngine LLMEvaluator, tmc TriggerController, contexts ContextReader, logger *slog.Logger) *Router {
	return &Router{
		expression: expression,
		llm:        llmEngine,
		tmc:        tmc,
		contexts:   contexts,
		logger:     logger,
	}
}

// Route evaluates one rule against one event.
func (r *Router) Route(ctx context.Context, rule *model.Rule, event *model.Event) (*EvaluationResult, error) {
	switch rule.RuleConfig.Kind {
	case model.RuleKindExpression:
		return r.expression.Evaluate(rule, event), nil
	case model.RuleKindLLM:
		return r.routeLLM(ctx, rule, event)
	case model.RuleKindHybrid:
		pre := r.expression.Evaluate(rule, event)
		if !pre.ShouldTrigger {
			// The event never enters trigger-mode state for this rule.
			return &EvaluationResult{Reason: "pre_filter: " + pre.Reason}, nil
		}
		return r.routeLLM(ctx, rule, event)
	default:
		return nil, fmt.Errorf("rule %s has unknown kind %q", rule.RuleID, rule.RuleConfig.Kind)
	}
}

func (r *Router) routeLLM(ctx context.Context, rule *model.Rule, event *model.Event) (*EvaluationResult, error) {
	decision, err := r.tmc.Decide(ctx, rule, event)
	if err != nil {
		return nil, fmt.Errorf("trigger decision for rule %s: %w", rule.RuleID, err)
	}

	switch decision.Decision {
	case trigger.DecisionSkip:
		return &EvaluationResult{Reason: "tmc_skip: " + decision.Reason}, nil
	case trigger.DecisionPending:
		return &EvaluationResult{Reason: "tmc_pending: " + decision.Reason}, nil
	}

	return r.Analyze(ctx, rule, event, decision.BatchEvents)
}

// Test evaluates a rule against an event with no side effects: trigger-mode
// state is bypassed and the analysis is not recorded. LLM and hybrid rules go
// straight to the model as if in realtime mode.
func (r *Router) Test(ctx context.Context, rule *model.Rule, event *model.Event) (*EvaluationResult, error) {
	switch rule.RuleConfig.Kind {
	case model.RuleKindExpression:
		return r.expression.Evaluate(rule, event), nil
	case model.RuleKindLLM:
		return r.testLLM(ctx, rule, event)
	case model.RuleKindHybrid:
		pre := r.expression.Evaluate(rule, event)
		if !pre.ShouldTrigger {
			return &EvaluationResult{Reason: "pre_filter: " + pre.Reason}, nil
		}
		return r.testLLM(ctx, rule, event)
	default:
		return nil, fmt.Errorf("rule %s has unknown kind %q", rule.RuleID, rule.RuleConfig.Kind)
	}
}

func (r *Router) testLLM(ctx context.Context, rule *model.Rule, event *model.Event) (*EvaluationResult, error) {
	contextEvents, err := r.contexts.Read(ctx, event.ContextKey)
	if err != nil {
		return nil, fmt.Errorf("read context window %s: %w", event.ContextKey, err)
	}

	decision := r.llm.Evaluate(ctx, rule, event, contextEvents, nil)
	return &EvaluationResult{
		ShouldTrigger: decision.ShouldTrigger,
		Confidence:    decision.Confidence,
		Reason:        decision.Reason,
	}, nil
}

// Analyze runs the LLM over the context window (plus the batch snapshot when
// one was flushed) and records analysis completion. Used both by the event
// path and by the periodic tick.
func (r *Router) Analyze(ctx context.Context, rule *model.Rule, event *model.Event, batchEvents []*model.Event) (*EvaluationResult, error) {
	contextEvents, err := r.contexts.Read(ctx, event.ContextKey)
	if err != nil {
		return nil, fmt.Errorf("read context window %s: %w", event.ContextKey, err)
	}

	decision := r.llm.Evaluate(ctx, rule, event, contextEvents, batchEvents)

	if err := r.tmc.MarkAnalyzed(ctx, rule, event.ContextKey); err != nil {
		r.logger.Warn("Failed to mark analysis complete",
			"rule_id", rule.RuleID, "context_key", event.ContextKey, "error", err)
	}

	return &EvaluationResult{
		ShouldTrigger: decision.ShouldTrigger,
		Confidence:    decision.Confidence,
		Reason:        decision.Reason,
	}, nil
}
