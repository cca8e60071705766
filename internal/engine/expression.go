package engine

import (
	"errors"
	"log/slog"

	"github.com/llmtrigger/llmtrigger/internal/expr"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// EvaluationResult is the normalized outcome of any engine composition.
type EvaluationResult struct {
	ShouldTrigger bool
	Confidence    float64
	Reason        string
}

// ExpressionEngine evaluates rule pre-filters over event data. Evaluation
// failures surface as non-firing results with the error kind in the reason,
// so a malformed rule cannot block its siblings.
type ExpressionEngine struct {
	engine *expr.Engine
	logger *slog.Logger
}

// NewExpressionEngine creates an expression engine.
func NewExpressionEngine(logger *slog.Logger) *ExpressionEngine {
	return &ExpressionEngine{engine: expr.NewEngine(), logger: logger}
}

// Evaluate runs the rule's pre-filter against the event data.
func (e *ExpressionEngine) Evaluate(rule *model.Rule, event *model.Event) *EvaluationResult {
	preFilter := rule.RuleConfig.PreFilter
	if preFilter == nil || preFilter.Expression == "" {
		return &EvaluationResult{Reason: "missing pre_filter expression"}
	}

	matched, err := e.engine.Evaluate(preFilter.Expression, event.Data)
	if err != nil {
		kind := "evaluation"
		var evalErr *expr.Error
		if errors.As(err, &evalErr) {
			kind = evalErr.Kind
		}
		e.logger.Warn("Expression evaluation failed",
			"rule_id", rule.RuleID, "kind", kind, "error", err)
		return &EvaluationResult{Reason: "expression_error:" + kind}
	}

	if matched {
		return &EvaluationResult{ShouldTrigger: true, Confidence: 1.0, Reason: "expression matched"}
	}
	return &EvaluationResult{Reason: "expression not matched"}
}

// Validate checks an expression at rule write time.
func (e *ExpressionEngine) Validate(expression string) error {
	return e.engine.Validate(expression)
}
