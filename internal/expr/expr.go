// Package expr implements the restricted expression language used by rule
// pre-filters. The grammar is closed on purpose: arithmetic, comparison,
// boolean logic, membership, and literals only. Function calls, attribute
// access, indexing, and any name outside the supplied variable map are
// rejected at parse or evaluation time, so a rule author can never reach
// beyond the event payload.
package expr

import "sync"

// astCacheLimit bounds the parsed-expression cache. The working set is the
// set of distinct rule expressions, which is small; the bound only guards
// against pathological churn.
const astCacheLimit = 1024

// Engine parses expressions once and evaluates the cached AST thereafter.
// It is safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]node
}

// NewEngine creates an expression engine with an empty AST cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]node)}
}

// Evaluate runs the expression against the variable map and requires a
// boolean result. Any failure (parse, unknown name, type mismatch, division
// by zero) is returned as an *Error with a stable Kind.
func (e *Engine) Evaluate(expression string, vars map[string]any) (bool, error) {
	root, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	value, err := eval(root, vars)
	if err != nil {
		return false, err
	}
	result, ok := value.(bool)
	if !ok {
		return false, evalError(ErrKindType, "expression yields %s, expected boolean", typeName(value))
	}
	return result, nil
}

// Validate checks that the expression parses under the restricted grammar.
// Used at rule write time so broken expressions are rejected before they can
// reach the event path.
func (e *Engine) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Engine) compile(expression string) (node, error) {
	e.mu.RLock()
	root, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return root, nil
	}

	root, err := parse(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= astCacheLimit {
		e.cache = make(map[string]node)
	}
	e.cache[expression] = root
	e.mu.Unlock()
	return root, nil
}
