package expr

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Error kinds reported by the evaluator.
const (
	ErrKindParse    = "parse"
	ErrKindName     = "unknown_name"
	ErrKindType     = "type"
	ErrKindDivision = "division_by_zero"
)

// Error is a structured evaluation failure. Kind is stable and suitable for
// logging and metrics labels; Detail is human-readable.
type Error struct {
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func evalError(kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func eval(n node, vars map[string]any) (any, error) {
	switch n := n.(type) {
	case literalNode:
		return n.value, nil
	case nameNode:
		value, ok := vars[n.name]
		if !ok {
			return nil, evalError(ErrKindName, "name %q is not defined", n.name)
		}
		return value, nil
	case listNode:
		elems := make([]any, 0, len(n.elems))
		for _, elem := range n.elems {
			value, err := eval(elem, vars)
			if err != nil {
				return nil, err
			}
			elems = append(elems, value)
		}
		return elems, nil
	case unaryNode:
		return evalUnary(n, vars)
	case binaryNode:
		return evalBinary(n, vars)
	default:
		return nil, evalError(ErrKindType, "unsupported expression node %T", n)
	}
}

func evalUnary(n unaryNode, vars map[string]any) (any, error) {
	value, err := eval(n.operand, vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokNot:
		b, ok := value.(bool)
		if !ok {
			return nil, evalError(ErrKindType, "'not' requires a boolean, got %s", typeName(value))
		}
		return !b, nil
	case tokMinus:
		num, ok := toNumber(value)
		if !ok {
			return nil, evalError(ErrKindType, "unary '-' requires a number, got %s", typeName(value))
		}
		return -num, nil
	}
	return nil, evalError(ErrKindType, "unsupported unary operator")
}

func evalBinary(n binaryNode, vars map[string]any) (any, error) {
	// Boolean operators short-circuit.
	if n.op == tokAnd || n.op == tokOr {
		return evalBool(n, vars)
	}

	left, err := eval(n.left, vars)
	if err != nil {
		return nil, err
	}
	right, err := eval(n.right, vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		return evalArithmetic(n.op, left, right)
	case tokEQ:
		return valuesEqual(left, right), nil
	case tokNE:
		return !valuesEqual(left, right), nil
	case tokGT, tokLT, tokGE, tokLE:
		return evalOrdering(n.op, left, right)
	case tokIn:
		return evalMembership(left, right)
	}
	return nil, evalError(ErrKindType, "unsupported binary operator")
}

func evalBool(n binaryNode, vars map[string]any) (any, error) {
	left, err := eval(n.left, vars)
	if err != nil {
		return nil, err
	}
	lb, ok := left.(bool)
	if !ok {
		return nil, evalError(ErrKindType, "%q requires boolean operands, got %s", boolOpName(n.op), typeName(left))
	}
	if n.op == tokAnd && !lb {
		return false, nil
	}
	if n.op == tokOr && lb {
		return true, nil
	}

	right, err := eval(n.right, vars)
	if err != nil {
		return nil, err
	}
	rb, ok := right.(bool)
	if !ok {
		return nil, evalError(ErrKindType, "%q requires boolean operands, got %s", boolOpName(n.op), typeName(right))
	}
	return rb, nil
}

func evalArithmetic(op tokenKind, left, right any) (any, error) {
	// "+" doubles as string concatenation.
	if op == tokPlus {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, evalError(ErrKindType, "cannot add %s to string", typeName(right))
			}
			return ls + rs, nil
		}
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if !lok || !rok {
		return nil, evalError(ErrKindType, "arithmetic requires numbers, got %s and %s", typeName(left), typeName(right))
	}

	switch op {
	case tokPlus:
		return ln + rn, nil
	case tokMinus:
		return ln - rn, nil
	case tokStar:
		return ln * rn, nil
	case tokSlash:
		if rn == 0 {
			return nil, evalError(ErrKindDivision, "division by zero")
		}
		return ln / rn, nil
	case tokPercent:
		if rn == 0 {
			return nil, evalError(ErrKindDivision, "modulo by zero")
		}
		return math.Mod(ln, rn), nil
	}
	return nil, evalError(ErrKindType, "unsupported arithmetic operator")
}

func evalOrdering(op tokenKind, left, right any) (any, error) {
	if ln, lok := toNumber(left); lok {
		rn, rok := toNumber(right)
		if !rok {
			return nil, evalError(ErrKindType, "cannot compare number with %s", typeName(right))
		}
		return applyOrdering(op, compareFloats(ln, rn)), nil
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, evalError(ErrKindType, "cannot compare string with %s", typeName(right))
		}
		return applyOrdering(op, strings.Compare(ls, rs)), nil
	}
	return nil, evalError(ErrKindType, "%s values are not ordered", typeName(left))
}

func applyOrdering(op tokenKind, cmp int) bool {
	switch op {
	case tokGT:
		return cmp > 0
	case tokLT:
		return cmp < 0
	case tokGE:
		return cmp >= 0
	case tokLE:
		return cmp <= 0
	}
	return false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func evalMembership(left, right any) (any, error) {
	switch container := right.(type) {
	case []any:
		for _, item := range container {
			if valuesEqual(left, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		needle, ok := left.(string)
		if !ok {
			return nil, evalError(ErrKindType, "'in' on a string requires a string operand, got %s", typeName(left))
		}
		return strings.Contains(container, needle), nil
	default:
		return nil, evalError(ErrKindType, "'in' requires a list or string, got %s", typeName(right))
	}
}

// valuesEqual compares numerically when both sides are numbers, otherwise by
// deep equality.
func valuesEqual(left, right any) bool {
	if ln, lok := toNumber(left); lok {
		if rn, rok := toNumber(right); rok {
			return ln == rn
		}
		return false
	}
	return reflect.DeepEqual(left, right)
}

// toNumber coerces the numeric shapes that JSON decoding and Go literals
// produce. Booleans are deliberately not numbers.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "list"
	case float64, float32, int, int32, int64, uint, uint64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func boolOpName(op tokenKind) string {
	if op == tokAnd {
		return "and"
	}
	return "or"
}
