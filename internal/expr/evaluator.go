// Package expr implements the restricted JavaScript-like expression
// language used for conditions, computed-field transforms, and template
// substitution. The wrapper shape (Evaluator type, Evaluate* methods,
// dotted-path Get/Set helpers) is lifted from the teacher's
// internal/workflows/runtime/starlark_eval.go; the interpreter underneath
// is github.com/robertkrimen/otto rather than go.starlark.net because the
// language spec requires ternary and arrow-lambda syntax Starlark's
// grammar doesn't have.
package expr

import (
	"fmt"
	"strings"

	"github.com/robertkrimen/otto"

	"github.com/loomhq/loomctl/internal/engine/errs"
)

// Evaluator evaluates expressions against a scope map exposing this/global/
// inputs/loop (and, for computed-field transforms, input).
type Evaluator struct {
	builtins string // preamble script run before each expression (now and uuid are bound from Go)
}

// New constructs an Evaluator with the whitelisted builtin functions bound.
func New() *Evaluator {
	return &Evaluator{builtins: builtinsPreamble}
}

// EvaluateCondition evaluates expr as a boolean-producing expression.
func (e *Evaluator) EvaluateCondition(expression string, scope map[string]interface{}) (bool, error) {
	v, err := e.EvaluateExpression(expression, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvaluateExpression evaluates expr and returns its Go-native result.
func (e *Evaluator) EvaluateExpression(expression string, scope map[string]interface{}) (interface{}, error) {
	if err := ValidateWhitelist(expression); err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "disallowed construct", Err: err}
	}

	vm := otto.New()
	if err := bindBuiltinFunctions(vm); err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "failed to bind builtins", Err: err}
	}
	if err := bindScope(vm, scope); err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "failed to bind scope", Err: err}
	}
	if _, err := vm.Run(e.builtins); err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "failed to load builtins", Err: err}
	}

	// A top-level otto script's `this` is the global object, so the scope's
	// "this" binding is passed as the receiver of a wrapping function.
	thisValue, err := vm.ToValue(scope["this"])
	if err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "failed to bind scope", Err: err}
	}
	fn, err := vm.Run("(function(){ return (" + transformArrows(expression) + ") })")
	if err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "evaluation failed", Err: err}
	}
	value, err := fn.Call(thisValue)
	if err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "evaluation failed", Err: err}
	}

	result, err := value.Export()
	if err != nil {
		return nil, &errs.ExpressionError{Expression: expression, Cause: "failed to export result", Err: err}
	}
	return normalize(result), nil
}

// truthy mirrors JS truthiness for the subset of values the evaluator produces.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []interface{}:
		return true
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

// normalize coerces otto's exported Go values (which may use int64, etc.)
// into the plain types the rest of the engine expects (float64 for numbers,
// []interface{} for arrays, map[string]interface{} for objects).
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func bindScope(vm *otto.Otto, scope map[string]interface{}) error {
	for k, v := range scope {
		if err := vm.Set(k, v); err != nil {
			return fmt.Errorf("binding %q: %w", k, err)
		}
	}
	return nil
}

// IsUnboundReference reports whether err originated from a JS ReferenceError
// (otto's natural behaviour for reading an undeclared identifier), which is
// how strict-mode unbound-identifier rejection (spec §4.A) is implemented —
// no scope binding is ever pre-populated with "undefined" placeholders.
func IsUnboundReference(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ReferenceError")
}
