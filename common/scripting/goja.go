package scripting

import (
	"fmt"

	"github.com/dop251/goja"
)

// DefaultHandler routes expressions to CEL and scripts to a goja JavaScript
// runtime. Script assignments to data/input/output/vars write through to the
// Go maps in the scope.
type DefaultHandler struct {
	expressions *celEvaluator
}

// NewDefaultHandler creates the default expression and script handler
func NewDefaultHandler() *DefaultHandler {
	return &DefaultHandler{
		expressions: newCELEvaluator(),
	}
}

// EvaluateExpression evaluates a CEL expression against the scope
func (h *DefaultHandler) EvaluateExpression(scope Scope, expr string) (interface{}, error) {
	return h.expressions.Evaluate(scope, expr)
}

// ExecuteScript runs a JavaScript body against the scope. The script's
// completion value is inspected for the {escalation, bpmnError} convention.
func (h *DefaultHandler) ExecuteScript(scope Scope, source string) (*Result, error) {
	if source == "" {
		return &Result{}, nil
	}

	vm := goja.New()
	bind := func(name string, m map[string]interface{}) error {
		if m == nil {
			m = map[string]interface{}{}
		}
		return vm.Set(name, m)
	}
	for name, m := range map[string]map[string]interface{}{
		"data":     scope.Data,
		"input":    scope.Input,
		"output":   scope.Output,
		"vars":     scope.Vars,
		"item":     scope.Item,
		"instance": scope.Instance,
		"services": scope.Services,
	} {
		if err := bind(name, m); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	val, err := vm.RunString(source)
	if err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	// Integral script numbers export as int64; store them as float64, the
	// JSON number type used throughout the data tree.
	var normalize func(m map[string]interface{})
	normalize = func(m map[string]interface{}) {
		for k, v := range m {
			if n, ok := v.(int64); ok {
				m[k] = float64(n)
			} else if nested, ok := v.(map[string]interface{}); ok {
				normalize(nested)
			}
		}
	}
	normalize(scope.Data)
	normalize(scope.Output)

	result := &Result{}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		exported := val.Export()
		result.Value = exported
		if m, ok := exported.(map[string]interface{}); ok {
			if esc, ok := m["escalation"].(string); ok {
				result.Escalation = esc
			}
			if code, ok := m["bpmnError"].(string); ok {
				result.BpmnError = code
			}
			if code, ok := m["bpmn_error"].(string); ok {
				result.BpmnError = code
			}
		}
	}
	return result, nil
}
