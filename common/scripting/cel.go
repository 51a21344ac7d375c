package scripting

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator evaluates expressions using CEL with a compiled-program cache.
type celEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func newCELEvaluator() *celEvaluator {
	return &celEvaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate evaluates a CEL expression against the scope
func (e *celEvaluator) Evaluate(scope Scope, expr string) (interface{}, error) {
	expr = strings.TrimSpace(strings.TrimPrefix(expr, "$"))
	if expr == "" {
		return nil, nil
	}

	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expr)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"data":     emptyIfNil(scope.Data),
		"input":    emptyIfNil(scope.Input),
		"output":   emptyIfNil(scope.Output),
		"vars":     emptyIfNil(scope.Vars),
		"item":     emptyIfNil(scope.Item),
		"instance": emptyIfNil(scope.Instance),
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}

	return out.Value(), nil
}

func (e *celEvaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("input", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("vars", cel.DynType),
		cel.Variable("item", cel.DynType),
		cel.Variable("instance", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

func emptyIfNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
