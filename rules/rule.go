package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating condition expressions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
//
// Programs are compiled without a typed environment: session contexts differ
// from user to user, so the same cached program must run against any of them.
// Variables missing from the context evaluate to nil.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache and
// the built-in has(key) helper.
func NewExprEvaluator() *ExprEvaluator {
	e := &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
	e.AddOptionFunc("has", func(env map[string]interface{}) interface{} {
		return func(key string) bool {
			_, ok := env[key]
			return ok
		}
	})
	return e
}

// AddOptionFunc registers a value computed from the context before every
// evaluation and exposed to expressions under name. Context keys with the same
// name are shadowed.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The caller's context is never modified.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	env := make(map[string]interface{}, len(context)+len(e.optionsFunc))
	for k, v := range context {
		env[k] = v
	}

	e.mu.RLock()
	for k, f := range e.optionsFunc {
		env[k] = f(context)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("failed to compile expression '%s': %w", expression, err)
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression '%s': %w", expression, err)
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
