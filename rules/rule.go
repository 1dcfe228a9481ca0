// Package rules evaluates stage conditions and computed expressions against a
// run's variable environment using expr-lang.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a stage's `when` condition holds.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator implements Evaluator with expr-lang/expr and caches compiled
// programs per expression.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates an ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

func (e *ExprEvaluator) program(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate runs the expression against env. The expression must evaluate to a
// boolean; any other result type is an error.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	result, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

// Eval runs the expression against env and returns whatever it produces.
// Used by transform stages for computed values.
func (e *ExprEvaluator) Eval(expression string, env map[string]any) (any, error) {
	program, err := e.program(expression, env)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}
