package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExpressionEvaluator abstracts boolean evaluation for guards and audit rules.
type ExpressionEvaluator interface {
	EvaluateBool(expression string, env map[string]any) (bool, error)
}

// ExprLangEvaluator uses expr-lang/expr for safe expression evaluation.
// Compiled programs are cached by expression string.
type ExprLangEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprLangEvaluator() *ExprLangEvaluator {
	return &ExprLangEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// CompileExpression compiles a boolean expression without caching it.
func CompileExpression(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return prog, nil
}

func (e *ExprLangEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := CompileExpression(expression)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *ExprLangEvaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}

	isTrue, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool")
	}

	return isTrue, nil
}
