package rules

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating step completion expressions.
type Evaluator interface {
	Evaluate(expression string, fields map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Unknown identifiers evaluate to nil, so a predicate over a field that was never
// entered reads as "not filled" instead of failing to compile.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]func(params ...interface{}) (interface{}, error)
}

// NewExprEvaluator creates a new ExprEvaluator with the built-in helpers registered.
func NewExprEvaluator() *ExprEvaluator {
	e := &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]func(params ...interface{}) (interface{}, error)),
	}
	e.functions["filled"] = func(params ...interface{}) (interface{}, error) {
		if len(params) != 1 {
			return false, fmt.Errorf("filled expects 1 argument, got %d", len(params))
		}
		return Filled(params[0]), nil
	}
	return e
}

// AddFunction registers a helper callable from expressions.
// Programs compiled before the call are dropped so they pick up the new function.
func (e *ExprEvaluator) AddFunction(name string, f func(params ...interface{}) (interface{}, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = f
	e.cache = make(map[string]*vm.Program)
}

// Compile checks that the expression compiles and caches the program.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate evaluates the given expression against the provided fields.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The fields map is never modified.
func (e *ExprEvaluator) Evaluate(expression string, fields map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		env[k] = v
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for name, fn := range e.functions {
		opts = append(opts, expr.Function(name, fn))
	}
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Filled reports whether a field value counts as entered: non-blank strings,
// non-empty collections, true booleans and any other non-nil value.
func Filled(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case bool:
		return val
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
