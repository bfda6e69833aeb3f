package activities

import (
	"fmt"
	"sync"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// programs caches compiled expressions. Expressions are compiled without type information so a program can be
// shared by every instance evaluating the same text.
var programs = &programCache{cache: map[string]*vm.Program{}}

type programCache struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func (c *programCache) get(expression string) (*vm.Program, error) {
	c.mu.RLock()
	if prg, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}

	c.cache[expression] = prg

	return prg, nil
}

// evaluate runs expression with the given workflow variables in scope.
func evaluate(ctx activity.Context, expression string, inputs []string) (any, error) {
	prg, err := programs.get(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(inputs))
	for _, name := range inputs {
		var v any
		if err := ctx.GetVariable(name, &v); err != nil {
			return nil, err
		}

		env[name] = v
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}

	return out, nil
}

func evaluateCondition(ctx activity.Context, condition string, inputs []string) (bool, error) {
	out, err := evaluate(ctx, condition, inputs)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, expected bool", condition, out)
	}

	return b, nil
}

// forwardOutputs copies the outputs of a completed child to the current activity.
func forwardOutputs(ctx activity.Context, completed *activity.Instance) error {
	for name := range completed.Outputs() {
		var v any
		if err := completed.Output(name, &v); err != nil {
			return err
		}

		if err := ctx.SetOutput(name, v); err != nil {
			return err
		}
	}

	return nil
}
