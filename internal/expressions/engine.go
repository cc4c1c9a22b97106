// Package expressions evaluates the configurable predicates and projections
// the workflow uses: expr for the history window, CEL for update
// qualification and jq for capability payload projection.
package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/callflow/pkg/schema"
)

// Engine evaluates expressions against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates a predicate and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, expressionError(schema.ErrCodeValidation, e.Name(), expression,
			"returned a non-boolean", nil)
	}
	return b, nil
}

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a program compiles at most once per engine.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

// expressionError builds the FlowError every engine reports, carrying the
// offending expression in Details.
func expressionError(code, engine, expression, what string, cause error) *schema.FlowError {
	msg := fmt.Sprintf("%s expression %q %s", engine, expression, what)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	fe := schema.NewError(code, msg).WithDetails(map[string]any{"expression": expression, "engine": engine})
	if cause != nil {
		fe = fe.WithCause(cause)
	}
	return fe
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
